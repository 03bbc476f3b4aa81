package protocol

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gRPC service description shared by server and client.
const (
	ServiceName = "kvs.KV"

	MethodGet    = "Get"
	MethodSet    = "Set"
	MethodRemove = "Remove"
)

// FullMethod returns the gRPC method path, e.g. "/kvs.KV/Get".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// MethodFor maps an op to its gRPC method name.
func MethodFor(op Op) string {
	switch op {
	case OpGet:
		return MethodGet
	case OpSet:
		return MethodSet
	default:
		return MethodRemove
	}
}

// CodecName is the gRPC content-subtype of Codec.
const CodecName = "kvs-protowire"

// Codec carries Request and Response over gRPC using the same encoding as
// the TCP frames. It is registered under CodecName; clients select it with
// grpc.CallContentSubtype(CodecName) while other services on the same server
// keep using the proto codec.
type Codec struct{}

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *Request:
		return m.Marshal(), nil
	case *Response:
		return m.Marshal(), nil
	default:
		return nil, fmt.Errorf("%w: cannot marshal %T", ErrMalformed, v)
	}
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *Request:
		req, err := UnmarshalRequest(data)
		if err != nil {
			return err
		}
		*m = *req
	case *Response:
		resp, err := UnmarshalResponse(data)
		if err != nil {
			return err
		}
		*m = *resp
	default:
		return fmt.Errorf("%w: cannot unmarshal into %T", ErrMalformed, v)
	}
	return nil
}
