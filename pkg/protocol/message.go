package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op identifies a request operation.
type Op uint32

const (
	OpGet    Op = 1
	OpSet    Op = 2
	OpRemove Op = 3
)

func (op Op) String() string {
	switch op {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", uint32(op))
	}
}

// Kind identifies a response variant.
type Kind uint32

const (
	KindValue Kind = 1
	KindAck   Kind = 2
	KindError Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Field numbers. Request: op, key, value. Response: kind, found, value,
// code, message.
const (
	fieldReqOp    protowire.Number = 1
	fieldReqKey   protowire.Number = 2
	fieldReqValue protowire.Number = 3

	fieldRespKind    protowire.Number = 1
	fieldRespFound   protowire.Number = 2
	fieldRespValue   protowire.Number = 3
	fieldRespCode    protowire.Number = 4
	fieldRespMessage protowire.Number = 5
)

// Request is a client command.
type Request struct {
	Op    Op
	Key   string
	Value []byte
}

// Response answers a Request. Get is answered with KindValue, Set and Remove
// with KindAck, and any failure with KindError.
type Response struct {
	Kind    Kind
	Found   bool
	Value   []byte
	Code    string
	Message string
}

// ValueResponse answers a Get.
func ValueResponse(value []byte, found bool) *Response {
	return &Response{Kind: KindValue, Found: found, Value: value}
}

// AckResponse answers a successful Set or Remove.
func AckResponse() *Response {
	return &Response{Kind: KindAck}
}

// ErrorResponse reports a failed request.
func ErrorResponse(code, message string) *Response {
	return &Response{Kind: KindError, Code: code, Message: message}
}

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	b := make([]byte, 0, 16+len(r.Key)+len(r.Value))
	b = protowire.AppendTag(b, fieldReqOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	b = protowire.AppendTag(b, fieldReqKey, protowire.BytesType)
	b = protowire.AppendString(b, r.Key)
	if r.Op == OpSet {
		b = protowire.AppendTag(b, fieldReqValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

// UnmarshalRequest decodes and validates a request. Unknown fields are
// skipped.
func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldReqOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				if v > uint64(OpRemove) {
					return 0, fmt.Errorf("%w: unknown op %d", ErrMalformed, v)
				}
				r.Op = Op(v)
			}
			return n, nil
		case num == fieldReqKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Key = string(v)
			return n, nil
		case num == fieldReqValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Value = append([]byte{}, v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	switch r.Op {
	case OpGet, OpRemove:
	case OpSet:
		if r.Value == nil {
			r.Value = []byte{}
		}
	default:
		return nil, fmt.Errorf("%w: missing op", ErrMalformed)
	}
	return r, nil
}

// Marshal encodes the response.
func (r *Response) Marshal() []byte {
	b := make([]byte, 0, 16+len(r.Value)+len(r.Code)+len(r.Message))
	b = protowire.AppendTag(b, fieldRespKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	if r.Found {
		b = protowire.AppendTag(b, fieldRespFound, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRespValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.Code != "" {
		b = protowire.AppendTag(b, fieldRespCode, protowire.BytesType)
		b = protowire.AppendString(b, r.Code)
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, fieldRespMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	return b
}

// UnmarshalResponse decodes and validates a response. Unknown fields are
// skipped.
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRespKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				if v > uint64(KindError) {
					return 0, fmt.Errorf("%w: unknown response kind %d", ErrMalformed, v)
				}
				r.Kind = Kind(v)
			}
			return n, nil
		case num == fieldRespFound && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Found = protowire.DecodeBool(v)
			return n, nil
		case num == fieldRespValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Value = append([]byte{}, v...)
			return n, nil
		case num == fieldRespCode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Code = v
			return n, nil
		case num == fieldRespMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Message = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	if r.Kind == 0 {
		return nil, fmt.Errorf("%w: missing response kind", ErrMalformed)
	}
	if r.Kind == KindValue && r.Found && r.Value == nil {
		r.Value = []byte{}
	}
	return r, nil
}

// walk calls fn for each field in b. fn consumes the field value and returns
// its length, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
