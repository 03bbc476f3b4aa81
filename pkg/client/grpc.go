package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	kvserrors "kvs/pkg/errors"
	"kvs/pkg/protocol"
)

// GRPCClient calls the kvs.KV gRPC service. It is safe for concurrent use.
type GRPCClient struct {
	addr    string
	options Options
	conn    *grpc.ClientConn
}

var _ KV = (*GRPCClient)(nil)

// DialGRPC connects to the gRPC service at addr and waits for the
// connection to be ready.
func DialGRPC(addr string, options Options) (*GRPCClient, error) {
	creds := insecure.NewCredentials()
	if options.TLS != nil {
		creds = credentials.NewTLS(options.TLS)
	}

	ctx := context.Background()
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(protocol.CodecName),
			grpc.MaxCallRecvMsgSize(protocol.MaxFrameSize),
			grpc.MaxCallSendMsgSize(protocol.MaxFrameSize),
		),
	)
	if err != nil {
		return nil, kvserrors.NewConnectionError(addr, err)
	}
	return &GRPCClient{addr: addr, options: options, conn: conn}, nil
}

// Conn returns the underlying connection, e.g. for health checks.
func (c *GRPCClient) Conn() *grpc.ClientConn {
	return c.conn
}

// Get returns the value of key; a missing key is (nil, false, nil).
func (c *GRPCClient) Get(key string) ([]byte, bool, error) {
	resp, err := c.invoke(&protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return valueOf(resp)
}

// Set stores value under key.
func (c *GRPCClient) Set(key string, value []byte) error {
	resp, err := c.invoke(&protocol.Request{Op: protocol.OpSet, Key: key, Value: value})
	if err != nil {
		return err
	}
	return ackOf(resp)
}

// Remove deletes key. A missing key fails with code KEY_NOT_FOUND.
func (c *GRPCClient) Remove(key string) error {
	resp, err := c.invoke(&protocol.Request{Op: protocol.OpRemove, Key: key})
	if err != nil {
		return err
	}
	return ackOf(resp)
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(req *protocol.Request) (*protocol.Response, error) {
	ctx := context.Background()
	if c.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()
	}

	resp := new(protocol.Response)
	start := time.Now()
	err := c.conn.Invoke(ctx, protocol.FullMethod(protocol.MethodFor(req.Op)), req, resp)
	if err == nil {
		return resp, nil
	}

	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return nil, kvserrors.Wrap(err, kvserrors.ErrCodeTimeout, "operation timed out").
			WithContext("operation", req.Op.String()).
			WithContext("elapsed", time.Since(start).String()).
			WithRetryable(true)
	case codes.Unavailable:
		return nil, kvserrors.NewConnectionError(c.addr, err)
	case codes.InvalidArgument, codes.Internal, codes.Unimplemented:
		return nil, kvserrors.NewProtocolError(st.Message(), err)
	default:
		return nil, kvserrors.Wrap(err, kvserrors.ErrCodeUnknown, st.Message())
	}
}
