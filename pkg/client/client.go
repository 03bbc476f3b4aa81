// Package client talks to a kvs server over either transport. Client uses
// the length-prefixed TCP protocol, GRPCClient the kvs.KV gRPC service; both
// satisfy KV and report failures as *errors.KVSError, so callers can test
// for a missing key with errors.IsCode(err, errors.ErrCodeKeyNotFound).
package client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	kvserrors "kvs/pkg/errors"
	"kvs/pkg/protocol"
)

// KV is the client side of the store.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}

// Options configures a connection.
type Options struct {
	// Timeout bounds dialing and every round trip. Zero means no limit.
	Timeout time.Duration

	// TLS enables TLS when set.
	TLS *tls.Config
}

// DefaultOptions returns reasonable default options.
func DefaultOptions() Options {
	return Options{Timeout: 5 * time.Second}
}

// Client is a TCP connection to a kvs server. Requests are sent one at a
// time; concurrent callers are serialized.
type Client struct {
	addr    string
	options Options

	mutex  sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	broken error
}

var _ KV = (*Client)(nil)

// Dial connects to addr.
func Dial(addr string, options Options) (*Client, error) {
	dialer := &net.Dialer{Timeout: options.Timeout}

	var conn net.Conn
	var err error
	if options.TLS != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, options.TLS)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, kvserrors.NewConnectionError(addr, err)
	}

	return &Client{
		addr:    addr,
		options: options,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
	}, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// Get returns the value of key; a missing key is (nil, false, nil).
func (c *Client) Get(key string) ([]byte, bool, error) {
	resp, err := c.roundTrip(&protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return valueOf(resp)
}

// Set stores value under key.
func (c *Client) Set(key string, value []byte) error {
	resp, err := c.roundTrip(&protocol.Request{Op: protocol.OpSet, Key: key, Value: value})
	if err != nil {
		return err
	}
	return ackOf(resp)
}

// Remove deletes key. A missing key fails with code KEY_NOT_FOUND.
func (c *Client) Remove(key string) error {
	resp, err := c.roundTrip(&protocol.Request{Op: protocol.OpRemove, Key: key})
	if err != nil {
		return err
	}
	return ackOf(resp)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.broken == nil {
		c.broken = errClosed
	}
	return c.conn.Close()
}

var errClosed = errors.New("client is closed")

// Broken reports whether the connection failed and can no longer be used.
func (c *Client) Broken() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.broken != nil
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.broken != nil {
		return nil, kvserrors.Wrap(c.broken, kvserrors.ErrCodeConnectionFailed, "connection is no longer usable").
			WithContext("address", c.addr)
	}

	if c.options.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.options.Timeout))
	}

	if err := protocol.WriteFrame(c.writer, req.Marshal()); err != nil {
		return nil, c.fail(req.Op, err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, c.fail(req.Op, err)
	}

	payload, err := protocol.ReadFrame(c.reader)
	if err != nil {
		return nil, c.fail(req.Op, err)
	}
	resp, err := protocol.UnmarshalResponse(payload)
	if err != nil {
		return nil, c.fail(req.Op, err)
	}
	if resp.Kind == protocol.KindError && resp.Code == string(kvserrors.ErrCodeProtocolFailure) {
		// the server closes the connection after a protocol failure
		c.broken = responseError(resp)
	}
	return resp, nil
}

// fail marks the connection unusable: after a transport error the request
// and response streams are out of step.
func (c *Client) fail(op protocol.Op, err error) error {
	c.broken = err
	c.conn.Close()

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return kvserrors.Wrap(err, kvserrors.ErrCodeTimeout, "operation timed out").
			WithContext("operation", op.String()).
			WithRetryable(true)
	case errors.Is(err, protocol.ErrProtocol):
		return kvserrors.NewProtocolError(fmt.Sprintf("%s: invalid response", op), err)
	default:
		return kvserrors.NewConnectionError(c.addr, err)
	}
}

func valueOf(resp *protocol.Response) ([]byte, bool, error) {
	switch resp.Kind {
	case protocol.KindValue:
		if !resp.Found {
			return nil, false, nil
		}
		return resp.Value, true, nil
	case protocol.KindError:
		return nil, false, responseError(resp)
	default:
		return nil, false, unexpected(resp, protocol.KindValue)
	}
}

func ackOf(resp *protocol.Response) error {
	switch resp.Kind {
	case protocol.KindAck:
		return nil
	case protocol.KindError:
		return responseError(resp)
	default:
		return unexpected(resp, protocol.KindAck)
	}
}

// responseError turns an error response back into a coded error.
func responseError(resp *protocol.Response) *kvserrors.KVSError {
	code := kvserrors.ErrorCode(resp.Code)
	if code == "" {
		code = kvserrors.ErrCodeUnknown
	}
	err := kvserrors.New(code, resp.Message)
	if code == kvserrors.ErrCodeCompactionInProgress {
		err = err.WithRetryable(true)
	}
	return err
}

func unexpected(resp *protocol.Response, want protocol.Kind) error {
	return kvserrors.NewProtocolError(fmt.Sprintf("unexpected %s response, want %s", resp.Kind, want), nil)
}
