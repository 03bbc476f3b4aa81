// Package protocol defines the kvs wire protocol: length-prefixed frames
// carrying protobuf-encoded requests and responses.
//
// Frame layout:
//
//	+----------------------+-----------------+
//	| length (4, big end.) | payload (length)|
//	+----------------------+-----------------+
//
// The same Request/Response messages are carried by the gRPC transport
// through Codec.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the frame length prefix.
	HeaderSize = 4

	// MaxFrameSize bounds a frame payload. It leaves room for the largest
	// value the storage engine accepts plus the message envelope.
	MaxFrameSize = 80 * 1024 * 1024
)

var (
	// ErrProtocol is the root of every wire-level failure. A connection
	// that produced one is closed.
	ErrProtocol = errors.New("protocol failure")

	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)

	// ErrMalformed is returned for payloads that do not decode.
	ErrMalformed = fmt.Errorf("%w: malformed message", ErrProtocol)
)

// WriteFrame writes payload with its length prefix in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. It returns io.EOF only when the stream ends
// cleanly between frames; a stream that ends inside a frame is a protocol
// failure.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrProtocol)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame payload (want %d bytes)", ErrProtocol, size)
		}
		return nil, err
	}
	return payload, nil
}
