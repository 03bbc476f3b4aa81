package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))
	assert.Equal(t, HeaderSize+5+HeaderSize, buf.Len())

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, payload)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF, "clean end of stream between frames")
}

func TestFrame_Truncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, ErrProtocol)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	_, err = ReadFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-1]))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestFrame_TooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, ErrProtocol)

	err = WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRequest_RoundTrip(t *testing.T) {
	tests := []*Request{
		{Op: OpGet, Key: "key"},
		{Op: OpSet, Key: "key", Value: []byte("value")},
		{Op: OpSet, Key: "empty", Value: []byte{}},
		{Op: OpRemove, Key: "key"},
		{Op: OpGet, Key: "\x00binary\xff"},
	}

	for _, want := range tests {
		t.Run(want.Op.String(), func(t *testing.T) {
			got, err := UnmarshalRequest(want.Marshal())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestResponse_RoundTrip(t *testing.T) {
	tests := []*Response{
		ValueResponse([]byte("value"), true),
		ValueResponse(nil, false),
		ValueResponse([]byte{}, true),
		AckResponse(),
		ErrorResponse("KEY_NOT_FOUND", "Key not found"),
	}

	for _, want := range tests {
		t.Run(want.Kind.String(), func(t *testing.T) {
			got, err := UnmarshalResponse(want.Marshal())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	b := (&Request{Op: OpSet, Key: "k", Value: []byte("v")}).Marshal()
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "from a newer client")
	b = protowire.AppendTag(b, 10, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)

	req, err := UnmarshalRequest(b)
	require.NoError(t, err)
	assert.Equal(t, &Request{Op: OpSet, Key: "k", Value: []byte("v")}, req)

	b = AckResponse().Marshal()
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	resp, err := UnmarshalResponse(b)
	require.NoError(t, err)
	assert.Equal(t, KindAck, resp.Kind)
}

func TestUnmarshal_Malformed(t *testing.T) {
	unknownOp := protowire.AppendTag(nil, fieldReqOp, protowire.VarintType)
	unknownOp = protowire.AppendVarint(unknownOp, 99)

	truncated := (&Request{Op: OpGet, Key: "some key"}).Marshal()
	truncated = truncated[:len(truncated)-2]

	tests := []struct {
		name string
		data []byte
	}{
		{"missing op", protowire.AppendString(protowire.AppendTag(nil, fieldReqKey, protowire.BytesType), "k")},
		{"unknown op", unknownOp},
		{"truncated", truncated},
		{"garbage", []byte{0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalRequest(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}

	_, err := UnmarshalResponse(nil)
	assert.ErrorIs(t, err, ErrMalformed, "a response needs a kind")
}

func TestCodec(t *testing.T) {
	var codec Codec
	assert.Equal(t, CodecName, codec.Name())
	assert.NotNil(t, encoding.GetCodec(CodecName), "registered on import")

	data, err := codec.Marshal(&Request{Op: OpRemove, Key: "k"})
	require.NoError(t, err)
	var req Request
	require.NoError(t, codec.Unmarshal(data, &req))
	assert.Equal(t, Request{Op: OpRemove, Key: "k"}, req)

	data, err = codec.Marshal(ValueResponse([]byte("v"), true))
	require.NoError(t, err)
	var resp Response
	require.NoError(t, codec.Unmarshal(data, &resp))
	assert.Equal(t, []byte("v"), resp.Value)

	_, err = codec.Marshal("not a message")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, codec.Unmarshal(data, new(string)), ErrMalformed)
}

func TestFullMethod(t *testing.T) {
	assert.Equal(t, "/kvs.KV/Get", FullMethod(MethodFor(OpGet)))
	assert.Equal(t, "/kvs.KV/Set", FullMethod(MethodFor(OpSet)))
	assert.Equal(t, "/kvs.KV/Remove", FullMethod(MethodFor(OpRemove)))
}
