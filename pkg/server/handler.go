// Package server exposes a storage engine over the network: a TCP listener
// speaking the length-prefixed protocol and a gRPC service carrying the same
// messages. Both transports dispatch through Handler.
package server

import (
	"errors"
	"io/fs"
	"time"

	kvserrors "kvs/pkg/errors"
	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/protocol"
	"kvs/pkg/storage"
)

// Transport labels used in logs and metrics.
const (
	TransportTCP  = "tcp"
	TransportGRPC = "grpc"
)

// Handler executes requests against an engine.
type Handler struct {
	engine  storage.Engine
	logger  *logging.Logger
	metrics *metrics.ServerMetrics
}

// NewHandler creates a handler. logger and m may be nil.
func NewHandler(engine storage.Engine, logger *logging.Logger, m *metrics.ServerMetrics) *Handler {
	if logger == nil {
		logger = logging.WithComponent("server")
	}
	return &Handler{engine: engine, logger: logger, metrics: m}
}

// Handle runs req and builds its response. Engine failures become error
// responses; Handle itself never fails.
func (h *Handler) Handle(transport string, req *protocol.Request) *protocol.Response {
	start := time.Now()

	var resp *protocol.Response
	var err error
	switch req.Op {
	case protocol.OpGet:
		var value []byte
		var found bool
		value, found, err = h.engine.Get(req.Key)
		if err == nil {
			resp = protocol.ValueResponse(value, found)
		}
	case protocol.OpSet:
		err = h.engine.Set(req.Key, req.Value)
		if err == nil {
			resp = protocol.AckResponse()
		}
	case protocol.OpRemove:
		err = h.engine.Remove(req.Key)
		if err == nil {
			resp = protocol.AckResponse()
		}
	default:
		err = kvserrors.New(kvserrors.ErrCodeInvalidArgument, "unknown operation "+req.Op.String())
	}

	code := "OK"
	if err != nil {
		kerr := ToKVSError(err)
		code = string(kerr.Code)
		resp = protocol.ErrorResponse(code, kerr.Message)

		if kerr.Code != kvserrors.ErrCodeKeyNotFound {
			h.logger.WithError(err).WithFields(map[string]interface{}{
				"op":        req.Op.String(),
				"transport": transport,
				"code":      code,
			}).Warn("request failed")
		}
	}

	h.metrics.RecordRequest(transport, req.Op.String(), code, time.Since(start))
	return resp
}

// ToKVSError classifies an engine error into the coded taxonomy carried on
// the wire.
func ToKVSError(err error) *kvserrors.KVSError {
	var kerr *kvserrors.KVSError
	if errors.As(err, &kerr) {
		return kerr
	}

	var pathErr *fs.PathError
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return kvserrors.Wrap(err, kvserrors.ErrCodeKeyNotFound, "Key not found")
	case errors.Is(err, storage.ErrCorrupted):
		return kvserrors.Wrap(err, kvserrors.ErrCodeCorruption, err.Error())
	case errors.Is(err, storage.ErrInvalidArgument):
		return kvserrors.Wrap(err, kvserrors.ErrCodeInvalidArgument, err.Error())
	case errors.Is(err, storage.ErrStorageClosed):
		return kvserrors.Wrap(err, kvserrors.ErrCodeStorageClosed, err.Error())
	case errors.Is(err, storage.ErrCompactionInProgress):
		return kvserrors.Wrap(err, kvserrors.ErrCodeCompactionInProgress, err.Error())
	case errors.Is(err, storage.ErrWrongEngine):
		return kvserrors.Wrap(err, kvserrors.ErrCodeWrongEngine, err.Error())
	case errors.Is(err, protocol.ErrProtocol):
		return kvserrors.NewProtocolError(err.Error(), err)
	case errors.Is(err, storage.ErrShortRead), errors.Is(err, storage.ErrSegmentNotFound), errors.As(err, &pathErr):
		return kvserrors.Wrap(err, kvserrors.ErrCodeIOFailure, err.Error())
	default:
		return kvserrors.Wrap(err, kvserrors.ErrCodeInternal, err.Error())
	}
}
