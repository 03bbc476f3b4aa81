package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	kvserrors "kvs/pkg/errors"
	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/protocol"
	"kvs/pkg/storage"
)

// GRPCConfig holds the gRPC server settings.
type GRPCConfig struct {
	Addr string

	// Credentials enables TLS when set.
	Credentials credentials.TransportCredentials

	Logger  *logging.Logger
	Metrics *metrics.ServerMetrics
}

// kvService is the handler type of the kvs.KV service.
type kvService interface {
	call(ctx context.Context, op protocol.Op, req *protocol.Request) (*protocol.Response, error)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.ServiceName,
	HandlerType: (*kvService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: protocol.MethodGet, Handler: unaryHandler(protocol.OpGet)},
		{MethodName: protocol.MethodSet, Handler: unaryHandler(protocol.OpSet)},
		{MethodName: protocol.MethodRemove, Handler: unaryHandler(protocol.OpRemove)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvs.proto",
}

func unaryHandler(op protocol.Op) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(protocol.Request)
		if err := dec(req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if interceptor == nil {
			return srv.(kvService).call(ctx, op, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: protocol.FullMethod(protocol.MethodFor(op)),
		}
		return interceptor(ctx, req, info, func(ctx context.Context, r interface{}) (interface{}, error) {
			return srv.(kvService).call(ctx, op, r.(*protocol.Request))
		})
	}
}

// GRPCServer serves the kvs.KV service. Requests and responses use
// protocol.Codec; application errors travel inside the Response exactly as
// on the TCP transport, and gRPC status errors are reserved for transport
// problems.
type GRPCServer struct {
	config   GRPCConfig
	server   *grpc.Server
	handler  *Handler
	health   *health.Server
	logger   *logging.Logger
	listener net.Listener
}

// NewGRPC creates a gRPC server for engine.
func NewGRPC(engine storage.Engine, config GRPCConfig) *GRPCServer {
	logger := config.Logger
	if logger == nil {
		logger = logging.WithComponent("grpc")
	}

	s := &GRPCServer{
		config:  config,
		handler: NewHandler(engine, logger, config.Metrics),
		health:  health.NewServer(),
		logger:  logger,
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(protocol.MaxFrameSize),
		grpc.MaxSendMsgSize(protocol.MaxFrameSize),
		grpc.ChainUnaryInterceptor(s.logRequests),
	}
	if config.Credentials != nil {
		opts = append(opts, grpc.Creds(config.Credentials))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&kvServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.health.SetServingStatus(protocol.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *GRPCServer) call(ctx context.Context, op protocol.Op, req *protocol.Request) (*protocol.Response, error) {
	if req.Op != op {
		return nil, status.Errorf(codes.InvalidArgument, "%s request sent to %s", req.Op, protocol.MethodFor(op))
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return s.handler.Handle(TransportGRPC, req), nil
}

func (s *GRPCServer) logRequests(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	if s.logger.Enabled(logging.DEBUG) {
		fields := map[string]interface{}{
			"method":  info.FullMethod,
			"latency": time.Since(start).String(),
		}
		if p, ok := peer.FromContext(ctx); ok {
			fields["remote"] = p.Addr.String()
		}
		if err != nil {
			fields["code"] = status.Code(err).String()
		}
		s.logger.WithFields(fields).Debug("rpc handled")
	}
	return resp, err
}

// Listen binds the listen address.
func (s *GRPCServer) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return kvserrors.NewConnectionError(s.config.Addr, err).WithRetryable(false)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *GRPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve serves until Shutdown.
func (s *GRPCServer) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("gRPC server is not listening")
	}
	s.logger.WithFields(map[string]interface{}{
		"addr": s.listener.Addr().String(),
		"tls":  s.config.Credentials != nil,
	}).Info("gRPC server listening")

	if err := s.server.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Shutdown marks the service as not serving and stops gracefully, falling
// back to a hard stop when ctx expires.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	if s.listener != nil {
		// grpc only closes listeners passed to Serve
		defer s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped")
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return kvserrors.NewTimeoutError("gRPC shutdown")
	}
}
