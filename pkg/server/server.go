package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	kvserrors "kvs/pkg/errors"
	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/protocol"
	"kvs/pkg/storage"
)

// Config holds the TCP server settings.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:4000". Port 0 picks a
	// free port; see Server.Addr.
	Addr string

	// Workers is the number of goroutines running decoded requests against
	// the engine. Connections do not hold a worker while they are idle.
	Workers int

	// MaxConnections caps the connections served at once. Accepting pauses
	// at the cap and resumes when a connection closes.
	MaxConnections int

	// IdleTimeout closes a connection that sends no request for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// TLS enables TLS on the listener when set.
	TLS *tls.Config

	Logger  *logging.Logger
	Metrics *metrics.ServerMetrics
}

// DefaultConfig returns reasonable default configuration values.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:4000",
		Workers:        4,
		MaxConnections: 1024,
		IdleTimeout:    5 * time.Minute,
	}
}

// job is one decoded request waiting for a worker.
type job struct {
	req   *protocol.Request
	reply chan<- *protocol.Response
}

// Server accepts TCP connections and reads each one on its own goroutine.
// Decoded requests are handed to a fixed pool of workers, so the number of
// requests touching the engine at once is bounded by Workers while any
// number of connections up to MaxConnections stay open.
type Server struct {
	config  Config
	handler *Handler
	logger  *logging.Logger
	metrics *metrics.ServerMetrics

	listener net.Listener
	jobs     chan job
	slots    chan struct{}
	done     chan struct{}

	mutex  sync.Mutex
	active map[net.Conn]string

	closing atomic.Bool
	wg      sync.WaitGroup // workers
	conns   sync.WaitGroup // connection goroutines
}

// New creates a TCP server for engine. Call Listen and Serve, or
// ListenAndServe, to start it.
func New(engine storage.Engine, config Config) *Server {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.WithComponent("server")
	}

	return &Server{
		config:  config,
		handler: NewHandler(engine, logger, config.Metrics),
		logger:  logger,
		metrics: config.Metrics,
		jobs:    make(chan job, config.Workers),
		slots:   make(chan struct{}, config.MaxConnections),
		done:    make(chan struct{}),
		active:  make(map[net.Conn]string),
	}
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return kvserrors.NewConnectionError(s.config.Addr, err).WithRetryable(false)
	}
	if s.config.TLS != nil {
		listener = tls.NewListener(listener, s.config.TLS)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop until Shutdown. It returns nil after a
// shutdown and the accept error otherwise.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}

	// Shutdown waits on wg only after taking the mutex, so workers are
	// either added before that wait or never started.
	s.mutex.Lock()
	if s.closing.Load() {
		s.mutex.Unlock()
		return nil
	}
	s.wg.Add(s.config.Workers)
	s.mutex.Unlock()
	for i := 0; i < s.config.Workers; i++ {
		go s.worker()
	}

	s.logger.WithFields(map[string]interface{}{
		"addr":           s.listener.Addr().String(),
		"workers":        s.config.Workers,
		"maxConnections": s.config.MaxConnections,
		"tls":            s.config.TLS != nil,
	}).Info("server listening")

	// workers stop once no connection can submit another job
	defer func() {
		go func() {
			s.conns.Wait()
			close(s.jobs)
		}()
	}()

	var delay time.Duration
	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.done:
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.slots
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				s.logger.WithError(err).Warnf("accept failed; retrying in %v", delay)
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer func() { <-s.slots }()
			s.serveConn(conn)
		}()
	}
}

func backoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	if delay *= 2; delay > time.Second {
		delay = time.Second
	}
	return delay
}

func (s *Server) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		j.reply <- s.handler.Handle(TransportTCP, j.req)
	}
}

// track registers conn so that Shutdown can close it. It fails once
// shutdown has started.
func (s *Server) track(conn net.Conn, id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closing.Load() {
		return false
	}
	s.active[conn] = id
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mutex.Lock()
	delete(s.active, conn)
	s.mutex.Unlock()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	if !s.track(conn, id) {
		return
	}
	defer s.untrack(conn)

	logger := s.logger.WithFields(map[string]interface{}{
		"conn":   id,
		"remote": conn.RemoteAddr().String(),
	})
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	logger.Debug("connection opened")

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	reply := make(chan *protocol.Response, 1)
	for {
		if s.config.IdleTimeout > 0 {
			conn.SetDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		payload, err := protocol.ReadFrame(reader)
		if err != nil {
			s.connectionError(logger, writer, err)
			return
		}

		req, err := protocol.UnmarshalRequest(payload)
		if err != nil {
			s.connectionError(logger, writer, err)
			return
		}

		s.jobs <- job{req: req, reply: reply}
		resp := <-reply

		if err := protocol.WriteFrame(writer, resp.Marshal()); err != nil {
			s.connectionError(logger, writer, err)
			return
		}
		if err := writer.Flush(); err != nil {
			s.connectionError(logger, writer, err)
			return
		}
	}
}

// connectionError logs why a connection ends. Protocol failures get a
// best-effort error response before the connection is closed.
func (s *Server) connectionError(logger *logging.Logger, writer *bufio.Writer, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("connection closed by client")
	case s.closing.Load() || errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed by shutdown")
	case errors.Is(err, protocol.ErrProtocol):
		s.metrics.RecordProtocolError()
		logger.WithError(err).Warn("protocol failure; closing connection")
		resp := protocol.ErrorResponse(string(kvserrors.ErrCodeProtocolFailure), err.Error())
		if protocol.WriteFrame(writer, resp.Marshal()) == nil {
			writer.Flush()
		}
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("closing idle connection")
	default:
		logger.WithError(err).Warn("connection failed")
	}
}

// Shutdown stops accepting, closes every open connection and waits for the
// connections and workers to finish, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mutex.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped")
		return nil
	case <-ctx.Done():
		return kvserrors.NewTimeoutError("server shutdown")
	}
}
