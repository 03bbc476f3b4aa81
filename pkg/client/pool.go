package client

import (
	"errors"
	"sync"
	"time"

	"kvs/pkg/logging"
)

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	MaxIdle           int           // Maximum number of idle connections kept open
	MaxIdleTime       time.Duration // Maximum time a connection can stay idle
	HealthCheckPeriod time.Duration // How often idle connections are reaped
	Options           Options       // Dial options for new connections
}

// DefaultPoolConfig returns reasonable default configuration values.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdle:           16,
		MaxIdleTime:       5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		Options:           DefaultOptions(),
	}
}

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

type pooledClient struct {
	client   *Client
	lastUsed time.Time
}

// Pool shares TCP connections to one server between goroutines. A Client
// serves one request at a time, so concurrent callers each borrow their own.
type Pool struct {
	addr   string
	config PoolConfig
	logger *logging.Logger

	mutex  sync.Mutex
	idle   []pooledClient
	open   int
	closed bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool for addr. Connections are dialed lazily.
func NewPool(addr string, config PoolConfig, logger *logging.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if config.MaxIdle <= 0 {
		config.MaxIdle = defaults.MaxIdle
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HealthCheckPeriod <= 0 {
		config.HealthCheckPeriod = defaults.HealthCheckPeriod
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	p := &Pool{
		addr:     addr,
		config:   config,
		logger:   logger.WithComponent("connection-pool").WithField("address", addr),
		stopChan: make(chan struct{}),
	}
	p.startMaintenance()
	return p
}

// Acquire returns an idle connection or dials a new one.
func (p *Pool) Acquire() (*Client, error) {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !pc.client.Broken() {
			p.mutex.Unlock()
			return pc.client, nil
		}
		p.open--
		pc.client.Close()
	}
	p.open++
	p.mutex.Unlock()

	c, err := Dial(p.addr, p.config.Options)
	if err != nil {
		p.mutex.Lock()
		p.open--
		p.mutex.Unlock()
		p.logger.WithError(err).Debug("Failed to create connection")
		return nil, err
	}
	p.logger.Debug("Created new pooled connection")
	return c, nil
}

// Release hands c back. Broken connections and connections beyond MaxIdle
// are closed.
func (p *Pool) Release(c *Client) {
	p.mutex.Lock()
	if p.closed || c.Broken() || len(p.idle) >= p.config.MaxIdle {
		p.open--
		p.mutex.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, pooledClient{client: c, lastUsed: time.Now()})
	p.mutex.Unlock()
}

// Do runs fn with a pooled connection.
func (p *Pool) Do(fn func(c *Client) error) error {
	c, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

func (p *Pool) startMaintenance() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.HealthCheckPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.cleanupIdleConnections()
			case <-p.stopChan:
				return
			}
		}
	}()
}

// cleanupIdleConnections closes connections idle for longer than
// MaxIdleTime.
func (p *Pool) cleanupIdleConnections() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	kept := p.idle[:0]
	removed := 0
	for _, pc := range p.idle {
		if now.Sub(pc.lastUsed) > p.config.MaxIdleTime || pc.client.Broken() {
			pc.client.Close()
			p.open--
			removed++
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = pooledClient{}
	}
	p.idle = kept

	if removed > 0 {
		p.logger.WithFields(map[string]interface{}{
			"removedCount": removed,
			"poolSize":     p.open,
		}).Debug("Cleanup completed")
	}
}

// Close closes all idle connections and stops maintenance. Connections
// still borrowed are closed when released.
func (p *Pool) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mutex.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	for _, pc := range idle {
		pc.client.Close()
	}
	p.logger.WithField("closedCount", len(idle)).Debug("Connection pool closed")
	return nil
}

// PoolStats describes the pool at a point in time.
type PoolStats struct {
	Open int
	Idle int
}

// Stats returns statistics about the connection pool.
func (p *Pool) Stats() PoolStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return PoolStats{Open: p.open, Idle: len(p.idle)}
}
