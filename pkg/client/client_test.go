package client_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"kvs/pkg/client"
	kvserrors "kvs/pkg/errors"
	"kvs/pkg/logging"
	"kvs/pkg/protocol"
	"kvs/pkg/server"
	"kvs/pkg/storage"
	kvstls "kvs/pkg/tls"
)

type fixture struct {
	engine   storage.Backend
	dir      string
	tcpAddr  string
	grpcAddr string
}

func newEngine(t *testing.T, dir string) storage.Backend {
	t.Helper()
	config := storage.DefaultConfig()
	config.BackgroundCompaction = false
	config.Logger = logging.Nop()
	engine, err := storage.OpenEngine(storage.KindKvs, dir, config)
	require.NoError(t, err)
	return engine
}

// startServers runs both transports over one engine.
func startServers(t *testing.T, tlsConfig *kvstls.Config) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}
	f.engine = newEngine(t, f.dir)

	tcpConfig := server.Config{Addr: "127.0.0.1:0", Workers: 4, Logger: logging.Nop()}
	grpcConfig := server.GRPCConfig{Addr: "127.0.0.1:0", Logger: logging.Nop()}
	if tlsConfig != nil {
		serverTLS, err := kvstls.ServerConfig(tlsConfig)
		require.NoError(t, err)
		tcpConfig.TLS = serverTLS
		creds, err := kvstls.LoadServerCredentials(tlsConfig)
		require.NoError(t, err)
		grpcConfig.Credentials = creds
	}

	tcp := server.New(f.engine, tcpConfig)
	require.NoError(t, tcp.Listen())
	go tcp.Serve()

	grpcServer := server.NewGRPC(f.engine, grpcConfig)
	require.NoError(t, grpcServer.Listen())
	go grpcServer.Serve()

	f.tcpAddr = tcp.Addr().String()
	f.grpcAddr = grpcServer.Addr().String()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tcp.Shutdown(ctx)
		grpcServer.Shutdown(ctx)
		f.engine.Close()
	})
	return f
}

func dialers(t *testing.T, f *fixture, options client.Options) map[string]func() (client.KV, error) {
	return map[string]func() (client.KV, error){
		"tcp": func() (client.KV, error) {
			c, err := client.Dial(f.tcpAddr, options)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		"grpc": func() (client.KV, error) {
			c, err := client.DialGRPC(f.grpcAddr, options)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

func TestClient_Operations(t *testing.T) {
	f := startServers(t, nil)

	for transport, dial := range dialers(t, f, client.DefaultOptions()) {
		t.Run(transport, func(t *testing.T) {
			c, err := dial()
			require.NoError(t, err)
			defer c.Close()

			key := transport + "-key"
			value, found, err := c.Get(key)
			require.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, value)

			require.NoError(t, c.Set(key, []byte("value1")))
			value, found, err = c.Get(key)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "value1", string(value))

			require.NoError(t, c.Set(key, []byte{}))
			value, found, err = c.Get(key)
			require.NoError(t, err)
			assert.True(t, found, "empty values are values")
			assert.Empty(t, value)

			require.NoError(t, c.Remove(key))
			err = c.Remove(key)
			assert.True(t, kvserrors.IsCode(err, kvserrors.ErrCodeKeyNotFound))
			assert.Contains(t, err.Error(), "Key not found")

			err = c.Set("", []byte("v"))
			assert.True(t, kvserrors.IsCode(err, kvserrors.ErrCodeInvalidArgument))

			// the connection survives application errors
			require.NoError(t, c.Set(key, []byte("again")))
		})
	}
}

func TestClient_TransportsShareTheEngine(t *testing.T) {
	f := startServers(t, nil)

	tcp, err := client.Dial(f.tcpAddr, client.DefaultOptions())
	require.NoError(t, err)
	defer tcp.Close()
	grpcClient, err := client.DialGRPC(f.grpcAddr, client.DefaultOptions())
	require.NoError(t, err)
	defer grpcClient.Close()

	require.NoError(t, tcp.Set("shared", []byte("from tcp")))
	value, found, err := grpcClient.Get("shared")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from tcp", string(value))

	require.NoError(t, grpcClient.Remove("shared"))
	_, found, err = tcp.Get("shared")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_DataSurvivesServerRestart(t *testing.T) {
	dir := t.TempDir()

	run := func(fn func(c *client.Client)) {
		engine := newEngine(t, dir)
		srv := server.New(engine, server.Config{Addr: "127.0.0.1:0", Workers: 2, Logger: logging.Nop()})
		require.NoError(t, srv.Listen())
		go srv.Serve()

		c, err := client.Dial(srv.Addr().String(), client.DefaultOptions())
		require.NoError(t, err)
		fn(c)
		c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, engine.Close())
	}

	run(func(c *client.Client) {
		require.NoError(t, c.Set("a", []byte("1")))
		require.NoError(t, c.Set("b", []byte("2")))
		require.NoError(t, c.Remove("a"))
	})
	run(func(c *client.Client) {
		_, found, err := c.Get("a")
		require.NoError(t, err)
		assert.False(t, found)
		value, found, err := c.Get("b")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "2", string(value))
	})
}

func TestClient_LargeValue(t *testing.T) {
	f := startServers(t, nil)
	value := []byte(strings.Repeat("x", 1024*1024))

	for transport, dial := range dialers(t, f, client.DefaultOptions()) {
		t.Run(transport, func(t *testing.T) {
			c, err := dial()
			require.NoError(t, err)
			defer c.Close()

			require.NoError(t, c.Set("big", value))
			got, found, err := c.Get("big")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, len(value), len(got))
		})
	}
}

func TestClient_TLS(t *testing.T) {
	tlsConfig, err := kvstls.WriteSelfSigned(t.TempDir(), "127.0.0.1")
	require.NoError(t, err)
	f := startServers(t, tlsConfig)

	clientTLS, err := kvstls.ClientConfig(&kvstls.Config{Enabled: true, CAFile: tlsConfig.CAFile})
	require.NoError(t, err)
	options := client.DefaultOptions()
	options.TLS = clientTLS

	for transport, dial := range dialers(t, f, options) {
		t.Run(transport, func(t *testing.T) {
			c, err := dial()
			require.NoError(t, err)
			defer c.Close()

			require.NoError(t, c.Set("secure", []byte("yes")))
			value, _, err := c.Get("secure")
			require.NoError(t, err)
			assert.Equal(t, "yes", string(value))
		})
	}
}

func TestDial_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	options := client.Options{Timeout: 500 * time.Millisecond}
	_, err = client.Dial(addr, options)
	assert.True(t, kvserrors.IsCode(err, kvserrors.ErrCodeConnectionFailed))
	assert.True(t, kvserrors.IsRetryableError(err))

	_, err = client.DialGRPC(addr, options)
	assert.True(t, kvserrors.IsCode(err, kvserrors.ErrCodeConnectionFailed))
}

func TestClient_Timeout(t *testing.T) {
	// a server that accepts and never answers
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c, err := client.Dial(listener.Addr().String(), client.Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Get("k")
	assert.True(t, kvserrors.IsCode(err, kvserrors.ErrCodeTimeout))
	assert.True(t, kvserrors.IsRetryableError(err))
	assert.True(t, c.Broken())

	_, _, err = c.Get("k")
	assert.True(t, kvserrors.IsCode(err, kvserrors.ErrCodeConnectionFailed), "a timed out connection is not reused")
}

func TestClient_ServerShutdownBreaksConnection(t *testing.T) {
	engine := newEngine(t, t.TempDir())
	defer engine.Close()
	srv := server.New(engine, server.Config{Addr: "127.0.0.1:0", Workers: 1, Logger: logging.Nop()})
	require.NoError(t, srv.Listen())
	go srv.Serve()

	c, err := client.Dial(srv.Addr().String(), client.DefaultOptions())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Set("k", []byte("v")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, _, err = c.Get("k")
	assert.Error(t, err)
	assert.True(t, c.Broken())
}

func TestGRPCClient_Health(t *testing.T) {
	f := startServers(t, nil)
	c, err := client.DialGRPC(f.grpcAddr, client.DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	resp, err := healthpb.NewHealthClient(c.Conn()).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: protocol.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCClient_MethodMismatch(t *testing.T) {
	f := startServers(t, nil)
	c, err := client.DialGRPC(f.grpcAddr, client.DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	// a Get request sent to the Set method is rejected by the server
	resp := new(protocol.Response)
	err = c.Conn().Invoke(context.Background(), protocol.FullMethod(protocol.MethodSet),
		&protocol.Request{Op: protocol.OpGet, Key: "k"}, resp)
	assert.Error(t, err)
}

func TestPool(t *testing.T) {
	f := startServers(t, nil)
	pool := client.NewPool(f.tcpAddr, client.PoolConfig{MaxIdle: 2}, logging.Nop())
	defer pool.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("pool-%d-%d", w, i)
				err := pool.Do(func(c *client.Client) error { return c.Set(key, []byte(key)) })
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stats := pool.Stats()
	assert.LessOrEqual(t, stats.Idle, 2)
	assert.Equal(t, stats.Idle, stats.Open, "nothing is borrowed")

	err := pool.Do(func(c *client.Client) error {
		value, found, err := c.Get("pool-3-24")
		assert.True(t, found)
		assert.Equal(t, "pool-3-24", string(value))
		return err
	})
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, client.PoolStats{}, pool.Stats())
	_, err = pool.Acquire()
	assert.ErrorIs(t, err, client.ErrPoolClosed)
}

func TestPool_DropsBrokenConnections(t *testing.T) {
	f := startServers(t, nil)
	pool := client.NewPool(f.tcpAddr, client.DefaultPoolConfig(), logging.Nop())
	defer pool.Close()

	c, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	pool.Release(c)
	assert.Equal(t, client.PoolStats{}, pool.Stats())

	require.NoError(t, pool.Do(func(c *client.Client) error { return c.Set("k", []byte("v")) }))
	assert.Equal(t, client.PoolStats{Open: 1, Idle: 1}, pool.Stats())
}
