// kvs-client is the command line client for kvs-server.
//
// Usage examples:
//
//	kvs-client set mykey "my value"
//	kvs-client get mykey
//	kvs-client rm mykey
//	kvs-client --transport grpc --addr 127.0.0.1:4001 get mykey
//	kvs-client bench --ops 10000 --concurrency 8
package main

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"kvs/pkg/client"
	kvserrors "kvs/pkg/errors"
	"kvs/pkg/logging"
	kvstls "kvs/pkg/tls"
)

const version = "0.1.0"

const (
	transportTCP  = "tcp"
	transportGRPC = "grpc"
)

// options are the flags shared by every command.
type options struct {
	addr      string
	transport string
	timeout   time.Duration
	caFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorText(err))
		os.Exit(1)
	}
}

// errorText prints a missing key the way users expect and other failures
// with their code.
func errorText(err error) string {
	if kvserrors.IsCode(err, kvserrors.ErrCodeKeyNotFound) {
		return "Key not found"
	}
	return "Error: " + err.Error()
}

func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "kvs-client",
		Short:         "Command line client for kvs-server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&o.addr, "addr", "a", "127.0.0.1:4000", "Server address (IP:PORT)")
	pf.StringVarP(&o.transport, "transport", "t", transportTCP, "Transport: tcp or grpc")
	pf.DurationVar(&o.timeout, "timeout", 5*time.Second, "Dial and request timeout")
	pf.StringVar(&o.caFile, "tls-ca", "", "CA certificate; enables TLS")

	cmd.AddCommand(newGetCmd(o), newSetCmd(o), newRmCmd(o), newBenchCmd(o))
	return cmd
}

func (o *options) clientOptions() (client.Options, error) {
	opts := client.Options{Timeout: o.timeout}
	if o.caFile != "" {
		tlsConfig, err := kvstls.ClientConfig(&kvstls.Config{Enabled: true, CAFile: o.caFile})
		if err != nil {
			return opts, err
		}
		opts.TLS = tlsConfig
	}
	return opts, nil
}

func (o *options) connect() (client.KV, error) {
	opts, err := o.clientOptions()
	if err != nil {
		return nil, err
	}
	switch o.transport {
	case transportTCP:
		return client.Dial(o.addr, opts)
	case transportGRPC:
		return client.DialGRPC(o.addr, opts)
	default:
		return nil, kvserrors.New(kvserrors.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown transport %q (want tcp or grpc)", o.transport))
	}
}

func newGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.connect()
			if err != nil {
				return err
			}
			defer c.Close()

			value, found, err := c.Get(args[0])
			if err != nil {
				return err
			}
			if !found {
				// a missing key is not a failure for get
				fmt.Fprintln(cmd.OutOrStdout(), "Key not found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		},
	}
}

func newSetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Set(args[0], []byte(args[1]))
		},
	}
}

func newRmCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Remove(args[0])
		},
	}
}

// benchResult summarizes a bench run.
type benchResult struct {
	Ops       int
	Errors    int64
	Elapsed   time.Duration
	Latencies []time.Duration
}

func (r benchResult) percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	i := int(float64(len(r.Latencies)-1) * p)
	return r.Latencies[i]
}

func newBenchCmd(o *options) *cobra.Command {
	var (
		ops         int
		concurrency int
		valueSize   int
		readRatio   float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a set/get load against the server over pooled TCP connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.transport != transportTCP {
				return kvserrors.New(kvserrors.ErrCodeInvalidArgument, "bench uses the tcp transport")
			}
			if ops <= 0 || concurrency <= 0 || valueSize < 0 || readRatio < 0 || readRatio > 1 {
				return kvserrors.New(kvserrors.ErrCodeInvalidArgument, "bench needs ops > 0, concurrency > 0 and read-ratio in [0, 1]")
			}
			opts, err := o.clientOptions()
			if err != nil {
				return err
			}

			config := client.DefaultPoolConfig()
			config.MaxIdle = concurrency
			config.Options = opts
			pool := client.NewPool(o.addr, config, logging.Nop())
			defer pool.Close()

			result := runBench(pool, ops, concurrency, valueSize, readRatio)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ops: %d errors: %d elapsed: %s\n", result.Ops, result.Errors, result.Elapsed.Round(time.Millisecond))
			if result.Elapsed > 0 {
				fmt.Fprintf(out, "throughput: %.0f ops/s\n", float64(result.Ops)/result.Elapsed.Seconds())
			}
			fmt.Fprintf(out, "latency p50: %s p99: %s\n", result.percentile(0.50), result.percentile(0.99))
			if result.Errors > 0 {
				return fmt.Errorf("%d of %d operations failed", result.Errors, result.Ops)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&ops, "ops", 10000, "Total number of operations")
	fs.IntVar(&concurrency, "concurrency", 4, "Concurrent connections")
	fs.IntVar(&valueSize, "value-size", 100, "Value size in bytes")
	fs.Float64Var(&readRatio, "read-ratio", 0.5, "Fraction of operations that are gets")
	return cmd
}

// runBench spreads ops over concurrency goroutines. Key i is written before
// it is read, so gets only target keys of the same goroutine's earlier sets.
func runBench(pool *client.Pool, ops, concurrency, valueSize int, readRatio float64) benchResult {
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	var (
		errCount  atomic.Int64
		mutex     sync.Mutex
		latencies = make([]time.Duration, 0, ops)
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]time.Duration, 0, ops/concurrency+1)
			written := 0
			for i := w; i < ops; i += concurrency {
				read := written > 0 && float64(i%100)/100 < readRatio
				opStart := time.Now()
				err := pool.Do(func(c *client.Client) error {
					if read {
						_, _, err := c.Get(fmt.Sprintf("bench-%d-%d", w, i%written))
						return err
					}
					written++
					return c.Set(fmt.Sprintf("bench-%d-%d", w, written-1), value)
				})
				local = append(local, time.Since(opStart))
				if err != nil {
					errCount.Add(1)
				}
			}
			mutex.Lock()
			latencies = append(latencies, local...)
			mutex.Unlock()
		}(w)
	}
	wg.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return benchResult{
		Ops:       ops,
		Errors:    errCount.Load(),
		Elapsed:   time.Since(start),
		Latencies: latencies,
	}
}
