// Package metrics exposes Prometheus collectors for the storage engine and the
// request servers.
//
// Every metric is named {namespace}_{subsystem}_{name}_{unit}, for example
// kvs_storage_compactions_total or kvs_server_request_latency_seconds. Labels
// are kept to bounded sets (operation, transport, result code); keys never
// become labels.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kvs/pkg/logging"
)

// Config controls which collectors are registered.
type Config struct {
	// Enabled turns metrics collection on/off. When disabled every Record
	// call is a no-op and the handler serves a placeholder.
	Enabled bool `yaml:"enabled"`

	// Namespace is the prefix of every metric name.
	Namespace string `yaml:"namespace"`

	IncludeGoCollector      bool `yaml:"go_collector"`
	IncludeProcessCollector bool `yaml:"process_collector"`

	// LatencyBuckets are the histogram buckets, in seconds, used for
	// request and storage operation latencies.
	LatencyBuckets []float64 `yaml:"latency_buckets"`
}

// DefaultConfig returns the configuration used by the server binary.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "kvs",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		LatencyBuckets: []float64{
			0.00005, 0.0001, 0.00025, 0.0005,
			0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
			0.1, 0.25, 0.5, 1,
		},
	}
}

// Registry owns a private Prometheus registry and the subsystem metrics
// registered in it.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *logging.Logger
	enabled      bool

	Storage *StorageMetrics
	Server  *ServerMetrics
}

// NewRegistry creates the registry and all subsystem metrics. A private
// registry keeps tests isolated from each other and from the global default.
func NewRegistry(config Config) *Registry {
	if config.Namespace == "" {
		config.Namespace = DefaultConfig().Namespace
	}
	if len(config.LatencyBuckets) == 0 {
		config.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logging.WithComponent("metrics"),
		enabled:      config.Enabled,
	}

	if config.Enabled {
		if config.IncludeGoCollector {
			r.promRegistry.MustRegister(collectors.NewGoCollector())
		}
		if config.IncludeProcessCollector {
			r.promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
	}

	r.Storage = newStorageMetrics(r)
	r.Server = newServerMetrics(r)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		ErrorLog: logging.StdLogger(r.logger),
		Registry: r.promRegistry,
	})
}

// Enabled reports whether collection is on.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// PrometheusRegistry exposes the underlying registry, mainly for tests.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

func (r *Registry) register(c prometheus.Collector) {
	if r.enabled {
		r.promRegistry.MustRegister(c)
	}
}

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	c := prometheus.NewCounter(opts)
	r.register(c)
	return c
}

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	c := prometheus.NewCounterVec(opts, labels)
	r.register(c)
	return c
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	g := prometheus.NewGauge(opts)
	r.register(g)
	return g
}

func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.LatencyBuckets
	}
	h := prometheus.NewHistogram(opts)
	r.register(h)
	return h
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.LatencyBuckets
	}
	h := prometheus.NewHistogramVec(opts, labels)
	r.register(h)
	return h
}
