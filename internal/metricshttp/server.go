// Package metricshttp exposes a Prometheus scrape endpoint over the
// server's live operation counters. It is entirely optional: the
// event loop runs the same with or without it wired up.
package metricshttp

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is a point-in-time copy of the counters this package
// exports. It is a plain struct, read through the Source interface, so
// metricshttp never imports the root package (which imports
// metricshttp for Snapshot and Source).
type Snapshot struct {
	GetHits             uint64
	GetMisses           uint64
	Sets                uint64
	Dels                uint64
	UnknownCmds         uint64
	ProtoErrs           uint64
	ConnsOpen           uint64
	ConnsTotal          uint64
	MigrationNodesMoved uint64
}

// Source supplies a current Snapshot on demand. *Metrics (the
// top-level package) implements this.
type Source interface {
	Snapshot() Snapshot
}

// collector adapts a Source to prometheus.Collector, following the
// same "describe the metric shapes once, recompute values on every
// scrape" structure as a typical custom Prometheus collector: Collect
// is called synchronously per scrape, so it always reports the
// server's current counters rather than a stale periodic copy.
type collector struct {
	source Source

	getHits     *prometheus.Desc
	getMisses   *prometheus.Desc
	sets        *prometheus.Desc
	dels        *prometheus.Desc
	unknownCmds *prometheus.Desc
	protoErrs   *prometheus.Desc
	connsOpen   *prometheus.Desc
	connsTotal  *prometheus.Desc
	migration   *prometheus.Desc
}

func newCollector(source Source) *collector {
	ns := "tinykv"
	return &collector{
		source:      source,
		getHits:     prometheus.NewDesc(ns+"_get_hits_total", "Number of get commands that found a key.", nil, nil),
		getMisses:   prometheus.NewDesc(ns+"_get_misses_total", "Number of get commands that found nothing.", nil, nil),
		sets:        prometheus.NewDesc(ns+"_sets_total", "Number of set commands processed.", nil, nil),
		dels:        prometheus.NewDesc(ns+"_dels_total", "Number of del commands processed.", nil, nil),
		unknownCmds: prometheus.NewDesc(ns+"_unknown_commands_total", "Number of requests naming an unrecognised verb.", nil, nil),
		protoErrs:   prometheus.NewDesc(ns+"_protocol_errors_total", "Number of connections closed for a framing violation.", nil, nil),
		connsOpen:   prometheus.NewDesc(ns+"_connections_open", "Number of currently open client connections.", nil, nil),
		connsTotal:  prometheus.NewDesc(ns+"_connections_total", "Number of client connections accepted since start.", nil, nil),
		migration:   prometheus.NewDesc(ns+"_migration_nodes_moved_total", "Number of chain nodes migrated from the secondary to the primary table.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.getHits
	ch <- c.getMisses
	ch <- c.sets
	ch <- c.dels
	ch <- c.unknownCmds
	ch <- c.protoErrs
	ch <- c.connsOpen
	ch <- c.connsTotal
	ch <- c.migration
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.getHits, prometheus.CounterValue, float64(s.GetHits))
	ch <- prometheus.MustNewConstMetric(c.getMisses, prometheus.CounterValue, float64(s.GetMisses))
	ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(s.Sets))
	ch <- prometheus.MustNewConstMetric(c.dels, prometheus.CounterValue, float64(s.Dels))
	ch <- prometheus.MustNewConstMetric(c.unknownCmds, prometheus.CounterValue, float64(s.UnknownCmds))
	ch <- prometheus.MustNewConstMetric(c.protoErrs, prometheus.CounterValue, float64(s.ProtoErrs))
	ch <- prometheus.MustNewConstMetric(c.connsOpen, prometheus.GaugeValue, float64(s.ConnsOpen))
	ch <- prometheus.MustNewConstMetric(c.connsTotal, prometheus.CounterValue, float64(s.ConnsTotal))
	ch <- prometheus.MustNewConstMetric(c.migration, prometheus.CounterValue, float64(s.MigrationNodesMoved))
}

// Server wraps an http.Server exposing /metrics over a Source. It is
// started and stopped independently of the event loop's Run/Stop, on
// its own goroutine, so a scrape failure never touches the KV hot
// path.
type Server struct {
	httpSrv *http.Server
}

// New builds a Server bound to addr (e.g. ":9090") that will serve
// Prometheus text exposition for source at /metrics once Start is
// called. registry defaults to a private prometheus.Registry if nil,
// so registering a Server never collides with any global
// prometheus.DefaultRegisterer state in the same process.
func New(addr string, source Source, registry *prometheus.Registry) (*Server, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if err := registry.Register(newCollector(source)); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		httpSrv: &http.Server{Addr: addr, Handler: mux},
	}, nil
}

// Start runs the HTTP server in the background. It returns immediately;
// listen errors other than the expected shutdown error are sent to
// errCh if non-nil.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if errCh != nil {
				errCh <- err
			}
		}
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
