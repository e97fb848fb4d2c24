package tinykv

import (
	"sync/atomic"
	"time"

	"github.com/tinykv/tinykv/internal/hashmap"
	"github.com/tinykv/tinykv/internal/interfaces"
	"github.com/tinykv/tinykv/internal/metricshttp"
)

// Compile-time checks that Metrics satisfies every role it is wired
// into: the dispatcher/event-loop Observer, the HashMap's migration
// callback, and metricshttp's scrape source.
var (
	_ interfaces.Observer        = (*Metrics)(nil)
	_ hashmap.MigrationObserver  = (*Metrics)(nil)
	_ metricshttp.Source         = (*Metrics)(nil)
)

// latencyBuckets defines the latency histogram buckets in nanoseconds,
// log-spaced from 1us to 10s. Bucket i is the count of operations with
// latency <= bucket[i], cumulative the way a Prometheus histogram
// bucket is.
var latencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks every counter the server exposes: per-command
// results, connection lifecycle, protocol health, and migration
// progress. A single Metrics instance is shared across the event
// loop, the dispatcher, and the HashMap; every ObserveX method is
// safe to call from the single event-loop goroutine and to read
// concurrently from a metrics HTTP handler goroutine, since every
// field is an atomic.
type Metrics struct {
	GetHits     atomic.Uint64
	GetMisses   atomic.Uint64
	Sets        atomic.Uint64
	Dels        atomic.Uint64
	UnknownCmds atomic.Uint64
	ProtoErrs   atomic.Uint64

	ConnsOpen  atomic.Uint64
	ConnsTotal atomic.Uint64

	MigrationSteps      atomic.Uint64 // number of migrateStep calls that moved at least one node
	MigrationNodesMoved atomic.Uint64 // cumulative chain nodes moved from secondary to primary

	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64

	startTime atomic.Int64 // UnixNano
}

// NewMetrics returns a ready-to-use Metrics with its start time stamped.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// ObserveGet is called once per get command with whether the key was
// found and how long the lookup took.
func (m *Metrics) ObserveGet(hit bool, latencyNs uint64) {
	if hit {
		m.GetHits.Add(1)
	} else {
		m.GetMisses.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveSet is called once per set command, insert or replace alike.
func (m *Metrics) ObserveSet(latencyNs uint64) {
	m.Sets.Add(1)
	m.recordLatency(latencyNs)
}

// ObserveDel is called once per del command, whether or not the key
// was present.
func (m *Metrics) ObserveDel(latencyNs uint64) {
	m.Dels.Add(1)
	m.recordLatency(latencyNs)
}

// ObserveUnknownCommand is called for a request naming an unrecognised
// verb — a command-level error; the connection stays open.
func (m *Metrics) ObserveUnknownCommand() {
	m.UnknownCmds.Add(1)
}

// ObserveProtocolError is called when a connection is closed for a
// framing violation: oversized frame, malformed argument vector, or
// trailing bytes.
func (m *Metrics) ObserveProtocolError() {
	m.ProtoErrs.Add(1)
}

// ObserveConnectionOpened is called once per accepted connection.
func (m *Metrics) ObserveConnectionOpened() {
	m.ConnsOpen.Add(1)
	m.ConnsTotal.Add(1)
}

// ObserveConnectionClosed is called once per torn-down connection.
func (m *Metrics) ObserveConnectionClosed() {
	m.ConnsOpen.Add(^uint64(0)) // atomic decrement
}

// ObserveMigrationStep is called by hashmap.HashMap after a migration
// step that moved at least one chain node.
func (m *Metrics) ObserveMigrationStep(nodesMoved int) {
	m.MigrationSteps.Add(1)
	m.MigrationNodesMoved.Add(uint64(nodesMoved))
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.totalLatencyNs.Add(latencyNs)
	m.opCount.Add(1)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.latencyBuckets[i].Add(1)
		}
	}
}

// AvgLatencyNs returns the mean latency across every observed get,
// set, and del, or zero if none have been observed yet.
func (m *Metrics) AvgLatencyNs() uint64 {
	n := m.opCount.Load()
	if n == 0 {
		return 0
	}
	return m.totalLatencyNs.Load() / n
}

// PercentileLatencyNs estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation across the histogram buckets.
func (m *Metrics) PercentileLatencyNs(percentile float64) uint64 {
	total := m.opCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	var prevBucket, prevCount uint64
	for i, bucket := range latencyBuckets {
		count := m.latencyBuckets[i].Load()
		if count >= target {
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket, prevCount = bucket, count
	}
	return latencyBuckets[numLatencyBuckets-1]
}

// UptimeNs returns nanoseconds since NewMetrics was called.
func (m *Metrics) UptimeNs() uint64 {
	return uint64(time.Now().UnixNano() - m.startTime.Load())
}

// Snapshot returns a point-in-time copy of the counters metricshttp
// exports as Prometheus metrics. It satisfies metricshttp.Source.
func (m *Metrics) Snapshot() metricshttp.Snapshot {
	return metricshttp.Snapshot{
		GetHits:             m.GetHits.Load(),
		GetMisses:           m.GetMisses.Load(),
		Sets:                m.Sets.Load(),
		Dels:                m.Dels.Load(),
		UnknownCmds:         m.UnknownCmds.Load(),
		ProtoErrs:           m.ProtoErrs.Load(),
		ConnsOpen:           m.ConnsOpen.Load(),
		ConnsTotal:          m.ConnsTotal.Load(),
		MigrationNodesMoved: m.MigrationNodesMoved.Load(),
	}
}
