// Package metrics wires the reputation-list client's counters and gauges
// into a Prometheus registry.
//
// Grounded on AdGuardDNS's internal/metrics/hashprefix.go: a struct of
// collectors built by a constructor that registers each one against a
// caller-supplied *prometheus.Registry, aggregating registration failures
// with errors.Join instead of panicking on the first one.
package metrics

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sblist"

// Update holds the update-engine metrics for all configured lists; the
// per-list collectors carry the list as a label.
type Update struct {
	RequestsTotal   *prometheus.CounterVec
	ChunksApplied   *prometheus.CounterVec
	BackoffSeconds  prometheus.Gauge
	LastSuccessTime *prometheus.GaugeVec
}

// Lookup holds the lookup-engine metrics.
type Lookup struct {
	RequestsTotal     *prometheus.CounterVec
	FullHashRequests  prometheus.Counter
	FullHashCacheHits prometheus.Counter
	MatchesTotal      *prometheus.CounterVec
}

// NewUpdate registers and returns the update-engine metrics under reg.
func NewUpdate(reg prometheus.Registerer) (u *Update, err error) {
	u = &Update{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "requests_total",
			Help:      "Number of update requests performed, by list and result.",
		}, []string{"list", "result"}),
		ChunksApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "chunks_applied_total",
			Help:      "Number of add/sub chunks applied, by list and kind.",
		}, []string{"list", "kind"}),
		BackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "backoff_seconds",
			Help:      "Seconds until the next update attempt is permitted.",
		}),
		LastSuccessTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful update, by list.",
		}, []string{"list"}),
	}

	err = errors.Join(
		labeledRegErr("requests_total", reg.Register(u.RequestsTotal)),
		labeledRegErr("chunks_applied_total", reg.Register(u.ChunksApplied)),
		labeledRegErr("backoff_seconds", reg.Register(u.BackoffSeconds)),
		labeledRegErr("last_success_timestamp_seconds", reg.Register(u.LastSuccessTime)),
	)
	if err != nil {
		return nil, fmt.Errorf("registering update metrics: %w", err)
	}

	return u, nil
}

// ObserveRequest implements the sbupdate.MetricsSink interface for
// *Update.
func (u *Update) ObserveRequest(list sbstore.ListID, result string) {
	u.RequestsTotal.WithLabelValues(string(list), result).Inc()
	if result == "applied" || result == "no_data" {
		u.LastSuccessTime.WithLabelValues(string(list)).Set(float64(time.Now().Unix()))
	}
}

// ObserveChunkApplied implements the sbupdate.MetricsSink interface for
// *Update.
func (u *Update) ObserveChunkApplied(list sbstore.ListID, kind string) {
	u.ChunksApplied.WithLabelValues(string(list), kind).Inc()
}

// SetBackoffSeconds implements the sbupdate.MetricsSink interface for
// *Update.
func (u *Update) SetBackoffSeconds(seconds float64) {
	u.BackoffSeconds.Set(seconds)
}

// NewLookup registers and returns the lookup-engine metrics under reg.
func NewLookup(reg prometheus.Registerer) (l *Lookup, err error) {
	l = &Lookup{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "requests_total",
			Help:      "Number of lookups performed, by result.",
		}, []string{"result"}),
		FullHashRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "full_hash_requests_total",
			Help:      "Number of gethash requests sent to the server.",
		}),
		FullHashCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "full_hash_cache_hits_total",
			Help:      "Number of lookups resolved from the full-hash cache without a network request.",
		}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "matches_total",
			Help:      "Number of confirmed matches, by list.",
		}, []string{"list"}),
	}

	err = errors.Join(
		labeledRegErr("requests_total", reg.Register(l.RequestsTotal)),
		labeledRegErr("full_hash_requests_total", reg.Register(l.FullHashRequests)),
		labeledRegErr("full_hash_cache_hits_total", reg.Register(l.FullHashCacheHits)),
		labeledRegErr("matches_total", reg.Register(l.MatchesTotal)),
	)
	if err != nil {
		return nil, fmt.Errorf("registering lookup metrics: %w", err)
	}

	return l, nil
}

// ObserveLookup implements the sblookup.MetricsSink interface for
// *Lookup.
func (l *Lookup) ObserveLookup(result string) {
	l.RequestsTotal.WithLabelValues(result).Inc()
}

// ObserveFullHashRequest implements the sblookup.MetricsSink interface for
// *Lookup.
func (l *Lookup) ObserveFullHashRequest() {
	l.FullHashRequests.Inc()
}

// ObserveCacheHit implements the sblookup.MetricsSink interface for
// *Lookup.
func (l *Lookup) ObserveCacheHit() {
	l.FullHashCacheHits.Inc()
}

// ObserveMatch implements the sblookup.MetricsSink interface for *Lookup.
func (l *Lookup) ObserveMatch(list sbstore.ListID) {
	l.MatchesTotal.WithLabelValues(string(list)).Inc()
}

// labeledRegErr annotates a collector registration error with the
// collector's name, or returns nil if regErr is nil, so errors.Join skips
// it.
func labeledRegErr(name string, regErr error) (err error) {
	if regErr == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", name, regErr)
}
