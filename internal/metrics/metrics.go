// Package metrics exposes Prometheus collectors for token refresh and key
// set activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tokenbridge"

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Refresh reasons.
const (
	ReasonStale      = "stale"
	ReasonUnknownKid = "unknown_kid"
	ReasonInitial    = "initial"
)

// Recorder owns one set of collectors. A nil *Recorder records nothing, so
// components can hold one unconditionally.
type Recorder struct {
	refreshTotal       *prometheus.CounterVec
	cacheAdoptions     prometheus.Counter
	cacheWriteFailures prometheus.Counter
	tokenRemaining     prometheus.Gauge
	keySetFetchTotal   *prometheus.CounterVec
	keySetKeys         prometheus.Gauge
}

// NewRecorder creates collectors labelled with caller and audience and
// registers them with reg. A nil reg leaves them unregistered.
func NewRecorder(reg prometheus.Registerer, caller, audience string) (*Recorder, error) {
	labels := prometheus.Labels{"caller": caller, "audience": audience}

	r := &Recorder{
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "token",
				Name:        "refresh_total",
				Help:        "Total number of upstream token fetches",
				ConstLabels: labels,
			},
			[]string{"reason", "result"},
		),
		cacheAdoptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "token",
			Name:        "cache_adoptions_total",
			Help:        "Total number of fresher tokens adopted from the shared cache",
			ConstLabels: labels,
		}),
		cacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "token",
			Name:        "cache_write_failures_total",
			Help:        "Total number of failed token writes to the shared cache",
			ConstLabels: labels,
		}),
		tokenRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "token",
			Name:        "remaining_seconds",
			Help:        "Seconds until the held token expires, sampled every check",
			ConstLabels: labels,
		}),
		keySetFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "keyset",
				Name:        "fetch_total",
				Help:        "Total number of key set fetches",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		keySetKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "keyset",
			Name:        "keys",
			Help:        "Number of RSA keys in the held key set",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		for _, c := range r.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.refreshTotal,
		r.cacheAdoptions,
		r.cacheWriteFailures,
		r.tokenRemaining,
		r.keySetFetchTotal,
		r.keySetKeys,
	}
}

// Unregister removes the collectors from reg.
func (r *Recorder) Unregister(reg prometheus.Registerer) {
	if r == nil || reg == nil {
		return
	}
	for _, c := range r.collectors() {
		reg.Unregister(c)
	}
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// RecordRefresh counts an upstream fetch.
func (r *Recorder) RecordRefresh(reason string, err error) {
	if r == nil {
		return
	}
	r.refreshTotal.WithLabelValues(reason, result(err)).Inc()
}

// RecordCacheAdoption counts a token adopted from the shared cache.
func (r *Recorder) RecordCacheAdoption() {
	if r == nil {
		return
	}
	r.cacheAdoptions.Inc()
}

// RecordCacheWriteFailure counts a failed cache write.
func (r *Recorder) RecordCacheWriteFailure() {
	if r == nil {
		return
	}
	r.cacheWriteFailures.Inc()
}

// SetTokenRemaining records the held token's remaining lifetime.
func (r *Recorder) SetTokenRemaining(d time.Duration) {
	if r == nil {
		return
	}
	r.tokenRemaining.Set(d.Seconds())
}

// RecordKeySetFetch counts a key set fetch and, on success, its size.
func (r *Recorder) RecordKeySetFetch(keys int, err error) {
	if r == nil {
		return
	}
	r.keySetFetchTotal.WithLabelValues(result(err)).Inc()
	if err == nil {
		r.keySetKeys.Set(float64(keys))
	}
}
