package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels.
const (
	ResultAcquired  = "acquired"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
	ResultError     = "error"
	ResultSuccess   = "success"
	ResultLost      = "lost"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Lock groups the collectors of a lock provider. A nil *Lock records nothing.
type Lock struct {
	acquire *prometheus.CounterVec
	release *prometheus.CounterVec
	renew   *prometheus.CounterVec
	wait    prometheus.Histogram
}

// NewLock creates the lock collectors and registers them on reg.
func NewLock(reg prometheus.Registerer) *Lock {
	m := &Lock{
		acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_lock_acquire_total",
			Help: "Total number of lock acquisitions by result",
		}, []string{"result"}),
		release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_lock_release_total",
			Help: "Total number of lock releases by result",
		}, []string{"result"}),
		renew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_lock_renew_total",
			Help: "Total number of lock renewals by result",
		}, []string{"result"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_lock_acquire_wait_seconds",
			Help:    "Time spent waiting for a lock",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.acquire, m.release, m.renew, m.wait)
	return m
}

// ObserveAcquire records an acquisition attempt and the time it waited.
func (m *Lock) ObserveAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.acquire.WithLabelValues(result).Inc()
	m.wait.Observe(waited.Seconds())
}

// ObserveRelease records a release.
func (m *Lock) ObserveRelease(result string) {
	if m == nil {
		return
	}
	m.release.WithLabelValues(result).Inc()
}

// ObserveRenew records a renewal.
func (m *Lock) ObserveRenew(result string) {
	if m == nil {
		return
	}
	m.renew.WithLabelValues(result).Inc()
}

// Throttle groups the collectors of a throttling provider. A nil *Throttle
// records nothing.
type Throttle struct {
	acquire *prometheus.CounterVec
}

// NewThrottle creates the throttling collectors and registers them on reg.
func NewThrottle(reg prometheus.Registerer) *Throttle {
	m := &Throttle{
		acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_throttle_acquire_total",
			Help: "Total number of throttled acquisitions by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.acquire)
	return m
}

// ObserveAcquire records a throttled acquisition attempt.
func (m *Throttle) ObserveAcquire(result string) {
	if m == nil {
		return
	}
	m.acquire.WithLabelValues(result).Inc()
}
