// Package metrics exposes engine instrumentation as Prometheus collectors.
//
// Managers depend on the Recorder interface only; Nop is used when no
// registry is configured.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine measurements.
type Recorder interface {
	PoolGauge(pool string, size, inUse, waiters int)
	PoolAcquireTimeout(pool string)
	PoolEviction(pool, reason string)
	MemoryGauge(total, used, reserved int64)
	MemoryEviction()
	CacheGauge(entries int)
	CacheHit()
	CacheMiss()
	CacheEviction(reason string)
	JobOutcome(outcome string, dur time.Duration)
	JobRetry()
}

// Nop discards everything.
type Nop struct{}

func (Nop) PoolGauge(string, int, int, int) {}
func (Nop) PoolAcquireTimeout(string) {}
func (Nop) PoolEviction(string, string) {}
func (Nop) MemoryGauge(int64, int64, int64) {}
func (Nop) MemoryEviction() {}
func (Nop) CacheGauge(int) {}
func (Nop) CacheHit() {}
func (Nop) CacheMiss() {}
func (Nop) CacheEviction(string) {}
func (Nop) JobOutcome(string, time.Duration) {}
func (Nop) JobRetry() {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	poolSize       *prometheus.GaugeVec
	poolInUse      *prometheus.GaugeVec
	poolWaiters    *prometheus.GaugeVec
	poolTimeouts   *prometheus.CounterVec
	poolEvictions  *prometheus.CounterVec
	memTotal       prometheus.Gauge
	memUsed        prometheus.Gauge
	memReserved    prometheus.Gauge
	memEvictions   prometheus.Counter
	cacheEntries   prometheus.Gauge
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec
	jobsTotal      *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	jobRetries     prometheus.Counter
}

const namespace = "inferq"

// NewPrometheus creates and registers the engine collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "size",
			Help: "Handles currently owned by the pool",
		}, []string{"pool"}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "in_use",
			Help: "Handles currently lent to callers",
		}, []string{"pool"}),
		poolWaiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "waiters",
			Help: "Callers queued for a handle",
		}, []string{"pool"}),
		poolTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_timeouts_total",
			Help: "Acquisitions that gave up after the acquire timeout",
		}, []string{"pool"}),
		poolEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "evictions_total",
			Help: "Handles destroyed by the health check",
		}, []string{"pool", "reason"}),
		memTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memory", Name: "total_units",
			Help: "Accelerator memory budget",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memory", Name: "used_units",
			Help: "Accelerator memory recorded as allocated",
		}),
		memReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memory", Name: "reserved_units",
			Help: "Accelerator memory reserved but not yet allocated",
		}),
		memEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "memory", Name: "evictions_total",
			Help: "Reservations preempted by higher priority requests",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Artifacts resident in the cache",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Artifact cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Artifact cache misses",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Artifacts evicted from the cache",
		}, []string{"reason"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "total",
			Help: "Job attempts by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
			Help:    "Duration of job processing attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "retries_total",
			Help: "Retries scheduled after transient failures",
		}),
	}
	reg.MustRegister(
		p.poolSize, p.poolInUse, p.poolWaiters, p.poolTimeouts, p.poolEvictions,
		p.memTotal, p.memUsed, p.memReserved, p.memEvictions,
		p.cacheEntries, p.cacheHits, p.cacheMisses, p.cacheEvictions,
		p.jobsTotal, p.jobDuration, p.jobRetries,
	)
	return p
}

func (p *Prometheus) PoolGauge(pool string, size, inUse, waiters int) {
	p.poolSize.WithLabelValues(pool).Set(float64(size))
	p.poolInUse.WithLabelValues(pool).Set(float64(inUse))
	p.poolWaiters.WithLabelValues(pool).Set(float64(waiters))
}

func (p *Prometheus) PoolAcquireTimeout(pool string) { p.poolTimeouts.WithLabelValues(pool).Inc() }

func (p *Prometheus) PoolEviction(pool, reason string) {
	p.poolEvictions.WithLabelValues(pool, reason).Inc()
}

func (p *Prometheus) MemoryGauge(total, used, reserved int64) {
	p.memTotal.Set(float64(total))
	p.memUsed.Set(float64(used))
	p.memReserved.Set(float64(reserved))
}

func (p *Prometheus) MemoryEviction() { p.memEvictions.Inc() }

func (p *Prometheus) CacheGauge(entries int) { p.cacheEntries.Set(float64(entries)) }
func (p *Prometheus) CacheHit() { p.cacheHits.Inc() }
func (p *Prometheus) CacheMiss() { p.cacheMisses.Inc() }

func (p *Prometheus) CacheEviction(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	p.cacheEvictions.WithLabelValues(reason).Inc()
}

func (p *Prometheus) JobOutcome(outcome string, dur time.Duration) {
	p.jobsTotal.WithLabelValues(outcome).Inc()
	p.jobDuration.Observe(dur.Seconds())
}

func (p *Prometheus) JobRetry() { p.jobRetries.Inc() }
