// Package metrics exposes Prometheus collectors for the request pool,
// streaming volumes and the cache.
//
// Every collector set is optional: a nil *Scheduler, *Volume or *Cache is
// valid and records nothing, so components can be built without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "volstream"

// Scheduler holds request pool collectors.
type Scheduler struct {
	queued       *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
	capacity     *prometheus.GaugeVec
	started      *prometheus.CounterVec
	failed       *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	drains       prometheus.Counter
}

// NewScheduler registers request pool collectors with reg.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	return &Scheduler{
		queued: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_queued",
				Help:      "Requests waiting in the pool by category",
			},
			[]string{"category"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Requests currently executing by category",
			},
			[]string{"category"},
		),
		capacity: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_max_simultaneous",
				Help:      "Concurrency ceiling by category",
			},
			[]string{"category"},
		),
		started: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_started_total",
				Help:      "Requests started by category",
			},
			[]string{"category"},
		),
		failed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_failed_total",
				Help:      "Requests that returned an error or panicked, by category",
			},
			[]string{"category"},
		),
		taskDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Request execution time in milliseconds",
				Buckets: []float64{
					1,    // cache hit
					5,    // local decode
					10,   // 10ms
					50,   // 50ms
					100,  // 100ms
					500,  // 500ms - remote fetch
					1000, // 1s
					5000, // 5s
				},
			},
			[]string{"category"},
		),
		drains: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_pool_drains_total",
				Help:      "Drain passes executed by the request pool",
			},
		),
	}
}

// SetQueued records the queue depth of a category.
func (m *Scheduler) SetQueued(category string, n int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(category).Set(float64(n))
}

// SetInFlight records the running count of a category.
func (m *Scheduler) SetInFlight(category string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(category).Set(float64(n))
}

// SetCapacity records the concurrency ceiling of a category.
func (m *Scheduler) SetCapacity(category string, n int) {
	if m == nil {
		return
	}
	m.capacity.WithLabelValues(category).Set(float64(n))
}

// ObserveStart records a started request.
func (m *Scheduler) ObserveStart(category string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(category).Inc()
}

// ObserveDone records a finished request.
func (m *Scheduler) ObserveDone(category string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(category).Observe(float64(d) / float64(time.Millisecond))
	if failed {
		m.failed.WithLabelValues(category).Inc()
	}
}

// ObserveDrain records one drain pass.
func (m *Scheduler) ObserveDrain() {
	if m == nil {
		return
	}
	m.drains.Inc()
}

// Volume holds streaming volume collectors.
type Volume struct {
	framesLoaded prometheus.Counter
	frameErrors  prometheus.Counter
	allocated    prometheus.Gauge
	cancelled    prometheus.Counter
}

// NewVolume registers streaming volume collectors with reg.
func NewVolume(reg prometheus.Registerer) *Volume {
	return &Volume{
		framesLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_frames_loaded_total",
			Help:      "Frames written into volume buffers",
		}),
		frameErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_frame_errors_total",
			Help:      "Frames that failed to load",
		}),
		allocated: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volume_bytes_allocated",
			Help:      "Bytes held by live volume buffers",
		}),
		cancelled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_load_cancellations_total",
			Help:      "Volume loads cancelled",
		}),
	}
}

// FrameLoaded records a frame written into a volume.
func (m *Volume) FrameLoaded() {
	if m == nil {
		return
	}
	m.framesLoaded.Inc()
}

// FrameFailed records a frame that failed to load.
func (m *Volume) FrameFailed() {
	if m == nil {
		return
	}
	m.frameErrors.Inc()
}

// Allocated adjusts the live buffer byte gauge by delta.
func (m *Volume) Allocated(delta int64) {
	if m == nil {
		return
	}
	m.allocated.Add(float64(delta))
}

// Cancelled records a cancelled load.
func (m *Volume) Cancelled() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}

// Cache holds cache collectors.
type Cache struct {
	bytes     prometheus.Gauge
	maxBytes  prometheus.Gauge
	evictions *prometheus.CounterVec
	hits      prometheus.Counter
	misses    prometheus.Counter
	pressure  prometheus.Gauge
}

// NewCache registers cache collectors with reg.
func NewCache(reg prometheus.Registerer) *Cache {
	return &Cache{
		bytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes currently accounted in the cache",
		}),
		maxBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_max_bytes",
			Help:      "Cache byte budget",
		}),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Cache evictions by entry kind",
			},
			[]string{"kind"},
		),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Image lookups served from cache",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Image lookups not in cache",
		}),
		pressure: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_pressure_level",
			Help:      "Cache pressure level (0=normal, 3=emergency)",
		}),
	}
}

// SetBytes records current and maximum cache usage.
func (m *Cache) SetBytes(used, max int64) {
	if m == nil {
		return
	}
	m.bytes.Set(float64(used))
	m.maxBytes.Set(float64(max))
}

// Evicted records an eviction of the given kind.
func (m *Cache) Evicted(kind string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(kind).Inc()
}

// Lookup records a cache lookup outcome.
func (m *Cache) Lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.hits.Inc()
	} else {
		m.misses.Inc()
	}
}

// SetPressure records the current pressure level.
func (m *Cache) SetPressure(level int) {
	if m == nil {
		return
	}
	m.pressure.Set(float64(level))
}
