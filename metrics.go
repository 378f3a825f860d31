package vigil

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginLockedOut
	MetricLoginHighRisk
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshRateLimited
	MetricBreachDetected
	MetricFamilyRevoked
	MetricBindingRejected
	MetricTwoFactorRequired
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricValidateSuccess
	MetricValidateFailure
	MetricLogout
	MetricLogoutAll
	MetricCredentialRehash
	MetricValidateLatency
	metricIDCount
)

// metricNames maps IDs to their exposition names. Exporters share this so
// the same counter keeps the same name across formats.
var metricNames = [metricIDCount]string{
	MetricLoginSuccess:       "login_success",
	MetricLoginFailure:       "login_failure",
	MetricLoginRateLimited:   "login_rate_limited",
	MetricLoginLockedOut:     "login_locked_out",
	MetricLoginHighRisk:      "login_high_risk",
	MetricRefreshSuccess:     "refresh_success",
	MetricRefreshFailure:     "refresh_failure",
	MetricRefreshRateLimited: "refresh_rate_limited",
	MetricBreachDetected:     "breach_detected",
	MetricFamilyRevoked:      "family_revoked",
	MetricBindingRejected:    "binding_rejected",
	MetricTwoFactorRequired:  "two_factor_required",
	MetricTwoFactorSuccess:   "two_factor_success",
	MetricTwoFactorFailure:   "two_factor_failure",
	MetricValidateSuccess:    "validate_success",
	MetricValidateFailure:    "validate_failure",
	MetricLogout:             "logout",
	MetricLogoutAll:          "logout_all",
	MetricCredentialRehash:   "credential_rehash",
	MetricValidateLatency:    "validate_latency",
}

// MetricName returns the exposition name of id, or "" for unknown IDs.
func MetricName(id MetricID) string {
	if id >= metricIDCount {
		return ""
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// paddedCounter keeps each counter on its own cache line so hot counters
// incremented from different goroutines do not false-share.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the engine's in-process counter set. All methods are safe for
// concurrent use; a nil *Metrics is a no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter for id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample. Only MetricValidateLatency carries a
// histogram; other IDs are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads a single counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when latency tracking is on, the
// validate latency buckets.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

// HistogramBucketBounds returns the upper bounds, in milliseconds, of the
// latency buckets. The last bucket is unbounded.
func HistogramBucketBounds() []int64 {
	return []int64{5, 10, 25, 50, 100, 250, 500}
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
