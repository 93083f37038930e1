package pipeline

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
)

// HealthStatus represents the health state of one chain's loops.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	// HealthStatusStandby: another replica holds the scan lease.
	HealthStatusStandby HealthStatus = "STANDBY"

	// DefaultUnhealthyThreshold is the number of consecutive failed scan
	// ticks before the chain is reported unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 tick latency above which
	// the chain is reported degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	// DefaultDegradedLag is the distance between tip and last accepted
	// height above which the chain is reported degraded.
	DefaultDegradedLag = 100

	latencyWindowSize = 10
)

func (s HealthStatus) gauge() float64 {
	switch s {
	case HealthStatusHealthy:
		return 1
	case HealthStatusDegraded:
		return 2
	case HealthStatusUnhealthy:
		return 3
	case HealthStatusStandby:
		return 4
	default:
		return 0
	}
}

// Health tracks scan health for one (chain, network).
type Health struct {
	mu                       sync.RWMutex
	chain                    model.Chain
	network                  model.Network
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	tip                      int64
	lastAccepted             int64
	standby                  bool
	unhealthyThreshold       int
	degradedLag              int64
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	now                      func() time.Time
}

func NewHealth(chain model.Chain, network model.Network) *Health {
	h := &Health{
		chain:                    chain,
		network:                  network,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		degradedLag:              DefaultDegradedLag,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		now:                      time.Now,
	}
	h.publish()
	return h
}

// publish exports the state. Must be called with mu held.
func (h *Health) publish() {
	labels := []string{h.chain.String(), h.network.String()}
	metrics.PipelineHealthStatus.WithLabelValues(labels...).Set(h.status.gauge())
	metrics.PipelineConsecutiveFailures.WithLabelValues(labels...).Set(float64(h.consecutiveFailures))
}

// RecordProgress stores the heights observed by the last scan tick.
func (h *Health) RecordProgress(tip, lastAccepted int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tip = tip
	h.lastAccepted = lastAccepted
}

// RecordSuccess records a successful scan tick and returns true when it
// ends an unhealthy period.
func (h *Health) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, latency)

	now := h.now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	h.status = h.okStatus()
	h.publish()
	return wasUnhealthy
}

// RecordFailure records a failed scan tick. Returns true if the chain
// became unhealthy on this call.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	became := false
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		became = true
	}
	h.publish()
	return became
}

// SetStandby marks whether another replica owns the chain.
func (h *Health) SetStandby(standby bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.standby == standby {
		return
	}
	h.standby = standby
	switch {
	case standby:
		h.status = HealthStatusStandby
	case h.status == HealthStatusStandby:
		h.status = HealthStatusUnknown
	}
	h.publish()
}

// okStatus is the status after a success. Must be called with mu held.
func (h *Health) okStatus() HealthStatus {
	if h.standby {
		return HealthStatusStandby
	}
	if h.tip-h.lastAccepted > h.degradedLag || h.latencyDegraded() {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// latencyDegraded reports whether the P95 latency exceeds the threshold.
// Must be called with mu held.
func (h *Health) latencyDegraded() bool {
	n := len(h.recentLatencies)
	if n < 2 {
		return false
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := min(max((95*n-1)/100, 0), n-1)
	return sorted[idx] > h.degradedLatencyThreshold
}

// HealthSnapshot is a point-in-time view of chain health (JSON-safe).
type HealthSnapshot struct {
	Chain               string     `json:"chain"`
	Network             string     `json:"network"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Tip                 int64      `json:"tip"`
	LastAccepted        int64      `json:"last_accepted"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Chain:               h.chain.String(),
		Network:             h.network.String(),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		Tip:                 h.tip,
		LastAccepted:        h.lastAccepted,
		LastError:           h.lastError,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthHandler serves the snapshots of every chain as JSON. The response
// is 503 when any chain is unhealthy.
func HealthHandler(healths ...*Health) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snaps := make([]HealthSnapshot, 0, len(healths))
		code := http.StatusOK
		for _, h := range healths {
			s := h.Snapshot()
			if s.Status == string(HealthStatusUnhealthy) {
				code = http.StatusServiceUnavailable
			}
			snaps = append(snaps, s)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"chains": snaps})
	})
}
