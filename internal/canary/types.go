// Package canary implements the CanaryRouter (§4.3): a per-pipeline-name
// weighted traffic splitter between two versions with autopilot rules for
// auto-promotion and auto-rollback.
package canary

import "time"

// Status is the canary state machine's terminal/non-terminal status.
type Status string

const (
	StatusObserving  Status = "Observing"
	StatusComplete   Status = "Complete"
	StatusRolledBack Status = "RolledBack"
)

// Config are the tunables for one canary run (§3 CanaryConfig).
type Config struct {
	InitialWeight     float64       `json:"initial_weight"`
	PromotionSteps    []float64     `json:"promotion_steps"`
	ObservationWindow time.Duration `json:"observation_window"`
	ErrorThreshold    float64       `json:"error_threshold"`
	LatencyThresholdMs int          `json:"latency_threshold_ms,omitempty"`
	MinRequests       int           `json:"min_requests"`
	AutoPromote       bool          `json:"auto_promote"`
}

// ring is a bounded buffer of recorded observation latencies.
type ring struct {
	buf  []float64
	size int
	next int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1024
	}
	return &ring{buf: make([]float64, size), size: size}
}

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % r.size
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if !r.full {
		return append([]float64(nil), r.buf[:r.next]...)
	}
	out := make([]float64, 0, r.size)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// VersionMetrics accumulates observations for one side (old or new) of a
// canary (§3).
type VersionMetrics struct {
	Requests  int `json:"requests"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`

	latencies *ring
}

func newVersionMetrics(ringSize int) *VersionMetrics {
	return &VersionMetrics{latencies: newRing(ringSize)}
}

func (m *VersionMetrics) record(success bool, latencyMs float64) {
	m.Requests++
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	m.latencies.add(latencyMs)
}

func (m *VersionMetrics) reset() {
	ringSize := m.latencies.size
	*m = VersionMetrics{latencies: newRing(ringSize)}
}

// ErrorRate is failures/max(requests,1).
func (m *VersionMetrics) ErrorRate() float64 {
	denom := m.Requests
	if denom < 1 {
		denom = 1
	}
	return float64(m.Failures) / float64(denom)
}

// P99LatencyMs is the ceil(0.99*n)-th order statistic over recorded
// latencies, 0 if empty.
func (m *VersionMetrics) P99LatencyMs() float64 {
	vals := m.latencies.values()
	n := len(vals)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	insertionSort(sorted)
	idx := ceilDiv(99*n, 100)
	if idx < 1 {
		idx = 1
	}
	if idx > n {
		idx = n
	}
	return sorted[idx-1]
}

// AvgLatencyMs is the arithmetic mean over recorded latencies, 0 if empty.
func (m *VersionMetrics) AvgLatencyMs() float64 {
	vals := m.latencies.values()
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// insertionSort is fine at the bounded ring sizes this operates over
// (default 1024); avoids pulling in sort.Float64s for a handful of calls.
func insertionSort(s []float64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// State is one pipeline name's canary run (§3 CanaryState).
type State struct {
	PipelineName string `json:"pipeline_name"`
	OldVersion   int    `json:"old_version"`
	NewVersion   int    `json:"new_version"`
	OldHash      string `json:"old_hash"`
	NewHash      string `json:"new_hash"`

	Config Config `json:"config"`

	CurrentStep   int     `json:"current_step"`
	CurrentWeight float64 `json:"current_weight"`
	Status        Status  `json:"status"`

	StartedAt         time.Time `json:"started_at"`
	LastStepStartedAt time.Time `json:"last_step_started_at"`

	OldMetrics *VersionMetrics `json:"old_metrics"`
	NewMetrics *VersionMetrics `json:"new_metrics"`
}

// Snapshot is the externally-visible, read-only copy of a State returned
// from the router's public operations — callers never hold the live
// pointer under the router's lock.
type Snapshot struct {
	PipelineName  string    `json:"pipeline_name"`
	OldVersion    int       `json:"old_version"`
	NewVersion    int       `json:"new_version"`
	OldHash       string    `json:"old_hash"`
	NewHash       string    `json:"new_hash"`
	Config        Config    `json:"config"`
	CurrentStep   int       `json:"current_step"`
	CurrentWeight float64   `json:"current_weight"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	OldMetrics    VersionMetrics `json:"old_metrics"`
	NewMetrics    VersionMetrics `json:"new_metrics"`
}

func (s *State) snapshot() *Snapshot {
	return &Snapshot{
		PipelineName:  s.PipelineName,
		OldVersion:    s.OldVersion,
		NewVersion:    s.NewVersion,
		OldHash:       s.OldHash,
		NewHash:       s.NewHash,
		Config:        s.Config,
		CurrentStep:   s.CurrentStep,
		CurrentWeight: s.CurrentWeight,
		Status:        s.Status,
		StartedAt:     s.StartedAt,
		OldMetrics:    *s.OldMetrics,
		NewMetrics:    *s.NewMetrics,
	}
}
