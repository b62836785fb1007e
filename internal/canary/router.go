package canary

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/obs"
	"github.com/relaypath/pipeflow/internal/pferrors"
)

// Logging here follows the rest of the core packages: go.uber.org/zap
// throughout, not the log/slog split an earlier draft of this package
// assumed — there is no package in this module that logs via slog.

// AliasUpdater repoints a name's alias to a structural hash — in pipeflowd
// it is reload.Coordinator.OnCanaryComplete. Invoked by the router when a canary completes so
// the promotion sticks outside the canary's own lifetime (§4.3.1).
type AliasUpdater func(name, hash string) error

// Router is the per-name CanaryRouter. A single router-wide mutex guards
// the state of every name and serializes StartCanary/RecordResult/Promote/
// Rollback across all names.
type Router struct {
	mu       sync.Mutex
	states   map[string]*State
	ringSize int
	onComplete AliasUpdater
	log      *zap.Logger
	randSrc  func() float64
}

// New constructs an empty Router. onComplete, if non-nil, is invoked with
// (name, newHash) whenever a canary autopilot-completes, so the caller can
// repoint the pipeline's alias.
func New(ringSize int, onComplete AliasUpdater, log *zap.Logger) *Router {
	return &Router{
		states:     make(map[string]*State),
		ringSize:   ringSize,
		onComplete: onComplete,
		log:        log,
		randSrc:    rand.Float64,
	}
}

// StartCanary begins a new canary run for name. Fails with Conflict iff
// the current state for name is Observing (terminal states permit a
// replacement).
func (r *Router) StartCanary(name string, oldVersion, newVersion int, oldHash, newHash string, cfg Config) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.states[name]; ok && existing.Status == StatusObserving {
		return nil, pferrors.Conflict("a canary is already active for this pipeline").WithDetail("name", name)
	}

	now := time.Now()
	st := &State{
		PipelineName:      name,
		OldVersion:        oldVersion,
		NewVersion:        newVersion,
		OldHash:           oldHash,
		NewHash:           newHash,
		Config:            cfg,
		CurrentStep:       0,
		CurrentWeight:     cfg.InitialWeight,
		Status:            StatusObserving,
		StartedAt:         now,
		LastStepStartedAt: now,
		OldMetrics:        newVersionMetrics(r.ringSize),
		NewMetrics:        newVersionMetrics(r.ringSize),
	}
	r.states[name] = st
	obs.CanaryState.WithLabelValues(name).Set(0)

	if r.log != nil {
		r.log.Info("canary started",
			obs.String("name", name), obs.Int("old_version", oldVersion), obs.Int("new_version", newVersion))
	}

	return st.snapshot(), nil
}

// SelectVersion returns the hash traffic should be routed to for name, or
// false if no Observing canary exists. The randomness source is drawn
// fresh per call and does not correlate with any record identity.
func (r *Router) SelectVersion(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok || st.Status != StatusObserving {
		return "", false
	}
	if r.randSrc() < st.CurrentWeight {
		return st.NewHash, true
	}
	return st.OldHash, true
}

// RecordResult records one observation against the side identified by
// hash, then evaluates the autopilot rules. Returns the post-update
// snapshot, or false if name has no canary state.
//
// The completion callback (onComplete, wired to the reload coordinator's
// OnCanaryComplete) acquires that coordinator's per-name lock, which is
// also held across a call back into this router (Reload -> StartCanary).
// To avoid an AB-BA deadlock between the two locks, r.mu is released
// before onComplete ever runs.
func (r *Router) RecordResult(name, hash string, success bool, latencyMs float64) (*Snapshot, bool) {
	r.mu.Lock()

	st, ok := r.states[name]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	switch hash {
	case st.NewHash:
		st.NewMetrics.record(success, latencyMs)
	case st.OldHash:
		st.OldMetrics.record(success, latencyMs)
	}

	var completed bool
	var completedHash string
	if st.Status == StatusObserving {
		completed, completedHash = r.evaluateAutopilotLocked(st)
	}
	name = st.PipelineName
	snapshot := st.snapshot()
	r.mu.Unlock()

	if completed {
		r.fireOnComplete(name, completedHash)
	}

	return snapshot, true
}

// evaluateAutopilotLocked applies R1 -> R2 -> R3 in order; the first
// triggered rule fires and no further rule fires in this call (§4.3.1).
// Callers must hold r.mu. Reports whether the canary just completed, and
// if so its new hash, so the caller can invoke the completion callback
// after releasing r.mu.
func (r *Router) evaluateAutopilotLocked(st *State) (completed bool, newHash string) {
	m := st.NewMetrics
	cfg := st.Config

	if m.Requests >= cfg.MinRequests && m.ErrorRate() > cfg.ErrorThreshold {
		r.rollbackLocked(st)
		return false, ""
	}

	if cfg.LatencyThresholdMs > 0 && m.Requests >= cfg.MinRequests && m.P99LatencyMs() > float64(cfg.LatencyThresholdMs) {
		r.rollbackLocked(st)
		return false, ""
	}

	if cfg.AutoPromote && m.Requests >= cfg.MinRequests && time.Since(st.LastStepStartedAt) >= cfg.ObservationWindow {
		return r.advanceStepLocked(st)
	}
	return false, ""
}

// Promote manually advances one step.
func (r *Router) Promote(name string) (*Snapshot, bool) {
	r.mu.Lock()

	st, ok := r.states[name]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	completed, completedHash := r.advanceStepLocked(st)
	snapshot := st.snapshot()
	r.mu.Unlock()

	if completed {
		r.fireOnComplete(name, completedHash)
	}
	return snapshot, true
}

// advanceStepLocked moves CurrentStep forward one position, completing the
// canary if that exhausts promotionSteps. Resets the new side's metrics so
// each window evaluates its own step, per §4.3.1. Callers must hold r.mu
// and invoke the completion callback themselves, after releasing it.
func (r *Router) advanceStepLocked(st *State) (completed bool, newHash string) {
	st.CurrentStep++
	if st.CurrentStep >= len(st.Config.PromotionSteps) {
		st.Status = StatusComplete
		st.CurrentWeight = 1.0
		obs.CanaryState.WithLabelValues(st.PipelineName).Set(1)
		return true, st.NewHash
	}
	st.CurrentWeight = st.Config.PromotionSteps[st.CurrentStep-1]
	st.LastStepStartedAt = time.Now()
	st.NewMetrics.reset()
	return false, ""
}

// fireOnComplete invokes the completion callback. Callers must not hold
// r.mu.
func (r *Router) fireOnComplete(name, hash string) {
	if r.onComplete == nil {
		return
	}
	if err := r.onComplete(name, hash); err != nil && r.log != nil {
		r.log.Warn("canary completion alias repoint failed",
			obs.String("name", name), obs.Err(err))
	}
}

// Rollback transitions Observing -> RolledBack, setting CurrentWeight=0.
func (r *Router) Rollback(name string) (*Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok {
		return nil, false
	}
	r.rollbackLocked(st)
	return st.snapshot(), true
}

// Abort is an alias for Rollback.
func (r *Router) Abort(name string) (*Snapshot, bool) {
	return r.Rollback(name)
}

func (r *Router) rollbackLocked(st *State) {
	st.Status = StatusRolledBack
	st.CurrentWeight = 0
	obs.CanaryState.WithLabelValues(st.PipelineName).Set(2)
	if r.log != nil {
		r.log.Info("canary rolled back", obs.String("name", st.PipelineName))
	}
}

// GetState returns the current snapshot for name, or false if none exists.
func (r *Router) GetState(name string) (*Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok {
		return nil, false
	}
	return st.snapshot(), true
}

// ReferencesHash reports whether an active (Observing) canary for any name
// references hash on either side — consulted by PipelineStore.Remove's I7
// and I4 checks.
func (r *Router) ReferencesHash(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.states {
		if st.Status != StatusObserving {
			continue
		}
		if st.OldHash == hash || st.NewHash == hash {
			return true
		}
	}
	return false
}
