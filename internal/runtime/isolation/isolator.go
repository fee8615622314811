// Package isolation keeps per-run state from leaking into the next run.
//
// Global state lives in an Isolator behind a lock. Per-call state lives in an
// explicit RunContext carried through context.Context. Reset clears the global
// store and retires every RunContext issued before it.
package isolation

import (
	"context"
	"sync"
	"sync/atomic"
)

// Isolator owns the lock-protected global store.
type Isolator struct {
	mu         sync.RWMutex
	global     map[string]any
	generation atomic.Uint64
}

// New returns an empty isolator.
func New() *Isolator {
	return &Isolator{global: make(map[string]any)}
}

// SetGlobal stores value under key.
func (i *Isolator) SetGlobal(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.global[key] = value
}

// GetGlobal returns the value for key or def when unset.
func (i *Isolator) GetGlobal(key string, def any) any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if v, ok := i.global[key]; ok {
		return v
	}
	return def
}

// ClearGlobal empties the global store.
func (i *Isolator) ClearGlobal() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.global = make(map[string]any)
}

// Reset clears the global store and invalidates all outstanding run contexts.
func (i *Isolator) Reset() {
	i.mu.Lock()
	i.global = make(map[string]any)
	i.generation.Add(1)
	i.mu.Unlock()
}

// Generation returns the number of resets so far.
func (i *Isolator) Generation() uint64 {
	return i.generation.Load()
}

// NewRunContext issues a run-scoped local store bound to the current generation.
func (i *Isolator) NewRunContext(runID string, seed int64, scenarioID string) *RunContext {
	return &RunContext{
		RunID:      runID,
		Seed:       seed,
		ScenarioID: scenarioID,
		owner:      i,
		generation: i.generation.Load(),
		local:      make(map[string]any),
	}
}

// RunContext replaces thread-local state. It belongs to one call chain and is
// not safe for concurrent mutation.
type RunContext struct {
	RunID      string
	Seed       int64
	ScenarioID string

	owner      *Isolator
	generation uint64
	local      map[string]any
}

// Stale reports whether the owning isolator was reset after this context was issued.
func (rc *RunContext) Stale() bool {
	return rc.owner != nil && rc.owner.generation.Load() != rc.generation
}

func (rc *RunContext) sync() {
	if rc.Stale() {
		rc.local = make(map[string]any)
		rc.generation = rc.owner.generation.Load()
	}
}

// SetLocal stores a run-scoped value.
func (rc *RunContext) SetLocal(key string, value any) {
	rc.sync()
	if rc.local == nil {
		rc.local = make(map[string]any)
	}
	rc.local[key] = value
}

// GetLocal returns the run-scoped value for key or def.
func (rc *RunContext) GetLocal(key string, def any) any {
	rc.sync()
	if v, ok := rc.local[key]; ok {
		return v
	}
	return def
}

// ClearLocal empties the run-scoped store.
func (rc *RunContext) ClearLocal() {
	rc.local = make(map[string]any)
}

type runContextKey struct{}

// WithRunContext attaches rc to ctx.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// FromContext returns the RunContext carried by ctx, if any.
func FromContext(ctx context.Context) (*RunContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(runContextKey{}).(*RunContext)
	return rc, ok && rc != nil
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.RunID
	}
	return ""
}
