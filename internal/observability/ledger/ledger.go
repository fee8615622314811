// Package ledger keeps the append-only, content-hashed record of every tool
// invocation in a run.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiger/greenbench/api/eventabi"
	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/analysis/dfops"
	"github.com/tiger/greenbench/internal/artifacts/atomicfile"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/observability/metrics"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
)

// Record is the input for one ledger append.
type Record struct {
	ToolName        string
	Arguments       map[string]any
	ReturnValue     any
	ExecutionTimeMS *float64
	Error           string
	// RawInput is the unparsed tool input, scanned for DataFrame operations
	// when ToolName is the analysis tool.
	RawInput      string
	Deterministic *bool
}

// Sink receives every appended trace.
type Sink interface {
	Append(harness.ToolCallTrace) error
}

// Manager owns the active ledger.
type Manager struct {
	mu        sync.RWMutex
	runID     string
	createdAt time.Time
	active    bool
	traces    []harness.ToolCallTrace

	events  eventqueue.Publisher
	sink    Sink
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher pushes trace_update events to p.
func WithPublisher(p eventqueue.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithSink mirrors each appended trace to s.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithMetrics counts appends.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrDiscard(l) }
}

// WithClock sets the trace timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a manager with no active ledger.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger: logging.Discard(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize starts a fresh, empty ledger. An empty runID is generated.
func (m *Manager) Initialize(runID string) string {
	if runID == "" {
		runID = m.newID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = runID
	m.createdAt = m.now()
	m.active = true
	m.traces = nil
	return runID
}

// RecordToolCall appends a trace and returns it. A ledger is initialized on
// first use when none is active.
func (m *Manager) RecordToolCall(rec Record) harness.ToolCallTrace {
	var ops []harness.DerivedOperation
	if rec.ToolName == dfops.ToolName && rec.RawInput != "" {
		ops = m.extractOperations(rec.RawInput)
	}
	hash, err := HashReturnValue(rec.ReturnValue)
	if err != nil {
		m.logger.Warn("return value not hashable", "tool", rec.ToolName, "error", err)
	}

	m.mu.Lock()
	if !m.active {
		m.unlockedInitialize()
	}
	trace := harness.ToolCallTrace{
		Timestamp:         harness.Timestamp(m.now()),
		RunID:             m.runID,
		ToolName:          rec.ToolName,
		Arguments:         cloneMap(rec.Arguments),
		ReturnValue:       cloneAny(rec.ReturnValue),
		ReturnValueHash:   hash,
		ExecutionTimeMS:   cloneFloat(rec.ExecutionTimeMS),
		Error:             rec.Error,
		DerivedOperations: ops,
		Deterministic:     cloneBool(rec.Deterministic),
	}
	m.traces = append(m.traces, trace)
	count := len(m.traces)
	m.mu.Unlock()

	m.metrics.ObserveTrace()
	if m.sink != nil {
		if err := m.sink.Append(cloneTrace(trace)); err != nil {
			m.logger.Warn("ledger sink append failed", "run_id", trace.RunID, "error", err)
		}
	}
	if m.events != nil {
		m.events.Put(eventabi.NewTraceUpdate(cloneTrace(trace), count, m.now().UnixMilli()))
	}
	return cloneTrace(trace)
}

func (m *Manager) unlockedInitialize() {
	m.runID = m.newID()
	m.createdAt = m.now()
	m.active = true
	m.traces = nil
}

func (m *Manager) extractOperations(raw string) (ops []harness.DerivedOperation) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("dataframe operation extraction failed", "version", dfops.Version, "error", r)
			ops = nil
		}
	}()
	return dfops.Extract(raw)
}

// Traces returns a deep copy of the recorded traces.
func (m *Manager) Traces() []harness.ToolCallTrace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]harness.ToolCallTrace, len(m.traces))
	for i, t := range m.traces {
		out[i] = cloneTrace(t)
	}
	return out
}

// Len returns the number of recorded traces.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.traces)
}

// RunID returns the active run id, or "".
func (m *Manager) RunID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runID
}

// Ledger returns a copy of the active ledger. ok is false when none is active.
func (m *Manager) Ledger() (harness.TraceLedger, bool) {
	m.mu.RLock()
	active, runID, created := m.active, m.runID, m.createdAt
	m.mu.RUnlock()
	if !active {
		return harness.TraceLedger{}, false
	}
	return harness.TraceLedger{
		RunID:     runID,
		CreatedAt: harness.Timestamp(created),
		Traces:    m.Traces(),
	}, true
}

// ErrNoLedger is returned when exporting without an active ledger.
var ErrNoLedger = fmt.Errorf("no ledger initialized")

// ExportJSON serializes the ledger and, when path is non-empty, writes it atomically.
func (m *Manager) ExportJSON(path string) ([]byte, error) {
	l, ok := m.Ledger()
	if !ok {
		return nil, ErrNoLedger
	}
	if l.Traces == nil {
		l.Traces = []harness.ToolCallTrace{}
	}
	payload, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	if path != "" {
		if err := atomicfile.Write(path, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Clear discards the ledger and every trace. It is the only way to end a run's history.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = ""
	m.active = false
	m.traces = nil
}

// HashReturnValue returns the first 16 hex chars of SHA-256 over the raw string,
// or over the sorted-key JSON of any other value. Nil has no hash.
func HashReturnValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	var input []byte
	switch val := v.(type) {
	case string:
		input = []byte(val)
	case []byte:
		input = val
	default:
		raw, err := CanonicalJSON(val)
		if err != nil {
			return "", err
		}
		input = raw
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])[:16], nil
}

// CanonicalJSON encodes v with map keys sorted at every level. encoding/json
// already sorts map keys; structs are round-tripped through a map first so
// their field order cannot affect the hash.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
