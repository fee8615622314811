package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiger/greenbench/api/eventabi"
	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/analysis/dfops"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func TestHashReturnValueIsStable(t *testing.T) {
	t.Parallel()

	a, err := HashReturnValue(map[string]any{"b": 1, "a": []any{"x", 2.5}})
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	b, err := HashReturnValue(map[string]any{"a": []any{"x", 2.5}, "b": 1})
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if a != b || len(a) != 16 {
		t.Fatalf("expected stable 16-char hash, got %q and %q", a, b)
	}

	str, err := HashReturnValue("hello")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	// sha256("hello")
	if str != "2cf24dba5fb0a30e" {
		t.Fatalf("unexpected string hash %q", str)
	}

	none, err := HashReturnValue(nil)
	if err != nil || none != "" {
		t.Fatalf("expected empty hash for nil, got %q (%v)", none, err)
	}

	if _, err := HashReturnValue(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatalf("expected unencodable value to fail")
	}
}

func TestRecordToolCallAppendsInOrder(t *testing.T) {
	t.Parallel()

	m := NewManager(WithClock(fixedClock()))
	runID := m.Initialize("run-1")
	if runID != "run-1" {
		t.Fatalf("unexpected run id %q", runID)
	}

	elapsed := 12.5
	first := m.RecordToolCall(Record{
		ToolName:        "flight_search",
		Arguments:       map[string]any{"query": "SFO to NYC"},
		ReturnValue:     []any{map[string]any{"price": 100.0}},
		ExecutionTimeMS: &elapsed,
	})
	m.RecordToolCall(Record{ToolName: "weather", Error: "boom"})

	if first.RunID != "run-1" || first.ReturnValueHash == "" {
		t.Fatalf("unexpected first trace %+v", first)
	}
	if first.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", first.Timestamp)
	}

	traces := m.Traces()
	if len(traces) != 2 || m.Len() != 2 {
		t.Fatalf("expected 2 traces, got %d", len(traces))
	}
	if traces[0].ToolName != "flight_search" || traces[1].ToolName != "weather" {
		t.Fatalf("unexpected order: %s, %s", traces[0].ToolName, traces[1].ToolName)
	}
	if traces[1].Error != "boom" || traces[1].ReturnValueHash != "" {
		t.Fatalf("unexpected error trace %+v", traces[1])
	}
}

func TestTracesAreCopies(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Initialize("run-copy")
	args := map[string]any{"query": "Paris"}
	m.RecordToolCall(Record{ToolName: "hotel_search", Arguments: args})

	args["query"] = "mutated"
	got := m.Traces()
	got[0].Arguments["query"] = "also mutated"

	again := m.Traces()
	if again[0].Arguments["query"] != "Paris" {
		t.Fatalf("ledger was mutated through a caller reference: %v", again[0].Arguments)
	}
}

func TestRecordAutoInitializes(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.newID = func() string { return "generated" }
	trace := m.RecordToolCall(Record{ToolName: "weather"})
	if trace.RunID != "generated" || m.RunID() != "generated" {
		t.Fatalf("expected auto-initialized run id, got %q", trace.RunID)
	}
}

func TestClearDropsEverything(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Initialize("run-clear")
	m.RecordToolCall(Record{ToolName: "weather"})
	m.Clear()

	if m.Len() != 0 || m.RunID() != "" {
		t.Fatalf("expected cleared ledger, len=%d run=%q", m.Len(), m.RunID())
	}
	if _, ok := m.Ledger(); ok {
		t.Fatalf("expected no active ledger after clear")
	}
	if _, err := m.ExportJSON(""); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("expected ErrNoLedger, got %v", err)
	}
}

func TestInitializeResetsTraces(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Initialize("a")
	m.RecordToolCall(Record{ToolName: "weather"})
	m.Initialize("b")
	if m.Len() != 0 || m.RunID() != "b" {
		t.Fatalf("expected fresh ledger, len=%d run=%q", m.Len(), m.RunID())
	}
}

func TestExportJSONWritesFile(t *testing.T) {
	t.Parallel()

	m := NewManager(WithClock(fixedClock()))
	m.Initialize("run-export")
	m.RecordToolCall(Record{ToolName: "weather", ReturnValue: "sunny"})

	path := filepath.Join(t.TempDir(), "out", "trace_ledger.json")
	payload, err := m.ExportJSON(path)
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(onDisk) != string(payload) {
		t.Fatalf("file content differs from returned payload")
	}

	var decoded harness.TraceLedger
	if err := json.Unmarshal(onDisk, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.RunID != "run-export" || len(decoded.Traces) != 1 || decoded.Traces[0].ReturnValue != "sunny" {
		t.Fatalf("unexpected decoded ledger %+v", decoded)
	}
}

func TestExportEmptyLedgerHasEmptyTraceList(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Initialize("empty")
	payload, err := m.ExportJSON("")
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if !strings.Contains(string(payload), `"traces": []`) {
		t.Fatalf("expected empty traces array, got %s", payload)
	}
}

func TestRecordPublishesTraceUpdates(t *testing.T) {
	t.Parallel()

	rec := eventqueue.NewRecorder()
	m := NewManager(WithPublisher(rec))
	m.Initialize("run-events")
	m.RecordToolCall(Record{ToolName: "flight_search"})
	m.RecordToolCall(Record{ToolName: "hotel_search"})

	events := rec.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Type != eventabi.EventTraceUpdate {
			t.Fatalf("unexpected event type %s", e.Type)
		}
		if err := e.Validate(); err != nil {
			t.Fatalf("unexpected event validation error: %v", err)
		}
		if e.TraceUpdate.TraceCount != i+1 {
			t.Fatalf("expected trace_count %d, got %d", i+1, e.TraceUpdate.TraceCount)
		}
	}
}

func TestRecordExtractsDataFrameOperations(t *testing.T) {
	t.Parallel()

	m := NewManager()
	m.Initialize("run-df")
	trace := m.RecordToolCall(Record{
		ToolName: dfops.ToolName,
		RawInput: "df = flights\ncheap = df.sort_values('price').head(3)",
	})
	if len(trace.DerivedOperations) == 0 {
		t.Fatalf("expected derived operations")
	}
	plain := m.RecordToolCall(Record{ToolName: "weather", RawInput: "df.head()"})
	if len(plain.DerivedOperations) != 0 {
		t.Fatalf("expected no operations for non-analysis tool")
	}
}

func TestJSONLSinkAppendsLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := NewJSONLSink(dir)
	m := NewManager(WithSink(sink))
	m.Initialize("run-jsonl")
	m.RecordToolCall(Record{ToolName: "flight_search"})
	m.RecordToolCall(Record{ToolName: "weather"})

	raw, err := os.ReadFile(sink.Path("run-jsonl"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var entry struct {
		RunID string                `json:"run_id"`
		Kind  string                `json:"kind"`
		Data  harness.ToolCallTrace `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if entry.RunID != "run-jsonl" || entry.Kind != "tool_call" || entry.Data.ToolName != "weather" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestJSONLSinkRejectsUnsafeRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := NewJSONLSink(filepath.Join(dir, "ledgers"))
	for _, runID := range []string{"", "..", "../escape", "a/b"} {
		err := sink.Append(harness.ToolCallTrace{RunID: runID, ToolName: "weather"})
		if !errors.Is(err, harness.ErrInvalidRunID) {
			t.Fatalf("run id %q: expected ErrInvalidRunID, got %v", runID, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); !os.IsNotExist(err) {
		t.Fatalf("expected nothing written outside the sink directory, stat err=%v", err)
	}
}
