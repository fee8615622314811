package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiger/greenbench/api/harness"
)

// JSONLSink appends one JSON line per trace to {dir}/{run_id}/trace.jsonl so a
// crashed run still leaves its history on disk.
type JSONLSink struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

type jsonlEntry struct {
	TS    float64               `json:"ts"`
	RunID string                `json:"run_id"`
	Kind  string                `json:"kind"`
	Data  harness.ToolCallTrace `json:"data"`
}

// NewJSONLSink returns a sink writing under dir.
func NewJSONLSink(dir string) *JSONLSink {
	return &JSONLSink{dir: dir, now: time.Now}
}

// Path returns the trace file for runID.
func (s *JSONLSink) Path(runID string) string {
	return filepath.Join(s.dir, runID, "trace.jsonl")
}

// Append writes trace as a single line.
func (s *JSONLSink) Append(trace harness.ToolCallTrace) error {
	if err := harness.ValidateRunID(trace.RunID); err != nil {
		return err
	}
	line, err := json.Marshal(jsonlEntry{
		TS:    float64(s.now().UnixNano()) / 1e9,
		RunID: trace.RunID,
		Kind:  "tool_call",
		Data:  trace,
	})
	if err != nil {
		return fmt.Errorf("encode trace line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.Path(trace.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
