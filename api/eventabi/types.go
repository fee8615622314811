package eventabi

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tiger/greenbench/api/harness"
)

// SchemaVersion is stamped on every streamed event.
const SchemaVersion = "v1.0"

// EventType names a harness stream event.
type EventType string

const (
	EventToolCall        EventType = "tool_call"
	EventFixtureResponse EventType = "fixture_response"
	EventTraceUpdate     EventType = "trace_update"
)

// ToolCallPayload is emitted before a tool call is resolved.
type ToolCallPayload struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	RunID     string         `json:"run_id,omitempty"`
}

// FixtureResponsePayload is emitted when a fixture satisfied a call.
type FixtureResponsePayload struct {
	ToolName string                  `json:"tool_name"`
	Data     any                     `json:"data"`
	Metadata harness.FixtureMetadata `json:"metadata"`
	Format   harness.FixtureFormat   `json:"format"`
}

// TraceUpdatePayload is emitted after every ledger append.
type TraceUpdatePayload struct {
	Trace      harness.ToolCallTrace `json:"trace"`
	TraceCount int                   `json:"trace_count"`
}

// Event is the envelope delivered to stream subscribers.
type Event struct {
	SchemaVersion   string                  `json:"schema_version"`
	Type            EventType               `json:"type"`
	RunID           string                  `json:"run_id,omitempty"`
	TimestampMS     int64                   `json:"timestamp_ms"`
	ToolCall        *ToolCallPayload        `json:"tool_call,omitempty"`
	FixtureResponse *FixtureResponsePayload `json:"fixture_response,omitempty"`
	TraceUpdate     *TraceUpdatePayload     `json:"trace_update,omitempty"`
}

var schemaVersionRE = regexp.MustCompile(`^v[0-9]+\.[0-9]+(?:\.[0-9]+)?$`)

// Validate checks that exactly the payload matching Type is present.
func (e Event) Validate() error {
	if !schemaVersionRE.MatchString(e.SchemaVersion) {
		return fmt.Errorf("invalid schema_version: %q", e.SchemaVersion)
	}
	if e.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	payloads := 0
	for _, present := range []bool{e.ToolCall != nil, e.FixtureResponse != nil, e.TraceUpdate != nil} {
		if present {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("event must carry exactly one payload, got %d", payloads)
	}
	switch e.Type {
	case EventToolCall:
		if e.ToolCall == nil {
			return fmt.Errorf("tool_call event requires tool_call payload")
		}
		if strings.TrimSpace(e.ToolCall.ToolName) == "" {
			return fmt.Errorf("tool_call.tool_name is required")
		}
	case EventFixtureResponse:
		if e.FixtureResponse == nil {
			return fmt.Errorf("fixture_response event requires fixture_response payload")
		}
		if strings.TrimSpace(e.FixtureResponse.ToolName) == "" {
			return fmt.Errorf("fixture_response.tool_name is required")
		}
	case EventTraceUpdate:
		if e.TraceUpdate == nil {
			return fmt.Errorf("trace_update event requires trace_update payload")
		}
		if e.TraceUpdate.TraceCount < 1 {
			return fmt.Errorf("trace_update.trace_count must be >= 1")
		}
	default:
		return fmt.Errorf("invalid event type: %q", e.Type)
	}
	return nil
}

// NewToolCall builds a tool_call event.
func NewToolCall(runID, toolName string, args map[string]any, tsMS int64) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		Type:          EventToolCall,
		RunID:         runID,
		TimestampMS:   tsMS,
		ToolCall:      &ToolCallPayload{ToolName: toolName, Arguments: args, RunID: runID},
	}
}

// NewFixtureResponse builds a fixture_response event.
func NewFixtureResponse(runID string, resp harness.FixtureResponse, tsMS int64) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		Type:          EventFixtureResponse,
		RunID:         runID,
		TimestampMS:   tsMS,
		FixtureResponse: &FixtureResponsePayload{
			ToolName: resp.Metadata.ToolName,
			Data:     resp.Data,
			Metadata: resp.Metadata,
			Format:   resp.Format,
		},
	}
}

// NewTraceUpdate builds a trace_update event.
func NewTraceUpdate(trace harness.ToolCallTrace, count int, tsMS int64) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		Type:          EventTraceUpdate,
		RunID:         trace.RunID,
		TimestampMS:   tsMS,
		TraceUpdate:   &TraceUpdatePayload{Trace: trace, TraceCount: count},
	}
}
