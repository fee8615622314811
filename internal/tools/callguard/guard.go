// Package callguard limits repeated tool calls within one run: a query may be
// attempted at most twice, a succeeded query is not re-run, and a tool that
// reports a permanent failure is blocked for the rest of the run.
//
// The guard is middleware. The runner itself never suppresses calls.
package callguard

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/tools/interceptor"
)

// PermanentFailureMarker in an error or result blocks the tool for the rest of the run.
const PermanentFailureMarker = "PERMANENT_FAILURE"

// DefaultMaxAttempts is the number of attempts allowed per tool and query.
const DefaultMaxAttempts = 2

var (
	// ErrBlocked is wrapped by every BlockedError.
	ErrBlocked = errors.New("tool call blocked")
	// ErrPermanentFailure marks calls blocked by an earlier permanent failure.
	ErrPermanentFailure = errors.New(PermanentFailureMarker)
)

// BlockedError describes a suppressed call.
type BlockedError struct {
	Tool     string
	Reason   string
	Attempts int
	Err      error
}

func (e *BlockedError) Error() string {
	if errors.Is(e.Err, ErrPermanentFailure) {
		return fmt.Sprintf("%s: Tool '%s' has permanently failed. %s. Cannot proceed with this tool.", PermanentFailureMarker, e.Tool, e.Reason)
	}
	return fmt.Sprintf("Tool '%s' has already been called %d times with similar parameters: %s", e.Tool, e.Attempts, e.Reason)
}

func (e *BlockedError) Unwrap() []error { return []error{ErrBlocked, e.Err} }

// Guard tracks attempts for one run. Reset it between runs.
type Guard struct {
	maxAttempts int
	logger      *slog.Logger

	mu        sync.Mutex
	attempts  map[string]int
	successes map[string]bool
	failures  map[string]string
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(g *Guard) {
		if n >= 1 {
			g.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = logging.OrDiscard(l) }
}

// New returns an empty guard.
func New(opts ...Option) *Guard {
	g := &Guard{maxAttempts: DefaultMaxAttempts, logger: logging.Discard()}
	for _, opt := range opts {
		opt(g)
	}
	g.Reset()
	return g
}

// Reset forgets all attempts, successes and failures.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = make(map[string]int)
	g.successes = make(map[string]bool)
	g.failures = make(map[string]string)
}

// Middleware returns the guard as interceptor middleware.
func (g *Guard) Middleware() interceptor.Middleware {
	return func(next interceptor.Tool) interceptor.Tool {
		return &guardedTool{next: next, g: g}
	}
}

type guardedTool struct {
	next interceptor.Tool
	g    *Guard
}

func (t *guardedTool) Name() string { return t.next.Name() }

func (t *guardedTool) Call(ctx context.Context, args map[string]any) (any, error) {
	name := t.next.Name()
	query := queryOf(args)
	if err := t.g.admit(name, query); err != nil {
		return nil, err
	}
	result, err := t.next.Call(ctx, args)
	t.g.observe(name, query, result, err)
	return result, err
}

func (g *Guard) admit(tool, query string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg, failed := g.failures[tool]; failed {
		g.logger.Warn("tool has permanent failure, blocking call", "tool", tool)
		return &BlockedError{Tool: tool, Reason: "Permanent failure: " + truncate(msg, 100), Attempts: g.maxAttempts, Err: ErrPermanentFailure}
	}
	key := Key(tool, query)
	if g.successes[key] {
		g.logger.Info("tool already succeeded for query, blocking duplicate", "tool", tool)
		return &BlockedError{Tool: tool, Reason: "Already succeeded", Attempts: g.attempts[key], Err: ErrBlocked}
	}
	count := g.attempts[key]
	if count >= g.maxAttempts {
		g.logger.Warn("attempt limit reached, blocking duplicate", "tool", tool, "attempts", count)
		return &BlockedError{Tool: tool, Reason: fmt.Sprintf("Maximum retry limit (%d) reached for this query", g.maxAttempts), Attempts: count, Err: ErrBlocked}
	}
	g.attempts[key] = count + 1
	return nil
}

func (g *Guard) observe(tool, query string, result any, err error) {
	text := ""
	if err != nil {
		text = err.Error()
	} else if result != nil {
		text = fmt.Sprint(result)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if isPermanentFailure(text) {
		g.failures[tool] = text
		g.logger.Warn("recorded permanent failure", "tool", tool, "message", truncate(text, 100))
		return
	}
	if err == nil && text != "" && !strings.HasPrefix(strings.ToLower(text), "error") {
		g.successes[Key(tool, query)] = true
	}
}

// Attempts returns the attempts recorded for tool and query.
func (g *Guard) Attempts(tool, query string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[Key(tool, query)]
}

// Key identifies a call: tool name plus the MD5 of the normalized query.
func Key(tool, query string) string {
	sum := md5.Sum([]byte(NormalizeQuery(query)))
	return tool + ":" + hex.EncodeToString(sum[:])
}

func isPermanentFailure(text string) bool {
	return strings.Contains(text, PermanentFailureMarker) || strings.Contains(strings.ToLower(text), "permanent failure")
}

func queryOf(args map[string]any) string {
	if q, ok := args["query"]; ok {
		return fmt.Sprint(q)
	}
	return fmt.Sprint(args)
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
