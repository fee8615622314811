// Package wsbridge streams event queue traffic to WebSocket clients.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tiger/greenbench/api/eventabi"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
)

const (
	defaultWriteWait  = 5 * time.Second
	closeGracePeriod  = time.Second
	runFilterQueryKey = "run_id"
)

// Subscriber writes each event as a JSON text frame. Write failures leave the
// connection unusable, so every one is reported as eventqueue.ErrDisconnected.
type Subscriber struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	runID     string
	writeWait time.Duration
	closed    bool
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithRunFilter forwards only events for runID. Empty forwards everything.
func WithRunFilter(runID string) SubscriberOption {
	return func(s *Subscriber) { s.runID = runID }
}

// WithWriteWait bounds each frame write.
func WithWriteWait(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if d > 0 {
			s.writeWait = d
		}
	}
}

// NewSubscriber wraps conn.
func NewSubscriber(conn *websocket.Conn, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{conn: conn, writeWait: defaultWriteWait}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver implements eventqueue.Subscriber.
func (s *Subscriber) Deliver(ctx context.Context, e eventabi.Event) error {
	if s.runID != "" && e.RunID != s.runID {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eventqueue.ErrDisconnected
	}
	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.closed = true
		return fmt.Errorf("%w: %v", eventqueue.ErrDisconnected, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed = true
		return fmt.Errorf("%w: %v", eventqueue.ErrDisconnected, err)
	}
	return nil
}

// Close sends a normal close frame and closes the connection.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.conn.Close()
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return s.conn.Close()
}

// Source is the subscription side of the event queue.
type Source interface {
	Subscribe(eventqueue.Subscriber) (unsubscribe func())
}

// Handler upgrades requests and streams events until the client disconnects.
// A run_id query parameter limits the stream to one run.
type Handler struct {
	source   Source
	upgrader websocket.Upgrader
	origins  map[string]bool
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins accepts browser connections from the listed origins in
// addition to same-origin ones. "*" accepts any origin.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *Handler) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				h.origins[strings.ToLower(o)] = true
			}
		}
	}
}

// NewHandler returns a handler subscribing connections to source. Without
// WithAllowedOrigins, cross-origin browser connections are refused.
func NewHandler(source Source, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		source:  source,
		origins: make(map[string]bool),
		logger:  logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured allow-list.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] || h.origins[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sub := NewSubscriber(conn, WithRunFilter(r.URL.Query().Get(runFilterQueryKey)))
	unsubscribe := h.source.Subscribe(sub)
	h.logger.Info("event stream opened", "remote", r.RemoteAddr, "run_id", sub.runID)
	defer func() {
		unsubscribe()
		_ = sub.Close()
		h.logger.Info("event stream closed", "remote", r.RemoteAddr)
	}()

	// Clients only send close frames; reading drives control frame handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("event stream read failed", "error", err)
			}
			return
		}
	}
}
