package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiger/greenbench/api/eventabi"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func waitForSubscribers(t *testing.T, q *eventqueue.Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Subscribers == n }, 2*time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) eventabi.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	var e eventabi.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestHandlerStreamsEventsInOrder(t *testing.T) {
	t.Parallel()

	q := eventqueue.New(eventqueue.Config{})
	defer q.Close()
	srv := httptest.NewServer(NewHandler(q, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	waitForSubscribers(t, q, 1)

	q.Put(eventabi.NewToolCall("run-1", "flight_search", map[string]any{"query": "SFO to JFK"}, 1))
	q.Put(eventabi.NewToolCall("run-1", "hotel_search", map[string]any{"query": "Midtown"}, 2))

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	assert.Equal(t, "flight_search", first.ToolCall.ToolName)
	assert.Equal(t, "hotel_search", second.ToolCall.ToolName)
	require.NoError(t, first.Validate())
}

func TestHandlerFiltersByRun(t *testing.T) {
	t.Parallel()

	q := eventqueue.New(eventqueue.Config{})
	defer q.Close()
	srv := httptest.NewServer(NewHandler(q, nil))
	defer srv.Close()

	conn := dial(t, srv, "?run_id=run-2")
	defer conn.Close()
	waitForSubscribers(t, q, 1)

	q.Put(eventabi.NewToolCall("run-1", "weather", nil, 1))
	q.Put(eventabi.NewToolCall("run-2", "restaurant_search", nil, 2))

	e := readEvent(t, conn)
	assert.Equal(t, "run-2", e.RunID)
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	t.Parallel()

	q := eventqueue.New(eventqueue.Config{})
	defer q.Close()
	srv := httptest.NewServer(NewHandler(q, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForSubscribers(t, q, 1)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	waitForSubscribers(t, q, 0)
}

func TestSubscriberReportsDisconnectAfterClose(t *testing.T) {
	t.Parallel()

	subs := make(chan *Subscriber, 1)
	srv := httptest.NewServer(NewHandler(sourceFunc(func(s eventqueue.Subscriber) func() {
		subs <- s.(*Subscriber)
		return func() {}
	}), nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	sub := <-subs
	require.NoError(t, sub.Close())

	err := sub.Deliver(context.Background(), eventabi.NewToolCall("run-1", "weather", nil, 1))
	assert.True(t, errors.Is(err, eventqueue.ErrDisconnected), "got %v", err)
}

type sourceFunc func(eventqueue.Subscriber) func()

func (f sourceFunc) Subscribe(s eventqueue.Subscriber) func() { return f(s) }

func TestHandlerChecksOrigin(t *testing.T) {
	t.Parallel()

	q := eventqueue.New(eventqueue.Config{})
	defer q.Close()
	strict := httptest.NewServer(NewHandler(q, nil))
	defer strict.Close()
	allowing := httptest.NewServer(NewHandler(q, nil, WithAllowedOrigins("https://Dash.example.com/")))
	defer allowing.Close()

	try := func(srv *httptest.Server, origin string) (*websocket.Conn, int, error) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
		conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return conn, status, err
	}

	_, status, err := try(strict, "https://evil.example.com")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, status)

	conn, _, err := try(strict, strict.URL)
	require.NoError(t, err)
	_ = conn.Close()

	conn, _, err = try(allowing, "https://dash.example.com")
	require.NoError(t, err)
	_ = conn.Close()

	_, status, err = try(allowing, "https://evil.example.com")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, status)
}
