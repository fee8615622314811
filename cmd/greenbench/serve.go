package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	api "github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/config"
	"github.com/tiger/greenbench/internal/observability/metrics"
	"github.com/tiger/greenbench/internal/streaming/wsbridge"
)

const (
	maxRunBody      = 8 << 20
	shutdownTimeout = 5 * time.Second
)

// server exposes one harness over HTTP. Runs are serialized; the harness
// holds a single active run.
type server struct {
	mu     sync.Mutex
	stack  *stack
	cfg    config.Config
	logger *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /events", wsbridge.NewHandler(s.stack.queue, s.logger, wsbridge.WithAllowedOrigins(s.cfg.AllowedOrigins...)))
	mux.Handle("GET /metrics", metrics.Handler(s.stack.gatherer))
	mux.HandleFunc("POST /runs", s.handleRun)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody))
	if err := dec.Decode(&req); err != nil {
		writeHTTPError(w, http.StatusBadRequest, fmt.Errorf("decode run request: %w", err))
		return
	}
	if len(req.Plan) == 0 {
		writeHTTPError(w, http.StatusBadRequest, errors.New("plan is required"))
		return
	}

	s.mu.Lock()
	summary, err := evaluate(r.Context(), s.stack, s.cfg, req)
	s.mu.Unlock()

	status := http.StatusOK
	switch {
	case errors.Is(err, api.ErrInvalidRunID):
		writeHTTPError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, errPlanRejected):
		status = http.StatusUnprocessableEntity
	case err != nil:
		s.logger.Error("run failed", "run_id", summary.RunID, "error", err)
		writeHTTPError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(summary)
}

func writeHTTPError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept runs over HTTP and stream harness events over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bindings := map[string]string{"metrics_addr": "addr", "allowed_origins": "allowed-origins"}
			for k, v := range runBindings {
				bindings[k] = v
			}
			cfg, err := loadConfig(cmd, bindings)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			st, err := newStack(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.MetricsAddr, err)
			}
			srv := &http.Server{
				Handler:           (&server{stack: st, cfg: cfg, logger: logger}).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serve(ctx, srv, ln, logger)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "listen address")
	f.StringSlice("allowed-origins", nil, "extra browser origins allowed to open the event stream")
	f.Int64("seed", 0, "fixture seed")
	f.String("scenario", "", "scenario id")
	f.String("fixtures", "", "fixture directory")
	f.String("fixture-store", "", "fixture store: file or redis")
	f.String("redis-addr", "", "redis address for the redis fixture store")
	f.String("out", "", "artifact output directory")
	f.String("agent", "", "agent name on the leaderboard row")
	f.Bool("use-fixtures", true, "resolve tool calls from fixtures")
	f.StringSlice("required-fields", nil, "submission fields required by schema validation")
	f.String("ledger-jsonl", "", "directory mirroring every trace as JSON lines")
	return cmd
}

// serve runs srv on ln until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("greenbench serving", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("greenbench stopped")
	return nil
}
