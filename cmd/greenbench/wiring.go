package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tiger/greenbench/internal/config"
	"github.com/tiger/greenbench/internal/fixtures"
	"github.com/tiger/greenbench/internal/harness"
	"github.com/tiger/greenbench/internal/observability/ledger"
	"github.com/tiger/greenbench/internal/observability/metrics"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
	"github.com/tiger/greenbench/internal/tools/registry"
)

// errNoLiveTool is the result of any call the fixture set cannot answer.
// The CLI evaluates recorded scenarios only and carries no live tool clients.
var errNoLiveTool = errors.New("no live implementation available")

// stack is every long-lived service one CLI invocation owns.
type stack struct {
	harness  *harness.Harness
	queue    *eventqueue.Queue
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	closers  []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore selects the fixture backend.
func openStore(cfg config.Config) (fixtures.Store, func() error, error) {
	switch cfg.FixtureStore {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return fixtures.NewRedisStore(client, fixtures.WithPrefix(cfg.RedisPrefix)), client.Close, nil
	case config.StoreFile:
		return fixtures.NewFileStore(cfg.FixturesDir), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown fixture store %q", config.ErrInvalid, cfg.FixtureStore)
	}
}

// newStack wires the queue, metrics, fixture store and harness from cfg.
func newStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	queue := eventqueue.New(eventqueue.Config{Capacity: cfg.EventQueueCapacity, Logger: logger})
	s := &stack{queue: queue, metrics: collector, gatherer: reg}
	s.closers = append(s.closers, queue.Close)
	if err := collector.RegisterQueue(
		func() float64 { return float64(queue.Stats().QueueDepth) },
		func() float64 { return float64(queue.Stats().Dropped) },
	); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("register queue metrics: %w", err)
	}

	opts := harness.Options{
		Seed:           &cfg.Seed,
		ScenarioID:     cfg.ScenarioID,
		UseFixtures:    cfg.UseFixtures,
		Registry:       registry.Default(),
		Publisher:      queue,
		Metrics:        collector,
		Logger:         logger,
		RequiredFields: cfg.RequiredFields,
	}
	if cfg.LedgerJSONLDir != "" {
		opts.LedgerSink = ledger.NewJSONLSink(cfg.LedgerJSONLDir)
	}
	if cfg.UseFixtures {
		store, closeStore, err := openStore(cfg)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, closeStore)
		opts.Fixtures = fixtures.NewRegistry(store,
			fixtures.WithLogger(logger),
			fixtures.WithMetrics(collector),
		)
	}

	h, err := harness.New(opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, name := range opts.Registry.AllowedTools() {
		tool := name
		h.RegisterFunc(tool, func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("%s: %w", tool, errNoLiveTool)
		})
	}
	s.harness = h
	return s, nil
}
