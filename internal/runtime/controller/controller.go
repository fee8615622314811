// Package controller tracks the lifecycle of the active evaluation run.
package controller

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/runtime/determinism"
)

// Controller owns run identity, the seed manager and run-scoped state.
type Controller struct {
	mu         sync.RWMutex
	seeds      *determinism.SeedManager
	scenarioID string
	runID      string
	state      map[string]any
	logger     *slog.Logger
	newID      func() string
}

// New returns a controller with no active run.
func New(seed *int64, scenarioID string, logger *slog.Logger) *Controller {
	logger = logging.OrDiscard(logger)
	return &Controller{
		seeds:      determinism.NewSeedManager(seed, logger),
		scenarioID: scenarioID,
		state:      make(map[string]any),
		logger:     logger,
		newID:      func() string { return uuid.NewString() },
	}
}

// StartRun activates runID, generating a UUID when empty, and clears run state.
func (c *Controller) StartRun(runID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID == "" {
		runID = c.newID()
	}
	c.runID = runID
	c.state = make(map[string]any)
	c.logger.Info("run started", "run_id", runID, "seed", c.seeds.Seed(), "scenario_id", c.scenarioID)
	return runID
}

// RunID returns the active run id, or "".
func (c *Controller) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// RunHash fingerprints the active run, or returns "" when none is active.
func (c *Controller) RunHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runID == "" {
		return ""
	}
	return c.seeds.HashRunID(c.runID)
}

// Seed returns the seed of the active run.
func (c *Controller) Seed() int64 {
	return c.seeds.Seed()
}

// Seeds exposes the seed manager for sub-seed derivation.
func (c *Controller) Seeds() *determinism.SeedManager {
	return c.seeds
}

// ScenarioID returns the configured scenario.
func (c *Controller) ScenarioID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scenarioID
}

// SetScenarioID changes the scenario for subsequent runs.
func (c *Controller) SetScenarioID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenarioID = id
}

// Reset ends the active run and restores (or replaces) the seed.
func (c *Controller) Reset(seed *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds.Reset(seed)
	c.runID = ""
	c.state = make(map[string]any)
	c.logger.Info("controller reset", "seed", c.seeds.Seed())
}

// SetState stores run-scoped state.
func (c *Controller) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// GetState returns run-scoped state or def.
func (c *Controller) GetState(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.state[key]; ok {
		return v
	}
	return def
}
