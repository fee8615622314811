package determinism

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tiger/greenbench/internal/observability/logging"
)

// seedModulus keeps every seed in the non-negative int32 range.
const seedModulus = int64(1) << 31

// SeedManager owns the seed of the active run and derives sub-seeds from it.
type SeedManager struct {
	mu      sync.RWMutex
	initial int64
	seed    int64
	rng     *rand.Rand
	logger  *slog.Logger
}

// NewSeedManager returns a manager for seed. A nil seed is generated from the
// wall clock and logged, since it is the only non-deterministic entry point.
func NewSeedManager(seed *int64, logger *slog.Logger) *SeedManager {
	return newSeedManager(seed, logger, time.Now)
}

func newSeedManager(seed *int64, logger *slog.Logger, now func() time.Time) *SeedManager {
	logger = logging.OrDiscard(logger)
	var value int64
	if seed != nil {
		value = *seed
	} else {
		value = now().UnixMilli() % seedModulus
		logger.Warn("no seed supplied, generated one from wall clock", "seed", value)
	}
	m := &SeedManager{initial: value, logger: logger}
	m.apply(value)
	return m
}

func (m *SeedManager) apply(seed int64) {
	m.seed = seed
	m.rng = rand.New(rand.NewSource(seed))
}

// Seed returns the current seed.
func (m *SeedManager) Seed() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seed
}

// SetSeed replaces the current seed and reseeds the generator.
func (m *SeedManager) SetSeed(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(seed)
}

// Reset restores the construction seed, or adopts seed when non-nil.
func (m *SeedManager) Reset(seed *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seed != nil {
		m.initial = *seed
	}
	m.apply(m.initial)
}

// Intn draws from the seeded generator.
func (m *SeedManager) Intn(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(n)
}

// Rand returns an independent generator seeded with DeriveSeed(context).
func (m *SeedManager) Rand(context string) *rand.Rand {
	return rand.New(rand.NewSource(m.DeriveSeed(context)))
}

// DeriveSeed derives a sub-seed for an independent randomness domain.
func (m *SeedManager) DeriveSeed(context string) int64 {
	return DeriveSeed(m.Seed(), context)
}

// HashRunID fingerprints a run without exposing the raw seed.
func (m *SeedManager) HashRunID(runID string) string {
	return HashRunID(m.Seed(), runID)
}

// DeriveSeed is the first 32 bits of md5("{seed}:{context}") reduced mod 2^31.
func DeriveSeed(seed int64, context string) int64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s", seed, context)))
	return int64(binary.BigEndian.Uint32(sum[:4])) % seedModulus
}

// HashRunID is the first 16 hex chars of sha256("{seed}:{runID}").
func HashRunID(seed int64, runID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", seed, runID)))
	return hex.EncodeToString(sum[:])[:16]
}
