package generator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

// Satisfied failure messages mirror the kinds of faults a real inference
// backend would report.
var failureMessages = []string{
	"model temporarily unavailable",
	"generation timeout",
	"invalid prompt processing",
	"resource allocation failed",
	"model inference error",
}

// Simulated is a mock generation backend with a configurable failure rate
// and latency window. It stands in for a real model endpoint.
type Simulated struct {
	cfg SimulatedConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulatedConfig configures a Simulated backend.
type SimulatedConfig struct {
	// BaseURL is the prefix of fabricated image URLs.
	BaseURL string
	// FailureRate in [0, 1]; the default is 0.05.
	FailureRate float64
	// MinDelay/MaxDelay bound the simulated processing time; both zero
	// disables the delay entirely (useful in tests).
	MinDelay time.Duration
	MaxDelay time.Duration
	// Seed fixes the RNG for reproducible runs; 0 seeds from the clock.
	Seed int64
}

// NewSimulated builds a simulated backend.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://placeholder.example/image"
	}
	if cfg.FailureRate < 0 {
		cfg.FailureRate = 0
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

var _ Backend = (*Simulated)(nil)

// Generate simulates processing latency, fails at the configured rate, and
// otherwise fabricates a unique placeholder URL.
func (s *Simulated) Generate(ctx context.Context, req ledger.Request) (string, error) {
	if delay := s.delay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	pick := s.rng.Intn(len(failureMessages))
	s.mu.Unlock()

	if roll < s.cfg.FailureRate {
		return "", errors.New(failureMessages[pick])
	}
	return placeholderURL(s.cfg.BaseURL, req.ID, time.Now()), nil
}

func (s *Simulated) delay() time.Duration {
	if s.cfg.MaxDelay <= 0 {
		return 0
	}
	min := s.cfg.MinDelay
	if min < 0 {
		min = 0
	}
	if s.cfg.MaxDelay <= min {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(s.cfg.MaxDelay-min)))
}
