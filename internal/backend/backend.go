// Package backend declares the capability a loaded model exposes to the
// registry and scheduler, plus a simulated implementation for development
// and tests (fixed token count and per-token latency; the words
// themselves are picked at random). Grounded on the teacher's
// pkg/worker/executor (GPUExecutor interface + SimulatedGPU), generalized
// from batch image classification to per-request token generation.
package backend

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

// Generator produces tokens for one request in a batch. emit is called
// once per generated token, in order; a non-nil return stops generation
// early and is surfaced to the caller.
type Generator interface {
	Generate(ctx context.Context, req *types.InferenceRequest, emit func(types.StreamToken) error) error
}

// HealthChecker is an optional capability; absence is treated as healthy
// per spec.md §4.4.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// Cleaner is an optional capability invoked on unload.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Handle is the full set of capabilities a loaded model may implement.
// Only Generator is mandatory.
type Handle interface {
	Generator
}

// Loader builds a Handle from a ModelConfig. Registered per model name.
type Loader func(ctx context.Context, config types.ModelConfig) (Handle, error)

// Simulated mimics token-by-token generation with a burst of CPU work up
// front plus a fixed sleep of tokenLatency before each token, adapted
// from the teacher's SimulatedGPU from per-batch to per-token streaming.
type Simulated struct {
	name          string
	tokenLatency  time.Duration
	failHealth    bool
	cleanupCalled bool
}

// NewSimulated builds a Simulated backend. A zero tokenLatency defaults
// to 8ms/token.
func NewSimulated(name string, tokenLatency time.Duration) *Simulated {
	if tokenLatency <= 0 {
		tokenLatency = 8 * time.Millisecond
	}
	return &Simulated{name: name, tokenLatency: tokenLatency}
}

var sampleWords = []string{
	"the", "model", "generates", "a", "plausible", "continuation",
	"token", "by", "token", "until", "it", "reaches", "the", "limit",
}

// Generate emits up to req.MaxTokens tokens, each after a simulated
// compute delay, respecting ctx cancellation between tokens.
func (s *Simulated) Generate(ctx context.Context, req *types.InferenceRequest, emit func(types.StreamToken) error) error {
	matrixWork(32)
	for i := 0; i < req.MaxTokens; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.tokenLatency):
		}

		word := sampleWords[rand.Intn(len(sampleWords))]
		tok := types.StreamToken{
			Token:   word,
			TokenID: i,
		}
		if i == req.MaxTokens-1 {
			tok.IsSpecial = true
		}
		if err := emit(tok); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck reports the backend's simulated health flag.
func (s *Simulated) HealthCheck(ctx context.Context) (bool, error) {
	if s.failHealth {
		return false, fmt.Errorf("simulated backend %s: forced unhealthy", s.name)
	}
	return true, nil
}

// Cleanup records that it ran; simulated backends hold no real resources.
func (s *Simulated) Cleanup(ctx context.Context) error {
	s.cleanupCalled = true
	return nil
}

// SetUnhealthy forces subsequent HealthCheck calls to fail, for tests.
func (s *Simulated) SetUnhealthy(unhealthy bool) { s.failHealth = unhealthy }

// CleanupCalled reports whether Cleanup has run, for tests.
func (s *Simulated) CleanupCalled() bool { return s.cleanupCalled }

// matrixWork performs an NxN matrix multiply to produce real CPU load,
// mirroring the teacher's warm-up/compute simulation technique.
func matrixWork(n int) float64 {
	a := make([]float64, n*n)
	b := make([]float64, n*n)
	for i := range a {
		a[i] = rand.Float64()
		b[i] = rand.Float64()
	}
	var sum float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var acc float64
			for k := 0; k < n; k++ {
				acc += a[i*n+k] * b[k*n+j]
			}
			sum += acc
		}
	}
	return sum
}
