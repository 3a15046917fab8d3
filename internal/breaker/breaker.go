// Package breaker guards every outbound dependency with a named circuit
// breaker so a failing upstream sheds load instead of burning retries.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
)

// Dependency names. One breaker exists per dependency, shared across stages.
const (
	DepCollaborator    = "collaborator"
	DepObjectStore     = "object_store"
	DepTranscriber     = "transcriber"
	DepEmbedder        = "embedder"
	DepVideoChannelAPI = "video_channel_api"
	DepForumAPI        = "forum_api"
	DepMicroblogAPI    = "microblog_api"
)

// ErrCircuitOpen is returned when the breaker refuses a call without
// attempting it. Callers treat it as retryable: the job backs off and the
// breaker decides again on the next attempt.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// Settings tunes every breaker in a registry.
type Settings struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before letting probes
	// through.
	ResetTimeout time.Duration
	// HalfOpenProbes is how many concurrent probe calls a half-open circuit
	// admits.
	HalfOpenProbes int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 3
	}
	return s
}

// Registry lazily creates one breaker per dependency name.
type Registry struct {
	settings Settings
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds a Registry. A nil recorder falls back to the default
// metrics recorder.
func NewRegistry(settings Settings, recorder *metrics.Recorder, logger *slog.Logger) *Registry {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		settings: settings.withDefaults(),
		recorder: recorder,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) breaker(dependency string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[dependency]; ok {
		return cb
	}
	threshold := uint32(r.settings.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dependency,
		MaxRequests: uint32(r.settings.HalfOpenProbes),
		Timeout:     r.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.recorder.SetBreakerState(name, stateValue(to))
			r.logger.Info("breaker state change",
				"dependency", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	r.breakers[dependency] = cb
	r.recorder.SetBreakerState(dependency, stateValue(cb.State()))
	return cb
}

// Execute runs fn under the named breaker. An open circuit returns a
// circuit-open pipeline error without calling fn.
func (r *Registry) Execute(ctx context.Context, dependency string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return pipeline.Wrap(pipeline.KindCancelled, err)
	}
	_, err := r.breaker(dependency).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pipeline.Wrap(pipeline.KindCircuitOpen, ErrCircuitOpen)
	}
	return err
}

// State reports the current state of the named breaker, creating it closed
// if it does not exist yet.
func (r *Registry) State(dependency string) gobreaker.State {
	return r.breaker(dependency).State()
}

// States snapshots every instantiated breaker, for health reporting.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
