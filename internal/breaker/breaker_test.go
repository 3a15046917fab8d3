package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
)

func newTestRegistry(settings Settings) (*Registry, *metrics.Recorder) {
	recorder := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(settings, recorder, logger), recorder
}

func TestRegistryOpensAfterConsecutiveFailures(t *testing.T) {
	registry, _ := newTestRegistry(Settings{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	boom := errors.New("collaborator 503")

	for i := 0; i < 3; i++ {
		err := registry.Execute(ctx, DepCollaborator, func() error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want upstream error", i, err)
		}
	}
	if state := registry.State(DepCollaborator); state != gobreaker.StateOpen {
		t.Fatalf("state after threshold = %v, want open", state)
	}

	called := false
	err := registry.Execute(ctx, DepCollaborator, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit err = %v, want ErrCircuitOpen", err)
	}
	if pipeline.Classify(err) != pipeline.KindCircuitOpen {
		t.Fatalf("open circuit kind = %v", pipeline.Classify(err))
	}
	if called {
		t.Fatalf("open circuit still invoked the call")
	}
}

func TestRegistrySuccessResetsFailureCount(t *testing.T) {
	registry, _ := newTestRegistry(Settings{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()
	boom := errors.New("timeout")

	_ = registry.Execute(ctx, DepTranscriber, func() error { return boom })
	if err := registry.Execute(ctx, DepTranscriber, func() error { return nil }); err != nil {
		t.Fatalf("successful call: %v", err)
	}
	_ = registry.Execute(ctx, DepTranscriber, func() error { return boom })
	if state := registry.State(DepTranscriber); state != gobreaker.StateClosed {
		t.Fatalf("state = %v, want closed: success should reset the streak", state)
	}
}

func TestRegistryIsolatesDependencies(t *testing.T) {
	registry, _ := newTestRegistry(Settings{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = registry.Execute(ctx, DepObjectStore, func() error { return errors.New("down") })
	if state := registry.State(DepObjectStore); state != gobreaker.StateOpen {
		t.Fatalf("object store state = %v, want open", state)
	}
	if err := registry.Execute(ctx, DepEmbedder, func() error { return nil }); err != nil {
		t.Fatalf("embedder tripped by object store failures: %v", err)
	}
}

func TestRegistryRecoversThroughHalfOpen(t *testing.T) {
	registry, _ := newTestRegistry(Settings{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenProbes:   1,
	})
	ctx := context.Background()

	_ = registry.Execute(ctx, DepForumAPI, func() error { return errors.New("down") })
	if state := registry.State(DepForumAPI); state != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", state)
	}

	time.Sleep(30 * time.Millisecond)
	if err := registry.Execute(ctx, DepForumAPI, func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if state := registry.State(DepForumAPI); state != gobreaker.StateClosed {
		t.Fatalf("state after probe = %v, want closed", state)
	}
}

func TestRegistryCancelledContextShortCircuits(t *testing.T) {
	registry, _ := newTestRegistry(Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := registry.Execute(ctx, DepCollaborator, func() error { return nil })
	if pipeline.Classify(err) != pipeline.KindCancelled {
		t.Fatalf("kind = %v, want cancelled", pipeline.Classify(err))
	}
}
