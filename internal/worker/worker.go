// Package worker drives the pipeline: per-queue bounded pools that reserve
// jobs, renew visibility leases, map handler outcomes to queue transitions,
// and fire due schedules.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

// Handler processes one reserved job. The error (classified through the
// pipeline taxonomy) decides the queue transition.
type Handler func(ctx context.Context, env *queue.Envelope) error

const (
	defaultIdleSleep     = 500 * time.Millisecond
	defaultGracePeriod   = 30 * time.Second
	schedulerInterval    = time.Second
	heartbeatDenominator = 3
)

type pool struct {
	queue       string
	handler     Handler
	concurrency int
}

// Runtime runs the registered queue handlers until its context is cancelled.
type Runtime struct {
	store    queue.Store
	recorder *metrics.Recorder
	logger   *slog.Logger
	workerID string
	lease    time.Duration
	grace    time.Duration
	idle     time.Duration
	pools    []pool
}

// Options tunes the runtime; zero values use the defaults.
type Options struct {
	Lease       time.Duration
	GracePeriod time.Duration
	IdleSleep   time.Duration
}

func NewRuntime(store queue.Store, recorder *metrics.Recorder, logger *slog.Logger, opts Options) *Runtime {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Lease <= 0 {
		opts.Lease = queue.DefaultLease
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = defaultIdleSleep
	}
	host, _ := os.Hostname()
	return &Runtime{
		store:    store,
		recorder: recorder,
		logger:   logging.WithComponent(logger, "worker"),
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		lease:    opts.Lease,
		grace:    opts.GracePeriod,
		idle:     opts.IdleSleep,
	}
}

// Register adds a handler pool for one queue. Must be called before Run.
func (r *Runtime) Register(queueName string, handler Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	r.pools = append(r.pools, pool{queue: queueName, handler: handler, concurrency: concurrency})
}

// Run serves all registered queues until ctx is cancelled, then drains:
// reservation stops immediately, in-flight jobs get the grace period, and
// whatever remains is cancelled and released back to WAITING.
func (r *Runtime) Run(ctx context.Context) error {
	// jobCtx outlives ctx by the grace period so in-flight work can finish.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(r.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelJobs()
		case <-jobCtx.Done():
		}
	}()

	var g errgroup.Group
	for _, p := range r.pools {
		p := p
		for i := 0; i < p.concurrency; i++ {
			g.Go(func() error {
				r.serve(ctx, jobCtx, p)
				return nil
			})
		}
	}
	g.Go(func() error {
		r.runScheduler(ctx)
		return nil
	})
	err := g.Wait()
	cancelJobs()
	return err
}

// serve is one worker loop: reserve, handle, settle.
func (r *Runtime) serve(ctx, jobCtx context.Context, p pool) {
	for ctx.Err() == nil {
		env, err := r.store.Reserve(ctx, p.queue, r.workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("reserve failed", "queue", p.queue, "error", err)
			sleep(ctx, r.idle)
			continue
		}
		if env == nil {
			sleep(ctx, r.idle)
			continue
		}
		r.handle(jobCtx, p, env)
	}
}

func (r *Runtime) handle(jobCtx context.Context, p pool, env *queue.Envelope) {
	r.recorder.JobStarted(p.queue)
	defer r.recorder.JobFinished(p.queue)

	handlerCtx, cancel := context.WithCancel(jobCtx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeat(handlerCtx, p.queue, env.JobID)
	}()

	err := p.handler(handlerCtx, env)
	cancel()
	wg.Wait()

	r.settle(p, env, err)
}

// settle maps the handler outcome to a queue transition. Settlement runs on a
// fresh context so a cancelled job can still be released.
func (r *Runtime) settle(p pool, env *queue.Envelope, handlerErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := r.logger.With("queue", p.queue, "job_id", env.JobID, "attempt", env.Attempt)

	switch {
	case handlerErr == nil:
		if err := r.store.Complete(ctx, p.queue, env.JobID); err != nil {
			logger.Error("complete failed", "error", err)
		}
		r.recorder.ObserveJob(p.queue, "completed")
	case pipeline.Classify(handlerErr) == pipeline.KindCancelled:
		// Shutdown took the job away mid-flight; put it back untouched.
		if err := r.store.Release(ctx, p.queue, env.JobID); err != nil {
			logger.Error("release failed", "error", err)
		}
		r.recorder.ObserveJob(p.queue, "released")
		logger.Info("job released on cancellation")
	case pipeline.Retryable(handlerErr):
		if err := r.store.Fail(ctx, p.queue, env.JobID, handlerErr.Error()); err != nil {
			logger.Error("fail transition failed", "error", err)
		}
		r.recorder.ObserveJob(p.queue, "failed")
		logger.Warn("job failed", "error", handlerErr)
	default:
		if err := r.store.Discard(ctx, p.queue, env.JobID, handlerErr.Error()); err != nil {
			logger.Error("discard failed", "error", err)
		}
		r.recorder.ObserveJob(p.queue, "discarded")
		logger.Warn("job discarded", "error", handlerErr)
	}
}

// heartbeat renews the visibility lease while the handler runs.
func (r *Runtime) heartbeat(ctx context.Context, queueName, jobID string) {
	interval := r.lease / heartbeatDenominator
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, queueName, jobID, r.lease); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("heartbeat failed", "queue", queueName, "job_id", jobID, "error", err)
				}
				return
			}
		}
	}
}

// runScheduler fires due repeating schedules until shutdown.
func (r *Runtime) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fired, err := r.store.RunDueSchedules(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("schedule sweep failed", "error", err)
				}
				continue
			}
			for _, name := range fired {
				r.logger.Info("schedule fired", "schedule", name)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
