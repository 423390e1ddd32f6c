// Package worker runs the claim loop: it pulls jobs from the queue, keeps
// their leases alive, executes them through a Handler, and reports the
// outcome back to the queue.
//
// The worker is infrastructure and knows nothing about workflow semantics;
// those live in the Handler. Correctness across processes relies solely on
// the queue's claim guarantee.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentflow-go/queue"
)

// Result tells the pool how to settle the claimed job.
type Result int

const (
	// Done completes the job.
	Done Result = iota
	// Retry fails the job; the queue re-queues it with backoff or marks
	// it terminally failed.
	Retry
	// Abandon leaves the job running and stops renewing its lease, so
	// another worker reclaims it after expiry. Used on shutdown.
	Abandon
)

// Handler executes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (Result, error)
}

// TerminalFailureHandler is an optional Handler extension notified when a
// failed job has exhausted its retries.
type TerminalFailureHandler interface {
	OnTerminalFailure(ctx context.Context, job *queue.Job)
}

// Options tunes the pool. Zero values select the defaults.
type Options struct {
	// ID identifies this worker in job leases. Defaults to a UUID.
	ID string

	// Concurrency is the number of parallel claim loops.
	Concurrency int

	// Lease is the claim duration; renewal runs at a third of it.
	Lease time.Duration

	// PollMin and PollMax bound the idle poll backoff.
	PollMin time.Duration
	PollMax time.Duration

	// ReclaimInterval is the cadence of the expired-lease sweep.
	ReclaimInterval time.Duration

	// Grace is how long an in-flight job may keep running after the
	// shutdown signal before its context is cancelled.
	Grace time.Duration
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = "worker-" + uuid.NewString()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.PollMin <= 0 {
		o.PollMin = 500 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 5 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 30 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 30 * time.Second
	}
	return o
}

// Pool claims and executes jobs until its context is cancelled.
type Pool struct {
	queue   queue.Store
	handler Handler
	log     *zap.Logger
	opts    Options
}

func NewPool(q queue.Store, handler Handler, log *zap.Logger, opts Options) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Pool{
		queue:   q,
		handler: handler,
		log:     log.With(zap.String("worker_id", opts.ID)),
		opts:    opts,
	}
}

// ID returns the worker id used on leases.
func (p *Pool) ID() string { return p.opts.ID }

// Run blocks until ctx is cancelled and all claim loops have drained.
// Cancellation stops new claims immediately; in-flight jobs get the grace
// period before their run contexts are cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", zap.Int("concurrency", p.opts.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.reclaimLoop(gctx)
		return nil
	})
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error {
			p.claimLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimExpired(ctx, time.Now().UTC())
			if err != nil {
				p.log.Warn("reclaim sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Info("reclaimed expired leases", zap.Int("count", n))
			}
		}
	}
}

func (p *Pool) claimLoop(ctx context.Context) {
	poll := p.opts.PollMin
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, p.opts.ID, p.opts.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("claim failed", zap.Error(err))
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			poll *= 2
			if poll > p.opts.PollMax {
				poll = p.opts.PollMax
			}
			continue
		}
		poll = p.opts.PollMin
		p.process(ctx, job)
	}
}

// process executes one claimed job: lease renewal in the background, panic
// containment around the handler, and queue settlement per the result.
func (p *Pool) process(ctx context.Context, job *queue.Job) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("workflow_id", job.WorkflowID), zap.String("kind", string(job.Kind)))
	log.Info("job claimed", zap.Int("retry", job.RetryCount))

	// The run context outlives the shutdown signal by the grace period so
	// an in-flight job can finish; after that the engine sees the cancel
	// at its next step boundary.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	jobDone := make(chan struct{})
	defer close(jobDone)

	go func() {
		select {
		case <-jobDone:
		case <-ctx.Done():
			select {
			case <-jobDone:
			case <-time.After(p.opts.Grace):
				cancelRun()
			}
		}
	}()

	renewStop := make(chan struct{})
	go p.renewLoop(runCtx, job.ID, renewStop, log)

	result, handleErr := p.safeHandle(runCtx, job)
	close(renewStop)

	switch result {
	case Done:
		if err := p.queue.Complete(context.Background(), job.ID, p.opts.ID); err != nil {
			log.Error("failed to complete job", zap.Error(err))
			return
		}
		log.Info("job completed")
	case Retry:
		msg := "job failed"
		if handleErr != nil {
			msg = handleErr.Error()
		}
		if err := p.queue.Fail(context.Background(), job.ID, p.opts.ID, msg); err != nil {
			log.Error("failed to record job failure", zap.Error(err))
			return
		}
		log.Warn("job failed", zap.String("error", msg))
		p.notifyIfTerminal(job.ID)
	case Abandon:
		// Leave the row running; the lease lapses and another worker
		// reclaims it.
		log.Info("job abandoned for reclaim")
	}
}

// safeHandle contains handler panics so a bad job cannot kill the worker.
func (p *Pool) safeHandle(ctx context.Context, job *queue.Job) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Retry
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

// renewLoop extends the lease at a third of its duration until the job
// settles or the run context is cancelled.
func (p *Pool) renewLoop(ctx context.Context, jobID string, stop <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(p.opts.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Renew(ctx, jobID, p.opts.ID, p.opts.Lease); err != nil {
				log.Warn("lease renewal failed", zap.Error(err))
				return
			}
		}
	}
}

func (p *Pool) notifyIfTerminal(jobID string) {
	tfh, ok := p.handler.(TerminalFailureHandler)
	if !ok {
		return
	}
	job, err := p.queue.Get(context.Background(), jobID)
	if err != nil || job.Status != queue.StatusFailed {
		return
	}
	tfh.OnTerminalFailure(context.Background(), job)
}
