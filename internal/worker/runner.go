// Package worker executes queued tasks. A Runner polls the task queue on a
// fixed interval and also claims directly when nudged; the claim protocol
// decides which worker wins, so any number of runners may share a database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/metrics"
	"productshot/internal/queue"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 2 * time.Second
	finishTimeout       = 15 * time.Second
)

// Handler executes one claimed task.
type Handler interface {
	Handle(ctx context.Context, c *queue.Claim) (queue.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *queue.Claim) (queue.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, c *queue.Claim) (queue.Result, error) {
	return f(ctx, c)
}

// Queue is the part of the task queue a Runner needs.
type Queue interface {
	Claim(ctx context.Context, jobID string) (*queue.Claim, error)
	ClaimableJobIDs(ctx context.Context, limit int) ([]string, error)
	Complete(ctx context.Context, c *queue.Claim, res queue.Result) (domain.JobSnapshot, error)
	Fail(ctx context.Context, c *queue.Claim, f queue.Failure) (queue.Outcome, error)
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Metrics      *metrics.Metrics
}

type Runner struct {
	queue    Queue
	handlers map[domain.JobType]Handler
	slots    chan struct{}
	interval time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewRunner(q Queue, handlers map[domain.JobType]Handler, logger zerolog.Logger, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.Metrics{}
	}
	return &Runner{
		queue:    q,
		handlers: handlers,
		slots:    make(chan struct{}, opts.Concurrency),
		interval: opts.PollInterval,
		metrics:  opts.Metrics,
		logger:   infra.ComponentLogger(logger, "worker"),
	}
}

// Run claims and executes tasks until ctx is done, then waits for in-flight
// executions to return. nudges may be nil.
func (r *Runner) Run(ctx context.Context, nudges <-chan string) error {
	r.logger.Info().Int("concurrency", cap(r.slots)).Dur("poll_interval", r.interval).Msg("worker: started")
	defer r.wg.Wait()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("worker: stopping")
			return nil
		case jobID, ok := <-nudges:
			if !ok {
				r.logger.Warn().Msg("worker: nudge source closed, polling only")
				nudges = nil
				continue
			}
			r.metrics.IncNudges()
			if !r.start(ctx, jobID) {
				r.logger.Debug().Str("job_id", jobID).Msg("worker: nudged while busy, leaving it to the poll")
			}
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	free := cap(r.slots) - len(r.slots)
	if free <= 0 {
		return
	}
	ids, err := r.queue.ClaimableJobIDs(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("worker: poll failed")
		}
		return
	}
	for _, id := range ids {
		if !r.start(ctx, id) {
			return
		}
	}
}

// start runs jobID in a free slot. It reports false when every slot is busy.
func (r *Runner) start(ctx context.Context, jobID string) bool {
	select {
	case r.slots <- struct{}{}:
	default:
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.process(ctx, jobID)
	}()
	return true
}

// Process claims and executes the task of jobID once. Exposed for tests and
// one-shot tooling.
func (r *Runner) Process(ctx context.Context, jobID string) {
	r.process(ctx, jobID)
}

func (r *Runner) process(ctx context.Context, jobID string) {
	c, err := r.queue.Claim(ctx, jobID)
	switch {
	case errors.Is(err, queue.ErrNotClaimable):
		r.logger.Debug().Str("job_id", jobID).Msg("worker: not claimable")
		return
	case errors.Is(err, queue.ErrRetriesExhausted):
		r.metrics.IncExhausted()
		r.logger.Warn().Str("job_id", jobID).Msg("worker: retries exhausted, job failed")
		return
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: claim failed")
		}
		return
	}
	r.metrics.IncClaimed()

	log := r.logger.With().Str("job_id", c.JobID).Str("type", string(c.Type)).Int("attempt", c.Attempt).Logger()
	start := time.Now()
	res, execErr := r.execute(ctx, c, log)

	if execErr != nil && ctx.Err() != nil {
		// Left running; the staleness rule hands it to another worker.
		log.Warn().Err(execErr).Msg("worker: execution abandoned on shutdown")
		return
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if execErr == nil {
		_, err := r.queue.Complete(finishCtx, c, res)
		switch {
		case errors.Is(err, queue.ErrClaimLost):
			r.metrics.IncLost()
			log.Warn().Msg("worker: claim superseded, result discarded")
		case err != nil:
			log.Error().Err(err).Msg("worker: complete failed")
		default:
			r.metrics.IncCompleted()
			log.Info().Dur("took", time.Since(start)).Msg("worker: completed")
		}
		return
	}

	f := failureFor(execErr)
	out, err := r.queue.Fail(finishCtx, c, f)
	switch {
	case errors.Is(err, queue.ErrClaimLost):
		r.metrics.IncLost()
		log.Warn().Err(execErr).Msg("worker: claim superseded, failure discarded")
	case err != nil:
		log.Error().Err(err).AnErr("cause", execErr).Msg("worker: recording failure failed")
	case out.Retried:
		r.metrics.IncRetried()
		log.Warn().Err(execErr).Dur("delay", out.Delay).Msg("worker: will retry")
	default:
		r.metrics.IncFailed()
		log.Error().Err(execErr).Str("code", f.Code).Bool("refunded", out.Refunded).Msg("worker: failed")
	}
}

func (r *Runner) execute(ctx context.Context, c *queue.Claim, log zerolog.Logger) (res queue.Result, err error) {
	h, ok := r.handlers[c.Type]
	if !ok {
		return queue.Result{}, permanentWithCode(CodeUnsupportedType, fmt.Errorf("no handler for task type %q", c.Type))
	}
	defer func() {
		if p := recover(); p != nil {
			r.metrics.IncPanics()
			log.Error().Str("stack", string(debug.Stack())).Msgf("worker: handler panic: %v", p)
			res = queue.Result{}
			err = &panicError{value: p}
		}
	}()
	return h.Handle(ctx, c)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }
