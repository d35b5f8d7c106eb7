package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gamedaylive/metrics"
	"gamedaylive/pkg/gameday"
)

// HandlerFunc runs one job.
type HandlerFunc func(ctx context.Context, job *gameday.Job) error

// Dispatcher runs due jobs from a Queue. Several dispatchers may share one
// store; the per-job claim keeps each job to a single run.
type Dispatcher struct {
	queue    *Queue
	logger   *slog.Logger
	handlers map[gameday.JobKind]HandlerFunc
	mu       sync.RWMutex
	limit    int
	claimTTL time.Duration
}

// NewDispatcher creates a dispatcher running at most limit jobs concurrently.
func NewDispatcher(queue *Queue, limit int, logger *slog.Logger) *Dispatcher {
	if limit <= 0 {
		limit = 4
	}
	return &Dispatcher{
		queue:    queue,
		logger:   logger,
		handlers: make(map[gameday.JobKind]HandlerFunc),
		limit:    limit,
		claimTTL: 10 * time.Minute,
	}
}

// Handle registers the handler for a job kind.
func (d *Dispatcher) Handle(kind gameday.JobKind, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) handler(kind gameday.JobKind) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// RunDue claims and runs every job whose run time is at or before now.
// It returns how many jobs ran. Handler errors are logged and counted, not returned.
func (d *Dispatcher) RunDue(ctx context.Context, now time.Time) (int, error) {
	jobs, err := d.queue.List(ctx)
	if err != nil {
		return 0, err
	}

	var ran atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)

	for _, job := range jobs {
		if job.RunAt.After(now) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			claimed, err := d.queue.claim(gctx, job.ID, d.claimTTL)
			if err != nil {
				d.logger.Warn("Job claim failed", "job_id", job.ID, "error", err)
				return nil
			}
			if claimed == nil {
				metrics.JobsRun.WithLabelValues(string(job.Kind), "skipped").Inc()
				return nil
			}
			ran.Add(1)
			finished := d.run(gctx, claimed)
			bg := context.WithoutCancel(gctx)
			if finished {
				d.queue.complete(bg, claimed.ID)
			} else {
				d.queue.release(bg, claimed.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(ran.Load()), err
	}
	return int(ran.Load()), nil
}

// run executes the job's handler. It reports whether the run finished: a
// panic or a cancelled context leaves the job to be delivered again.
func (d *Dispatcher) run(ctx context.Context, job *gameday.Job) bool {
	h, ok := d.handler(job.Kind)
	if !ok {
		d.logger.Error("No handler for job kind", "job_id", job.ID, "kind", job.Kind)
		metrics.JobsRun.WithLabelValues(string(job.Kind), "error").Inc()
		return true
	}

	start := time.Now()
	err := d.safeRun(ctx, h, job)
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if errors.Is(err, errHandlerPanic) || ctx.Err() != nil {
		metrics.JobsRun.WithLabelValues(string(job.Kind), "error").Inc()
		d.logger.Error("Job interrupted, leaving it for redelivery",
			"job_id", job.ID,
			"kind", job.Kind,
			"title", job.Title,
			"community", job.Community,
			"error", err)
		return false
	}
	if err != nil {
		metrics.JobsRun.WithLabelValues(string(job.Kind), "error").Inc()
		d.logger.Error("Job failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"title", job.Title,
			"community", job.Community,
			"error", err)
		return true
	}
	metrics.JobsRun.WithLabelValues(string(job.Kind), "ok").Inc()
	d.logger.Info("Job completed",
		"job_id", job.ID,
		"kind", job.Kind,
		"community", job.Community,
		"duration", time.Since(start).Round(time.Millisecond))
	return true
}

var errHandlerPanic = errors.New("handler panicked")

// safeRun turns a handler panic into an error so one job cannot take the process down.
func (d *Dispatcher) safeRun(ctx context.Context, h HandlerFunc, job *gameday.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", errHandlerPanic, job.Kind, r)
		}
	}()
	return h(ctx, job)
}

// Run dispatches due jobs every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("Dispatcher started", "interval", interval, "concurrency", d.limit)
	for {
		if _, err := d.RunDue(ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("Dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}
