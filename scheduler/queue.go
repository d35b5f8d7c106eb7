// Package scheduler is the job-scheduling host: a durable queue of timed jobs
// and a dispatcher that runs the ones that are due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gamedaylive/metrics"
	"gamedaylive/pkg/gameday"
	"gamedaylive/storage"
)

const (
	jobPrefix      = "jobs/"
	claimPrefix    = "jobs-claim/"
	deliveryPrefix = "jobs-delivery/"

	// jobRetention keeps a job around this long past its run time if nothing runs it.
	jobRetention = 7 * 24 * time.Hour

	// maxDeliveries bounds how often a job whose run never finished is handed out again.
	maxDeliveries = 3
)

// Queue stores scheduled jobs in the KV store.
type Queue struct {
	kv     storage.KV
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a store-backed job queue.
func NewQueue(kv storage.KV, logger *slog.Logger) *Queue {
	return &Queue{kv: kv, logger: logger, now: time.Now}
}

// WithClock replaces the clock used for retention.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Schedule stores the job and returns its id. Jobs in the past run on the next dispatch.
func (q *Queue) Schedule(ctx context.Context, job *gameday.Job) (string, error) {
	if !job.Kind.Valid() {
		return "", fmt.Errorf("schedule: unknown job kind %q", job.Kind)
	}
	stored := *job
	stored.ID = uuid.NewString()
	stored.CreatedAt = q.now().UTC()

	ttl := jobRetention
	if until := stored.RunAt.Sub(q.now()); until > 0 {
		ttl += until
	}
	if err := storage.SetJSON(ctx, q.kv, jobPrefix+stored.ID, &stored, ttl); err != nil {
		return "", fmt.Errorf("schedule %s: %w", job.Kind, err)
	}

	metrics.JobsScheduled.WithLabelValues(string(job.Kind)).Inc()
	q.logger.Info("Job scheduled",
		"job_id", stored.ID,
		"kind", stored.Kind,
		"title", stored.Title,
		"community", stored.Community,
		"run_at", stored.RunAt.UTC().Format(time.RFC3339))
	return stored.ID, nil
}

// Get returns a pending job, or gameday.ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*gameday.Job, error) {
	var job gameday.Job
	err := storage.GetJSON(ctx, q.kv, jobPrefix+id, &job)
	if storage.IsNotFound(err) {
		return nil, gameday.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &job, nil
}

// Cancel removes a pending job. Unknown ids return gameday.ErrJobNotFound.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	if err := q.kv.Delete(ctx, jobPrefix+id); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	q.logger.Info("Job cancelled", "job_id", id)
	return nil
}

// List returns every pending job ordered by run time. Jobs a dispatcher is
// running right now are left out.
func (q *Queue) List(ctx context.Context) ([]*gameday.Job, error) {
	keys, err := q.kv.Keys(ctx, jobPrefix)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	claimed, err := q.kv.Keys(ctx, claimPrefix)
	if err != nil {
		return nil, fmt.Errorf("list job claims: %w", err)
	}
	running := make(map[string]bool, len(claimed))
	for _, key := range claimed {
		running[strings.TrimPrefix(key, claimPrefix)] = true
	}

	jobs := make([]*gameday.Job, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, jobPrefix)
		if running[id] {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, gameday.ErrJobNotFound) {
				q.logger.Warn("Failed to load job", "key", key, "error", err)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].RunAt.Before(jobs[j].RunAt)
	})
	return jobs, nil
}

// claim takes a due job for one dispatcher. The job stays queued until
// complete, so a dispatcher that dies mid-run leaves it behind to be delivered
// again once the claim expires. A nil job means there is nothing to run: the
// job is claimed elsewhere, already gone, or out of deliveries.
func (q *Queue) claim(ctx context.Context, id string, ttl time.Duration) (*gameday.Job, error) {
	ok, err := q.kv.SetNX(ctx, claimPrefix+id, []byte(q.now().UTC().Format(time.RFC3339)), ttl)
	if err != nil || !ok {
		return nil, err
	}
	job, err := q.Get(ctx, id)
	if errors.Is(err, gameday.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		q.release(ctx, id)
		return nil, err
	}

	n := 1
	if data, err := q.kv.Get(ctx, deliveryPrefix+id); err == nil {
		if prev, convErr := strconv.Atoi(string(data)); convErr == nil {
			n = prev + 1
		}
	}
	if n > maxDeliveries {
		q.logger.Error("Dropping job that never finished",
			"job_id", id,
			"kind", job.Kind,
			"title", job.Title,
			"community", job.Community,
			"deliveries", n-1)
		metrics.JobsRun.WithLabelValues(string(job.Kind), "dropped").Inc()
		q.complete(ctx, id)
		return nil, nil
	}
	if err := q.kv.Set(ctx, deliveryPrefix+id, []byte(strconv.Itoa(n)), jobRetention); err != nil {
		q.logger.Warn("Failed to record job delivery", "job_id", id, "error", err)
	}
	if n > 1 {
		q.logger.Warn("Redelivering job", "job_id", id, "kind", job.Kind, "delivery", n)
	}
	return job, nil
}

// complete removes a job whose run finished. The claim is left to expire so a
// dispatcher holding a stale listing cannot run the job again.
func (q *Queue) complete(ctx context.Context, id string) {
	for _, key := range []string{jobPrefix + id, deliveryPrefix + id} {
		if err := q.kv.Delete(ctx, key); err != nil {
			q.logger.Warn("Failed to remove finished job", "key", key, "error", err)
		}
	}
}

// release drops the claim so the job is delivered again on the next dispatch.
func (q *Queue) release(ctx context.Context, id string) {
	if err := q.kv.Delete(ctx, claimPrefix+id); err != nil {
		q.logger.Warn("Failed to release job claim", "job_id", id, "error", err)
	}
}
