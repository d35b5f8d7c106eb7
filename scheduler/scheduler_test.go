package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamedaylive/pkg/gameday"
	"gamedaylive/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func updateJob(t *testing.T, runAt time.Time, post string) *gameday.Job {
	t.Helper()
	job, err := gameday.NewJob(gameday.JobUpdateLive, runAt, &gameday.UpdatePayload{
		Community: "leafs",
		JobTitle:  "update live " + post,
		PostID:    post,
		GameID:    2024020500,
	})
	require.NoError(t, err)
	return job
}

func TestQueueScheduleListCancel(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemory(), testLogger())
	base := time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC)

	late, err := q.Schedule(ctx, updateJob(t, base.Add(time.Hour), "t3_b"))
	require.NoError(t, err)
	early, err := q.Schedule(ctx, updateJob(t, base, "t3_a"))
	require.NoError(t, err)
	assert.NotEqual(t, late, early)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early, jobs[0].ID, "ordered by run time")
	assert.Equal(t, late, jobs[1].ID)
	assert.Equal(t, "leafs", jobs[0].Community)

	require.NoError(t, q.Cancel(ctx, early))
	assert.ErrorIs(t, q.Cancel(ctx, early), gameday.ErrJobNotFound)
	assert.ErrorIs(t, q.Cancel(ctx, "missing"), gameday.ErrJobNotFound)

	jobs, err = q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, late, jobs[0].ID)
}

func TestQueueRejectsUnknownKind(t *testing.T) {
	q := NewQueue(storage.NewMemory(), testLogger())
	_, err := q.Schedule(context.Background(), &gameday.Job{Kind: "bogus"})
	assert.Error(t, err)
}

func TestRunDueRunsOnlyDueJobs(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemory(), testLogger())
	d := NewDispatcher(q, 2, testLogger())
	now := time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var seen []string
	d.Handle(gameday.JobUpdateLive, func(_ context.Context, job *gameday.Job) error {
		p, err := gameday.DecodePayload[gameday.UpdatePayload](job)
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, p.PostID)
		mu.Unlock()
		return nil
	})

	_, err := q.Schedule(ctx, updateJob(t, now.Add(-time.Minute), "t3_past"))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, updateJob(t, now, "t3_now"))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, updateJob(t, now.Add(time.Minute), "t3_future"))
	require.NoError(t, err)

	ran, err := d.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.ElementsMatch(t, []string{"t3_past", "t3_now"}, seen)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "ran jobs leave the queue")

	ran, err = d.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, ran, "a job runs once")
}

func TestRunDueHandlerErrorsAndPanics(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(storage.NewMemory(), testLogger())
	d := NewDispatcher(q, 1, testLogger())
	now := time.Now()

	d.Handle(gameday.JobUpdateLive, func(_ context.Context, job *gameday.Job) error {
		p, _ := gameday.DecodePayload[gameday.UpdatePayload](job)
		if p.PostID == "t3_panic" {
			panic("boom")
		}
		return errors.New("failed")
	})

	_, err := q.Schedule(ctx, updateJob(t, now.Add(-time.Second), "t3_err"))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, updateJob(t, now.Add(-time.Second), "t3_panic"))
	require.NoError(t, err)

	ran, err := d.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "a failed handler finished its run, a panicked one did not")
	panicked := jobs[0].ID

	for range maxDeliveries - 1 {
		ran, err = d.RunDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, ran, "panicked job is delivered again")
	}
	ran, err = d.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, ran, "job is dropped once out of deliveries")
	_, err = q.Get(ctx, panicked)
	assert.ErrorIs(t, err, gameday.ErrJobNotFound)
}

func TestCrashedRunIsRedeliveredAfterClaimExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := NewQueue(storage.NewMemory().WithClock(clock), testLogger()).WithClock(clock)
	d := NewDispatcher(q, 1, testLogger())

	var runs int
	d.Handle(gameday.JobUpdateLive, func(context.Context, *gameday.Job) error {
		runs++
		return nil
	})

	id, err := q.Schedule(ctx, updateJob(t, now, "t3_crash"))
	require.NoError(t, err)

	// A dispatcher claims the job and dies before finishing it.
	job, err := q.claim(ctx, id, d.claimTTL)
	require.NoError(t, err)
	require.NotNil(t, job)

	ran, err := d.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, ran, "job is still claimed")

	now = now.Add(d.claimTTL + time.Second)
	ran, err = d.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, runs)

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, gameday.ErrJobNotFound, "finished job leaves the queue")
}

func TestConcurrentDispatchersRunJobOnce(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	now := time.Now()

	var runs atomic.Int64
	handler := func(context.Context, *gameday.Job) error {
		runs.Add(1)
		return nil
	}

	seed := NewQueue(kv, testLogger())
	for range 5 {
		_, err := seed.Schedule(ctx, updateJob(t, now.Add(-time.Second), "t3_x"))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for range 4 {
		d := NewDispatcher(NewQueue(kv, testLogger()), 2, testLogger())
		d.Handle(gameday.JobUpdateLive, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.RunDue(ctx, now)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), runs.Load())
}
