package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamedaylive/pkg/gameday"
	"gamedaylive/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLinkAndLookup(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemory(), 48*time.Hour, testLogger())

	rec := &gameday.ThreadRecord{GameID: 2024020500, PostID: "t3_live", Kind: gameday.KindLive, Matchup: "MTL@TOR"}
	require.NoError(t, reg.Link(ctx, "leafs", rec))

	got, err := reg.LookupByGame(ctx, "leafs", 2024020500, gameday.KindLive)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t3_live", got.PostID)
	assert.False(t, got.CreatedAt.IsZero())

	ref, err := reg.LookupByPost(ctx, "leafs", "t3_live")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, int64(2024020500), ref.GameID)
	assert.Equal(t, gameday.KindLive, ref.Kind)

	// Communities are isolated.
	other, err := reg.LookupByGame(ctx, "habs", 2024020500, gameday.KindLive)
	require.NoError(t, err)
	assert.Nil(t, other)

	recap, err := reg.LookupByGame(ctx, "leafs", 2024020500, gameday.KindRecap)
	require.NoError(t, err)
	assert.Nil(t, recap)
}

func TestUnlinkRemovesBothDirections(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemory(), time.Hour, testLogger())
	require.NoError(t, reg.Link(ctx, "leafs", &gameday.ThreadRecord{GameID: 1, PostID: "t3_a", Kind: gameday.KindRecap}))

	require.NoError(t, reg.Unlink(ctx, "leafs", "t3_a"))
	require.NoError(t, reg.Unlink(ctx, "leafs", "t3_a"), "unlink is idempotent")

	rec, err := reg.LookupByGame(ctx, "leafs", 1, gameday.KindRecap)
	require.NoError(t, err)
	assert.Nil(t, rec)
	ref, err := reg.LookupByPost(ctx, "leafs", "t3_a")
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestUnlinkKeepsNewerRecord(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemory(), time.Hour, testLogger())
	require.NoError(t, reg.Link(ctx, "leafs", &gameday.ThreadRecord{GameID: 1, PostID: "t3_old", Kind: gameday.KindLive}))
	require.NoError(t, reg.Link(ctx, "leafs", &gameday.ThreadRecord{GameID: 1, PostID: "t3_new", Kind: gameday.KindLive}))

	require.NoError(t, reg.Unlink(ctx, "leafs", "t3_old"))

	rec, err := reg.LookupByGame(ctx, "leafs", 1, gameday.KindLive)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "t3_new", rec.PostID)
}

// failingKV fails writes to keys containing a marker.
type failingKV struct {
	storage.KV
	failOn string
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return errors.New("store unavailable")
	}
	return f.KV.Set(ctx, key, value, ttl)
}

func TestLinkCompensatesPartialWrite(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{KV: storage.NewMemory(), failOn: ":post:"}
	reg := New(kv, time.Hour, testLogger())

	err := reg.Link(ctx, "leafs", &gameday.ThreadRecord{GameID: 9, PostID: "t3_x", Kind: gameday.KindLive})
	require.Error(t, err)

	rec, err := reg.LookupByGame(ctx, "leafs", 9, gameday.KindLive)
	require.NoError(t, err)
	assert.Nil(t, rec, "game direction must be rolled back")
}

func TestRecordsExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	kv := storage.NewMemory().WithClock(func() time.Time { return now })
	reg := New(kv, time.Hour, testLogger()).WithClock(func() time.Time { return now })
	require.NoError(t, reg.Link(ctx, "leafs", &gameday.ThreadRecord{GameID: 3, PostID: "t3_c", Kind: gameday.KindLive}))

	now = now.Add(61 * time.Minute)
	rec, err := reg.LookupByGame(ctx, "leafs", 3, gameday.KindLive)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemory(), time.Hour, testLogger())

	ok, err := reg.Claim(ctx, "leafs", 5, gameday.KindLive, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Claim(ctx, "leafs", 5, gameday.KindLive, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.Claim(ctx, "leafs", 5, gameday.KindRecap, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claims are per kind")

	reg.Release(ctx, "leafs", 5, gameday.KindLive)
	ok, err = reg.Claim(ctx, "leafs", 5, gameday.KindLive, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandles(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemory(), time.Hour, testLogger())

	h, err := reg.Handle(ctx, "leafs", gameday.JobUpdateLive, "7")
	require.NoError(t, err)
	assert.Nil(t, h)

	want := &gameday.JobHandle{Kind: gameday.JobUpdateLive, Subject: "7", JobTitle: "Thread-Update-t3_a", JobID: "job-1", RunAt: time.Now().Add(time.Minute)}
	require.NoError(t, reg.SaveHandle(ctx, "leafs", want))

	h, err = reg.Handle(ctx, "leafs", gameday.JobUpdateLive, "7")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "job-1", h.JobID)

	require.NoError(t, reg.DeleteHandle(ctx, "leafs", gameday.JobUpdateLive, "7"))
	h, err = reg.Handle(ctx, "leafs", gameday.JobUpdateLive, "7")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStatesAndActiveRecords(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemory(), time.Hour, testLogger())
	require.NoError(t, reg.SetState(ctx, "leafs", 11, gameday.StateAbandoned))
	require.NoError(t, reg.SetState(ctx, "leafs", 12, gameday.StateLiveOpen))
	require.NoError(t, reg.Link(ctx, "leafs", &gameday.ThreadRecord{GameID: 12, PostID: "t3_l", Kind: gameday.KindLive}))

	states, err := reg.States(ctx, "leafs")
	require.NoError(t, err)
	assert.Equal(t, map[int64]gameday.LifecycleState{11: gameday.StateAbandoned, 12: gameday.StateLiveOpen}, states)

	recs, err := reg.ActiveRecords(ctx, "leafs")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "t3_l", recs[0].PostID)

	state, err := reg.State(ctx, "leafs", 99)
	require.NoError(t, err)
	assert.Equal(t, gameday.StateUnscheduled, state)

	require.NoError(t, reg.SetState(ctx, "leafs", 11, gameday.StateUnscheduled))
	states, err = reg.States(ctx, "leafs")
	require.NoError(t, err)
	assert.NotContains(t, states, int64(11), "clearing a state removes the marker")
}
