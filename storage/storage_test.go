package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type backend struct {
	kv    KV
	clock *clock
}

// backends returns each locally runnable KV with its own controllable clock.
func backends(t *testing.T) map[string]backend {
	t.Helper()
	out := make(map[string]backend)

	memClock := &clock{t: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)}
	out["memory"] = backend{NewMemory().WithClock(memClock.Now), memClock}

	sqlClock := &clock{t: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)}
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.now = sqlClock.Now
	out["sqlite"] = backend{db, sqlClock}

	return out
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.kv.Get(ctx, "missing")
			assert.True(t, IsNotFound(err))

			require.NoError(t, b.kv.Set(ctx, "a", []byte("1"), 0))
			got, err := b.kv.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "1", string(got))

			require.NoError(t, b.kv.Set(ctx, "a", []byte("2"), 0))
			got, err = b.kv.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "2", string(got))

			require.NoError(t, b.kv.Delete(ctx, "a"))
			require.NoError(t, b.kv.Delete(ctx, "a"), "deleting twice is fine")
			_, err = b.kv.Get(ctx, "a")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.kv.Set(ctx, "k", []byte("v"), time.Minute))
			b.clock.Advance(59 * time.Second)
			_, err := b.kv.Get(ctx, "k")
			require.NoError(t, err)

			require.NoError(t, b.kv.Expire(ctx, "k", time.Hour))
			b.clock.Advance(30 * time.Minute)
			_, err = b.kv.Get(ctx, "k")
			require.NoError(t, err, "expire extended the ttl")

			b.clock.Advance(31 * time.Minute)
			_, err = b.kv.Get(ctx, "k")
			assert.True(t, IsNotFound(err))

			assert.True(t, IsNotFound(b.kv.Expire(ctx, "k", time.Hour)))
		})
	}
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := b.kv.SetNX(ctx, "lock", []byte("first"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.kv.SetNX(ctx, "lock", []byte("second"), time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := b.kv.Get(ctx, "lock")
			require.NoError(t, err)
			assert.Equal(t, "first", string(got))

			b.clock.Advance(2 * time.Minute)
			ok, err = b.kv.SetNX(ctx, "lock", []byte("third"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "expired entries can be claimed again")
		})
	}
}

func TestSetNXConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := b.kv.SetNX(ctx, "race", []byte("x"), time.Minute)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.kv.Set(ctx, "jobs/b", []byte("1"), 0))
			require.NoError(t, b.kv.Set(ctx, "jobs/a", []byte("1"), 0))
			require.NoError(t, b.kv.Set(ctx, "jobs/gone", []byte("1"), time.Second))
			require.NoError(t, b.kv.Set(ctx, "other", []byte("1"), 0))
			b.clock.Advance(time.Minute)

			keys, err := b.kv.Keys(ctx, "jobs/")
			require.NoError(t, err)
			assert.Equal(t, []string{"jobs/a", "jobs/b"}, keys)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	type rec struct {
		Name string `json:"name"`
	}
	require.NoError(t, SetJSON(ctx, kv, "r", rec{Name: "leafs"}, 0))

	var got rec
	require.NoError(t, GetJSON(ctx, kv, "r", &got))
	assert.Equal(t, "leafs", got.Name)

	assert.True(t, IsNotFound(GetJSON(ctx, kv, "nope", &got)))
}

func TestEnvelopeExpired(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	assert.False(t, newEnvelope([]byte("v"), 0, now).expired(now.Add(100*time.Hour)))
	env := newEnvelope([]byte("v"), time.Minute, now)
	assert.False(t, env.expired(now.Add(59*time.Second)))
	assert.True(t, env.expired(now.Add(time.Minute)))
}
