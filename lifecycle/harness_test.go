package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gamedaylive/pkg/gameday"
	"gamedaylive/reddit"
	"gamedaylive/registry"
	"gamedaylive/retrypolicy"
	"gamedaylive/scheduler"
	"gamedaylive/settings"
	"gamedaylive/storage"
)

const testCommunity = "leafs"

var errUpstream = errors.New("upstream unavailable")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeData serves games with a version counter as the ETag.
type fakeData struct {
	games       map[int64]*gameday.Game
	versions    map[int64]int
	scheduleErr error
	gameErr     error
	slate       []int64
	mu          sync.Mutex
}

func newFakeData() *fakeData {
	return &fakeData{games: make(map[int64]*gameday.Game), versions: make(map[int64]int)}
}

func (f *fakeData) put(g gameday.Game) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.games[g.ID]; !ok {
		f.slate = append(f.slate, g.ID)
	}
	f.games[g.ID] = &g
	f.versions[g.ID]++
}

func (f *fakeData) setTag(id int64, tag gameday.Tag, away, home int) {
	f.mu.Lock()
	g := *f.games[id]
	f.mu.Unlock()
	g.Tag = tag
	g.Away.Score, g.Home.Score = away, home
	f.put(g)
}

func (f *fakeData) Schedule(_ context.Context, _ string) ([]*gameday.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	var out []*gameday.Game
	for _, id := range f.slate {
		g := *f.games[id]
		out = append(out, &g)
	}
	return out, nil
}

func (f *fakeData) Game(_ context.Context, id int64, etag string) (*gameday.Game, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gameErr != nil {
		return nil, "", false, f.gameErr
	}
	g, ok := f.games[id]
	if !ok {
		return nil, "", false, fmt.Errorf("game %d not found", id)
	}
	tag := fmt.Sprintf(`"v%d"`, f.versions[id])
	if etag == tag {
		return nil, etag, false, nil
	}
	cp := *g
	return &cp, tag, true, nil
}

// fakeHost wraps MockHost with failure injection.
type fakeHost struct {
	*reddit.MockHost
	createErr error
	lost      int // Creates that land upstream but report a timeout
	panics    int // GetPost calls that panic
	editErrs  int
	username  string
	creates   int
	mu        sync.Mutex
}

func (h *fakeHost) Username() string {
	if h.username != "" {
		return h.username
	}
	return h.MockHost.Username()
}

func (h *fakeHost) CreatePost(ctx context.Context, community, title, body string) (*gameday.Post, error) {
	h.mu.Lock()
	h.creates++
	err := h.createErr
	lose := h.lost > 0
	if lose {
		h.lost--
	}
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	post, err := h.MockHost.CreatePost(ctx, community, title, body)
	if lose {
		return nil, context.DeadlineExceeded
	}
	return post, err
}

func (h *fakeHost) GetPost(ctx context.Context, postID string) (*gameday.Post, error) {
	h.mu.Lock()
	crash := h.panics > 0
	if crash {
		h.panics--
	}
	h.mu.Unlock()
	if crash {
		panic("content host client crashed")
	}
	return h.MockHost.GetPost(ctx, postID)
}

func (h *fakeHost) EditPost(ctx context.Context, postID, body string) error {
	h.mu.Lock()
	fail := h.editErrs > 0
	if fail {
		h.editErrs--
	}
	h.mu.Unlock()
	if fail {
		return errUpstream
	}
	return h.MockHost.EditPost(ctx, postID, body)
}

type note struct {
	community, subject, body string
}

type recordingNotifier struct {
	notes []note
	mu    sync.Mutex
}

func (n *recordingNotifier) Notify(_ context.Context, community, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{community, subject, body})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	kv         *storage.Memory
	now        time.Time
	data       *fakeData
	host       *fakeHost
	notes      *recordingNotifier
	queue      *scheduler.Queue
	dispatcher *scheduler.Dispatcher
	reg        *registry.Registry
	retry      *retrypolicy.Policy
	configs    *settings.Store
	orch       *Orchestrator
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		now:   start,
		data:  newFakeData(),
		notes: &recordingNotifier{},
	}
	clock := func() time.Time { return h.now }
	logger := testLogger()

	kv := storage.NewMemory().WithClock(clock)
	h.kv = kv
	h.host = &fakeHost{MockHost: reddit.NewMockHost("gamedaybot", logger).WithClock(clock)}
	h.queue = scheduler.NewQueue(kv, logger).WithClock(clock)
	h.dispatcher = scheduler.NewDispatcher(h.queue, 1, logger)
	h.reg = registry.New(kv, 48*time.Hour, logger).WithClock(clock)
	h.retry = retrypolicy.New(kv, retrypolicy.DefaultConfig(), logger)
	h.configs = settings.New(kv, logger)
	h.orch = New(Deps{
		Data:      h.data,
		Host:      h.host,
		Jobs:      h.queue,
		Configs:   h.configs,
		Registry:  h.reg,
		Retry:     h.retry,
		Notifiers: []Notifier{h.notes},
		Logger:    logger,
	}, DefaultConfig()).WithClock(clock)
	h.orch.Register(h.dispatcher)
	return h
}

func defaultConfig() *gameday.SubredditConfig {
	return &gameday.SubredditConfig{
		Community: testCommunity,
		Team:      "TOR",
		Gameday:   gameday.ThreadSettings{Enabled: true, Sticky: true, Lock: true, CommentSort: "new"},
		Postgame:  gameday.ThreadSettings{Enabled: true, Sticky: true, Lock: true},
	}
}

func (h *harness) saveConfig(cfg *gameday.SubredditConfig) {
	h.t.Helper()
	_, err := h.configs.Save(h.ctx, cfg)
	require.NoError(h.t, err)
}

func (h *harness) ictx() gameday.InvocationContext {
	return gameday.InvocationContext{Community: testCommunity, TraceID: "test"}
}

// runUntil advances the clock through every job due at or before t, in run order.
func (h *harness) runUntil(t time.Time) {
	h.t.Helper()
	for range 1000 {
		jobs, err := h.queue.List(h.ctx)
		require.NoError(h.t, err)
		if len(jobs) == 0 || jobs[0].RunAt.After(t) {
			break
		}
		if jobs[0].RunAt.After(h.now) {
			h.now = jobs[0].RunAt
		}
		_, err = h.dispatcher.RunDue(h.ctx, h.now)
		require.NoError(h.t, err)
	}
	if t.After(h.now) {
		h.now = t
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.runUntil(h.now.Add(d))
}

// pending returns queued jobs of kind.
func (h *harness) pending(kind gameday.JobKind) []*gameday.Job {
	h.t.Helper()
	jobs, err := h.queue.List(h.ctx)
	require.NoError(h.t, err)
	var out []*gameday.Job
	for _, j := range jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func (h *harness) state(gameID int64) gameday.LifecycleState {
	h.t.Helper()
	s, err := h.reg.State(h.ctx, testCommunity, gameID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) record(gameID int64, kind gameday.ThreadKind) *gameday.ThreadRecord {
	h.t.Helper()
	rec, err := h.reg.LookupByGame(h.ctx, testCommunity, gameID, kind)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) post(id string) *reddit.MockPost {
	for _, p := range h.host.Posts() {
		if p.ID == id {
			return &p
		}
	}
	return nil
}

func testGame(id int64, start time.Time, tag gameday.Tag) gameday.Game {
	return gameday.Game{
		ID:        id,
		StartTime: start,
		Home:      gameday.Team{Abbrev: "TOR", Name: "Maple Leafs"},
		Away:      gameday.Team{Abbrev: "MTL", Name: "Canadiens"},
		Period:    gameday.Period{Number: 1, Type: "REG"},
		Tag:       tag,
		Venue:     "Scotiabank Arena",
	}
}
