package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamedaylive/pkg/gameday"
)

type fakeDispatcher struct {
	err   error
	ticks int
}

func (f *fakeDispatcher) RunDue(context.Context, time.Time) (int, error) {
	f.ticks++
	return 3, f.err
}

type fakeLifecycle struct {
	discovered  []string
	saved       []*gameday.SubredditConfig
	deleted     []string
	discoverErr error
	savedErr    error
}

func (f *fakeLifecycle) RunDiscovery(_ context.Context, ictx gameday.InvocationContext) error {
	f.discovered = append(f.discovered, ictx.Community)
	return f.discoverErr
}

func (f *fakeLifecycle) OnConfigSaved(_ context.Context, _ gameday.InvocationContext, cfg *gameday.SubredditConfig) error {
	f.saved = append(f.saved, cfg)
	return f.savedErr
}

func (f *fakeLifecycle) OnPostDeleted(_ context.Context, ictx gameday.InvocationContext, postID string) error {
	f.deleted = append(f.deleted, ictx.Community+"/"+postID)
	return nil
}

type fakeSettings struct {
	configs map[string]*gameday.SubredditConfig
	denied  map[string]bool
}

func (f *fakeSettings) Get(_ context.Context, community string) (*gameday.SubredditConfig, error) {
	return f.configs[community], nil
}

func (f *fakeSettings) Save(_ context.Context, cfg *gameday.SubredditConfig) (*gameday.SubredditConfig, error) {
	if f.denied[cfg.Community] {
		return nil, fmt.Errorf("save config for %s: %w", cfg.Community, gameday.ErrCommunityNotAllowed)
	}
	prev := f.configs[cfg.Community]
	f.configs[cfg.Community] = cfg
	return prev, nil
}

func (f *fakeSettings) Communities(context.Context) ([]string, error) {
	var out []string
	for c := range f.configs {
		out = append(out, c)
	}
	return out, nil
}

type fakeJobs struct {
	jobs []*gameday.Job
}

func (f *fakeJobs) List(context.Context) ([]*gameday.Job, error) {
	return f.jobs, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	for i, j := range f.jobs {
		if j.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return gameday.ErrJobNotFound
}

type fixture struct {
	dispatcher *fakeDispatcher
	lifecycle  *fakeLifecycle
	settings   *fakeSettings
	jobs       *fakeJobs
	handler    http.Handler
}

func newFixture(token string) *fixture {
	f := &fixture{
		dispatcher: &fakeDispatcher{},
		lifecycle:  &fakeLifecycle{},
		settings:   &fakeSettings{configs: map[string]*gameday.SubredditConfig{}},
		jobs: &fakeJobs{jobs: []*gameday.Job{
			{ID: "j1", Kind: gameday.JobCreateLive, Community: "leafs"},
			{ID: "j2", Kind: gameday.JobDailyDiscovery, Community: "habs"},
		}},
	}
	s := New(&Config{
		Dispatcher: f.dispatcher,
		Lifecycle:  f.lifecycle,
		Settings:   f.settings,
		Jobs:       f.jobs,
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		Invocation: func(c string) gameday.InvocationContext {
			return gameday.InvocationContext{Community: strings.ToLower(c), TraceID: "trace"}
		},
		APIToken: token,
	})
	f.handler = s.Router()
	return f
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newFixture("secret")
	rec := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestTokenRequired(t *testing.T) {
	f := newFixture("secret")

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/pollz", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/pollz", "", "wrong").Code)
	assert.Equal(t, 0, f.dispatcher.ticks)

	rec := f.do(http.MethodPost, "/pollz", "", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"completed","jobs_run":3}`, rec.Body.String())
	assert.Equal(t, 1, f.dispatcher.ticks)
}

func TestPollFailure(t *testing.T) {
	f := newFixture("")
	f.dispatcher.err = errors.New("store down")
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodPost, "/pollz", "", "").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture("")
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/pollz", "", "").Code)
}

func TestPutConfigSavesAndNotifies(t *testing.T) {
	f := newFixture("")
	body := `{"team":"TOR","gameday":{"enabled":true,"sticky":true},"postgame":{"enabled":true,"lock":true}}`

	rec := f.do(http.MethodPut, "/communities/Leafs/config", body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	saved := f.settings.configs["leafs"]
	require.NotNil(t, saved)
	assert.Equal(t, "TOR", saved.Team)
	assert.True(t, saved.Gameday.Sticky)
	require.Len(t, f.lifecycle.saved, 1)
	assert.Equal(t, "leafs", f.lifecycle.saved[0].Community)

	rec = f.do(http.MethodGet, "/communities/leafs/config", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got gameday.SubredditConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Postgame.Lock)
}

func TestPutConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"team":`},
		{"unknown field", `{"team":"TOR","bogus":1}`},
		{"unknown team", `{"team":"XXX"}`},
		{"community mismatch", `{"community":"habs","team":"TOR"}`},
		{"bad sort", `{"team":"TOR","gameday":{"comment_sort":"random"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("")
			rec := f.do(http.MethodPut, "/communities/leafs/config", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.settings.configs)
			assert.Empty(t, f.lifecycle.saved)
		})
	}
}

func TestPutConfigFollowUpFailure(t *testing.T) {
	f := newFixture("")
	f.lifecycle.savedErr = errors.New("discovery down")
	rec := f.do(http.MethodPut, "/communities/leafs/config", `{"team":"TOR"}`, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotNil(t, f.settings.configs["leafs"], "config stays saved")
}

func TestPutConfigUnapprovedCommunity(t *testing.T) {
	f := newFixture("")
	f.settings.denied = map[string]bool{"bruins": true}
	rec := f.do(http.MethodPut, "/communities/bruins/config", `{"team":"BOS"}`, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.settings.configs)
	assert.Empty(t, f.lifecycle.saved, "no follow-up for a denied config")
}

func TestGetConfigMissing(t *testing.T) {
	f := newFixture("")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/communities/nobody/config", "", "").Code)
}

func TestDiscover(t *testing.T) {
	f := newFixture("")
	f.settings.configs["leafs"] = &gameday.SubredditConfig{Community: "leafs"}
	f.settings.configs["habs"] = &gameday.SubredditConfig{Community: "habs"}

	rec := f.do(http.MethodPost, "/discoverz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []string{"leafs", "habs"}, f.lifecycle.discovered)

	rec = f.do(http.MethodPost, "/communities/Leafs/discover", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "leafs", f.lifecycle.discovered[2])

	f.lifecycle.discoverErr = errors.New("schedule down")
	rec = f.do(http.MethodPost, "/discoverz", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "partial")
}

func TestJobs(t *testing.T) {
	f := newFixture("")

	rec := f.do(http.MethodGet, "/jobs?community=leafs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []gameday.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/jobs/j2", "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/jobs/j2", "", "").Code)

	rec = f.do(http.MethodGet, "/jobs?community=nobody", "", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPostDeleted(t *testing.T) {
	f := newFixture("")

	rec := f.do(http.MethodPost, "/triggers/post-deleted", `{"community":"Leafs","post_id":"t3_abc"}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"leafs/t3_abc"}, f.lifecycle.deleted)

	rec = f.do(http.MethodPost, "/triggers/post-deleted", `{"community":"leafs"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture("secret")
	rec := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
