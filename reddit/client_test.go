package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamedaylive/pkg/gameday"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeReddit serves the token endpoint and a handful of API endpoints.
type fakeReddit struct {
	mu         sync.Mutex
	tokenCalls int
	forms      map[string][]map[string]string
	byID       map[string]string
	failSubmit int
}

func newFakeReddit() *fakeReddit {
	return &fakeReddit{forms: make(map[string][]map[string]string), byID: make(map[string]string)}
}

func (f *fakeReddit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/api/v1/access_token" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
		return
	}

	if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("User-Agent") != "gamedaylive-test/1.0" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if r.Method == http.MethodGet {
		body, ok := f.byID[r.URL.Path]
		if !ok {
			body = `{"data":{"children":[]}}`
		}
		_, _ = w.Write([]byte(body))
		return
	}

	_ = r.ParseForm()
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.forms[r.URL.Path] = append(f.forms[r.URL.Path], form)

	switch r.URL.Path {
	case "/api/submit":
		if f.failSubmit > 0 {
			f.failSubmit--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"json":{"errors":[],"data":{"url":"https://reddit.com/r/leafs/comments/abc/","id":"abc","name":"t3_abc"}}}`))
	case "/api/editusertext":
		_, _ = w.Write([]byte(`{"json":{"errors":[["TOO_LONG","this is too long","text"]]}}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func newTestClient(t *testing.T, f *fakeReddit) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(context.Background(), Config{
		HTTPClient:   srv.Client(),
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Username:     "gamedaybot",
		Password:     "hunter2",
		UserAgent:    "gamedaylive-test/1.0",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/api/v1/access_token",
	}, testLogger())
}

func TestCreatePost(t *testing.T) {
	f := newFakeReddit()
	c := newTestClient(t, f)

	post, err := c.CreatePost(context.Background(), "leafs", "Game Day Thread", "body")
	require.NoError(t, err)
	assert.Equal(t, "t3_abc", post.ID)
	assert.Equal(t, "gamedaybot", post.Author)

	require.Len(t, f.forms["/api/submit"], 1)
	form := f.forms["/api/submit"][0]
	assert.Equal(t, "leafs", form["sr"])
	assert.Equal(t, "self", form["kind"])
	assert.Equal(t, "Game Day Thread", form["title"])

	_, err = c.GetPost(context.Background(), "t3_abc")
	require.ErrorIs(t, err, gameday.ErrPostNotFound)
	assert.Equal(t, 1, f.tokenCalls, "token is reused across calls")
}

func TestCreatePostIsNotRetried(t *testing.T) {
	f := newFakeReddit()
	f.failSubmit = 1
	c := newTestClient(t, f)

	_, err := c.CreatePost(context.Background(), "leafs", "t", "b")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Len(t, f.forms["/api/submit"], 1)
}

func TestEditPostReportsAPIErrors(t *testing.T) {
	f := newFakeReddit()
	c := newTestClient(t, f)

	err := c.EditPost(context.Background(), "t3_abc", "new body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOO_LONG")
}

func TestGetPost(t *testing.T) {
	f := newFakeReddit()
	f.byID["/by_id/t3_abc"] = `{"data":{"children":[{"data":{"name":"t3_abc","url":"https://reddit.com/x","title":"GDT","author":"gamedaybot","stickied":true,"locked":false,"removed_by_category":null}}]}}`
	f.byID["/by_id/t3_gone"] = `{"data":{"children":[{"data":{"name":"t3_gone","author":"gamedaybot","removed_by_category":"moderator"}}]}}`
	c := newTestClient(t, f)

	post, err := c.GetPost(context.Background(), "t3_abc")
	require.NoError(t, err)
	assert.True(t, post.Stickied)
	assert.False(t, post.Removed)

	post, err = c.GetPost(context.Background(), "t3_gone")
	require.NoError(t, err)
	assert.True(t, post.Removed)
}

func TestFindPost(t *testing.T) {
	f := newFakeReddit()
	f.byID["/user/gamedaybot/submitted"] = `{"data":{"children":[` +
		`{"data":{"name":"t3_old","subreddit":"leafs","title":"Game Day Thread | MTL @ TOR","author":"gamedaybot","created_utc":1700000000}},` +
		`{"data":{"name":"t3_other","subreddit":"habs","title":"Game Day Thread | MTL @ TOR","author":"gamedaybot"}},` +
		`{"data":{"name":"t3_removed","subreddit":"leafs","title":"Game Day Thread | MTL @ TOR","author":"gamedaybot","removed_by_category":"moderator"}},` +
		`{"data":{"name":"t3_abc","subreddit":"Leafs","title":"Game Day Thread | MTL @ TOR","author":"gamedaybot","url":"https://reddit.com/abc","created_utc":1800000000}}]}}`
	c := newTestClient(t, f)
	ctx := context.Background()

	since := time.Unix(1799999000, 0)
	post, err := c.FindPost(ctx, "leafs", "Game Day Thread | MTL @ TOR", since)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, "t3_abc", post.ID)
	assert.Equal(t, time.Unix(1800000000, 0), post.Created)

	post, err = c.FindPost(ctx, "leafs", "Post Game Thread | MTL @ TOR", since)
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestModerationCalls(t *testing.T) {
	f := newFakeReddit()
	c := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.SetSticky(ctx, "t3_abc", true))
	require.NoError(t, c.Lock(ctx, "t3_abc"))
	require.NoError(t, c.SetCommentSort(ctx, "t3_abc", "new"))
	require.NoError(t, NewModmail(c).Notify(ctx, "leafs", "Game day thread failed", "details"))

	assert.Equal(t, "true", f.forms["/api/set_subreddit_sticky"][0]["state"])
	assert.Equal(t, "t3_abc", f.forms["/api/lock"][0]["id"])
	assert.Equal(t, "new", f.forms["/api/set_suggested_sort"][0]["sort"])
	assert.Equal(t, "leafs", f.forms["/api/mod/conversations"][0]["srName"])
}

func TestMockHost(t *testing.T) {
	ctx := context.Background()
	m := NewMockHost("gamedaybot", testLogger())

	p, err := m.CreatePost(ctx, "leafs", "GDT", "v1")
	require.NoError(t, err)
	require.NoError(t, m.EditPost(ctx, p.ID, "v2"))
	require.NoError(t, m.SetSticky(ctx, p.ID, true))
	require.NoError(t, m.AddComment(ctx, p.ID, "closed"))

	posts := m.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "v2", posts[0].Body)
	assert.Equal(t, 1, posts[0].Edits)
	assert.True(t, posts[0].Stickied)
	assert.Equal(t, []string{"closed"}, posts[0].Comments)

	found, err := m.FindPost(ctx, "leafs", "GDT", p.Created)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)

	found, err = m.FindPost(ctx, "leafs", "GDT", p.Created.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, found, "posts before since are ignored")

	m.Delete(p.ID)
	found, err = m.FindPost(ctx, "leafs", "GDT", p.Created)
	require.NoError(t, err)
	assert.Nil(t, found)
	_, err = m.GetPost(ctx, p.ID)
	assert.ErrorIs(t, err, gameday.ErrPostNotFound)
}
