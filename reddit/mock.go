package reddit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gamedaylive/pkg/gameday"
)

// MockPost is a post held by MockHost.
type MockPost struct {
	gameday.Post
	Community   string
	Body        string
	CommentSort string
	Comments    []string
	Edits       int
}

// MockHost is an in-memory content host for local development.
type MockHost struct {
	logger   *slog.Logger
	now      func() time.Time
	posts    map[string]*MockPost
	order    []string
	username string
	mu       sync.Mutex
}

// NewMockHost creates an empty mock host posting as username.
func NewMockHost(username string, logger *slog.Logger) *MockHost {
	return &MockHost{logger: logger, username: username, posts: make(map[string]*MockPost), now: time.Now}
}

// WithClock replaces the clock stamped on new posts.
func (m *MockHost) WithClock(now func() time.Time) *MockHost {
	m.now = now
	return m
}

// Username returns the account the mock posts as.
func (m *MockHost) Username() string {
	return m.username
}

// CreatePost records a new post.
func (m *MockHost) CreatePost(_ context.Context, community, title, body string) (*gameday.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("t3_mock%d", len(m.order)+1)
	p := &MockPost{
		Post: gameday.Post{
			Created: m.now(),
			ID:      id,
			URL:     fmt.Sprintf("https://reddit.invalid/r/%s/comments/%s", community, id[3:]),
			Title:   title,
			Author:  m.username,
		},
		Community: community,
		Body:      body,
	}
	m.posts[id] = p
	m.order = append(m.order, id)
	m.logger.Info("MOCK POST CREATED", "community", community, "post_id", id, "title", title, "body_length", len(body))
	out := p.Post
	return &out, nil
}

// FindPost returns the newest live post in community with title created at or
// after since, or nil.
func (m *MockHost) FindPost(_ context.Context, community, title string, since time.Time) (*gameday.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		p, ok := m.posts[m.order[i]]
		if !ok || p.Removed || p.Community != community || p.Title != title || p.Created.Before(since) {
			continue
		}
		out := p.Post
		return &out, nil
	}
	return nil, nil
}

func (m *MockHost) lookup(postID string) (*MockPost, error) {
	p, ok := m.posts[postID]
	if !ok {
		return nil, gameday.ErrPostNotFound
	}
	return p, nil
}

// EditPost replaces the body.
func (m *MockHost) EditPost(_ context.Context, postID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(postID)
	if err != nil {
		return err
	}
	p.Body = body
	p.Edits++
	m.logger.Info("MOCK POST EDITED", "post_id", postID, "edits", p.Edits, "body_length", len(body))
	return nil
}

// GetPost returns the stored post.
func (m *MockHost) GetPost(_ context.Context, postID string) (*gameday.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(postID)
	if err != nil {
		return nil, err
	}
	out := p.Post
	return &out, nil
}

// SetSticky pins or unpins the post.
func (m *MockHost) SetSticky(_ context.Context, postID string, sticky bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(postID)
	if err != nil {
		return err
	}
	p.Stickied = sticky
	return nil
}

// Lock locks the post.
func (m *MockHost) Lock(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(postID)
	if err != nil {
		return err
	}
	p.Locked = true
	return nil
}

// SetCommentSort records the suggested sort.
func (m *MockHost) SetCommentSort(_ context.Context, postID, sort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(postID)
	if err != nil {
		return err
	}
	p.CommentSort = sort
	return nil
}

// AddComment appends a comment.
func (m *MockHost) AddComment(_ context.Context, postID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(postID)
	if err != nil {
		return err
	}
	p.Comments = append(p.Comments, text)
	return nil
}

// Delete removes a post, as a moderator deleting it would.
func (m *MockHost) Delete(postID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, postID)
}

// Remove marks a post removed while keeping it retrievable.
func (m *MockHost) Remove(postID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.posts[postID]; ok {
		p.Removed = true
	}
}

// Posts returns copies of the remaining posts in creation order.
func (m *MockHost) Posts() []MockPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockPost
	for _, id := range m.order {
		if p, ok := m.posts[id]; ok {
			cp := *p
			cp.Comments = append([]string(nil), p.Comments...)
			out = append(out, cp)
		}
	}
	return out
}

// Notify logs a moderator notification.
func (m *MockHost) Notify(_ context.Context, community, subject, body string) error {
	m.logger.Info("MOCK MODMAIL", "community", community, "subject", subject, "body_length", len(body))
	return nil
}
