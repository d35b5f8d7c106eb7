// Package reddit is the content host client: it creates and maintains posts.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"

	"gamedaylive/pkg/gameday"
)

// Default endpoints.
const (
	DefaultBaseURL  = "https://oauth.reddit.com"
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"
)

// APIError is a failed API call.
type APIError struct {
	Op         string
	Messages   []string
	StatusCode int
}

func (e *APIError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, strings.Join(e.Messages, "; "))
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

func retryable(err error) bool {
	if errors.Is(err, gameday.ErrPostNotFound) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// Config holds the script-app credentials.
type Config struct {
	HTTPClient   *http.Client // Base client, defaults to a 30s timeout client
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
	BaseURL      string
	TokenURL     string
}

// Client is an authenticated Reddit API client.
type Client struct {
	http      *http.Client
	logger    *slog.Logger
	baseURL   string
	username  string
	userAgent string
}

// userAgentTransport sets the User-Agent that Reddit requires on every call.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// passwordSource fetches a fresh password-grant token each time the cached one expires.
type passwordSource struct {
	ctx      context.Context
	cfg      *oauth2.Config
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	return s.cfg.PasswordCredentialsToken(s.ctx, s.username, s.password)
}

// New creates a client that authenticates with the password grant.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	baseTransport := base.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	ua := &userAgentTransport{base: baseTransport, userAgent: cfg.UserAgent}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: base.Timeout, Transport: ua})
	src := oauth2.ReuseTokenSource(nil, &passwordSource{
		ctx:      tokenCtx,
		cfg:      oauthCfg,
		username: cfg.Username,
		password: cfg.Password,
	})

	return &Client{
		http: &http.Client{
			Timeout:   base.Timeout,
			Transport: &oauth2.Transport{Source: src, Base: ua},
		},
		logger:    logger,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		username:  cfg.Username,
		userAgent: cfg.UserAgent,
	}
}

// Username returns the account the client posts as.
func (c *Client) Username() string {
	return c.username
}

// call performs one API request and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader = http.NoBody
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	startTime := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Reddit API request failed", "path", path, "duration_ms", duration.Milliseconds(), "error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Reddit API request completed", "method", method, "path", path, "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode == http.StatusNotFound {
		return gameday.ErrPostNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: path, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// do wraps call with retry. attempts of 1 disables retries.
func (c *Client) do(ctx context.Context, attempts uint, method, path string, form url.Values, out any) error {
	return retry.Do(
		func() error {
			return c.call(ctx, method, path, form, out)
		},
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Reddit API call after error", "attempt", n, "path", path, "error", err)
		}),
	)
}

// jsonResponse is the api_type=json envelope used by write endpoints.
type jsonResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			URL  string `json:"url"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	} `json:"json"`
}

func (r *jsonResponse) err(op string) error {
	if len(r.JSON.Errors) == 0 {
		return nil
	}
	var msgs []string
	for _, e := range r.JSON.Errors {
		parts := make([]string, 0, len(e))
		for _, p := range e {
			parts = append(parts, fmt.Sprint(p))
		}
		msgs = append(msgs, strings.Join(parts, ": "))
	}
	return &APIError{Op: op, StatusCode: http.StatusOK, Messages: msgs}
}

// CreatePost submits a self post. It is sent once: a lost response could
// otherwise create the post twice.
func (c *Client) CreatePost(ctx context.Context, community, title, body string) (*gameday.Post, error) {
	var resp jsonResponse
	form := url.Values{
		"api_type":    {"json"},
		"kind":        {"self"},
		"sr":          {community},
		"title":       {title},
		"text":        {body},
		"sendreplies": {"false"},
	}
	if err := c.do(ctx, 1, http.MethodPost, "/api/submit", form, &resp); err != nil {
		return nil, fmt.Errorf("submit post: %w", err)
	}
	if err := resp.err("submit"); err != nil {
		return nil, err
	}

	post := &gameday.Post{ID: resp.JSON.Data.Name, URL: resp.JSON.Data.URL, Title: title, Author: c.username}
	if post.ID == "" && resp.JSON.Data.ID != "" {
		post.ID = "t3_" + resp.JSON.Data.ID
	}
	if post.ID == "" {
		return nil, errors.New("submit post: response has no post id")
	}
	c.logger.Info("Post created", "community", community, "post_id", post.ID, "title", title)
	return post, nil
}

// EditPost replaces the post body.
func (c *Client) EditPost(ctx context.Context, postID, body string) error {
	var resp jsonResponse
	form := url.Values{"api_type": {"json"}, "thing_id": {postID}, "text": {body}}
	if err := c.do(ctx, 3, http.MethodPost, "/api/editusertext", form, &resp); err != nil {
		return fmt.Errorf("edit post: %w", err)
	}
	return resp.err("editusertext")
}

type listing struct {
	Data struct {
		Children []struct {
			Data struct {
				Name              string  `json:"name"`
				URL               string  `json:"url"`
				Title             string  `json:"title"`
				Author            string  `json:"author"`
				Subreddit         string  `json:"subreddit"`
				CreatedUTC        float64 `json:"created_utc"`
				RemovedByCategory *string `json:"removed_by_category"`
				Stickied          bool    `json:"stickied"`
				Locked            bool    `json:"locked"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// GetPost returns the post, or gameday.ErrPostNotFound.
func (c *Client) GetPost(ctx context.Context, postID string) (*gameday.Post, error) {
	var resp listing
	if err := c.do(ctx, 3, http.MethodGet, "/by_id/"+url.PathEscape(postID)+"?raw_json=1", nil, &resp); err != nil {
		if errors.Is(err, gameday.ErrPostNotFound) {
			return nil, gameday.ErrPostNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	if len(resp.Data.Children) == 0 {
		return nil, gameday.ErrPostNotFound
	}
	d := resp.Data.Children[0].Data
	return &gameday.Post{
		ID:       d.Name,
		URL:      d.URL,
		Title:    d.Title,
		Author:   d.Author,
		Stickied: d.Stickied,
		Locked:   d.Locked,
		Removed:  d.RemovedByCategory != nil || d.Author == "[deleted]",
	}, nil
}

// FindPost searches the account's recent submissions for a live post in
// community with exactly this title, created at or after since. It returns nil
// when there is none.
func (c *Client) FindPost(ctx context.Context, community, title string, since time.Time) (*gameday.Post, error) {
	var resp listing
	path := "/user/" + url.PathEscape(c.username) + "/submitted?sort=new&limit=25&raw_json=1"
	if err := c.do(ctx, 3, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	for _, child := range resp.Data.Children {
		d := child.Data
		created := time.Unix(int64(d.CreatedUTC), 0)
		if !strings.EqualFold(d.Subreddit, community) || d.Title != title || d.RemovedByCategory != nil || created.Before(since) {
			continue
		}
		return &gameday.Post{
			Created:  created,
			ID:       d.Name,
			URL:      d.URL,
			Title:    d.Title,
			Author:   d.Author,
			Stickied: d.Stickied,
			Locked:   d.Locked,
		}, nil
	}
	return nil, nil
}

// SetSticky pins or unpins the post.
func (c *Client) SetSticky(ctx context.Context, postID string, sticky bool) error {
	form := url.Values{"api_type": {"json"}, "id": {postID}, "state": {fmt.Sprint(sticky)}}
	if err := c.do(ctx, 3, http.MethodPost, "/api/set_subreddit_sticky", form, nil); err != nil {
		return fmt.Errorf("set sticky: %w", err)
	}
	return nil
}

// Lock locks the post's comments.
func (c *Client) Lock(ctx context.Context, postID string) error {
	if err := c.do(ctx, 3, http.MethodPost, "/api/lock", url.Values{"id": {postID}}, nil); err != nil {
		return fmt.Errorf("lock post: %w", err)
	}
	return nil
}

// SetCommentSort sets the suggested comment sort.
func (c *Client) SetCommentSort(ctx context.Context, postID, sort string) error {
	form := url.Values{"api_type": {"json"}, "id": {postID}, "sort": {sort}}
	if err := c.do(ctx, 3, http.MethodPost, "/api/set_suggested_sort", form, nil); err != nil {
		return fmt.Errorf("set comment sort: %w", err)
	}
	return nil
}

// AddComment replies to the post.
func (c *Client) AddComment(ctx context.Context, postID, text string) error {
	var resp jsonResponse
	form := url.Values{"api_type": {"json"}, "thing_id": {postID}, "text": {text}}
	if err := c.do(ctx, 1, http.MethodPost, "/api/comment", form, &resp); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return resp.err("comment")
}
