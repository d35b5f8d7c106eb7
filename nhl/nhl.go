// Package nhl fetches schedules and game snapshots from the NHL web API.
package nhl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"gamedaylive/pkg/gameday"
)

// DefaultBaseURL is the public NHL web API.
const DefaultBaseURL = "https://api-web.nhle.com/v1"

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsNotFound checks if an error is an HTTP 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// retryable reports whether a failed request is worth repeating.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// Client talks to the NHL web API.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a new API client.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// get performs a GET and returns the body, the response ETag, and whether the
// server answered 304 Not Modified.
func (c *Client) get(ctx context.Context, path, etag, purpose string) ([]byte, string, bool, error) {
	url := c.baseURL + path
	var (
		body        []byte
		newETag     string
		notModified bool
	)

	err := retry.Do(
		func() error {
			c.logger.Debug("HTTP request starting", "method", "GET", "url", url, "purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			if etag != "" {
				req.Header.Set("If-None-Match", etag)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("HTTP request failed, will retry", "url", url, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed", "url", url, "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotModified:
				notModified = true
				newETag = etag
				return nil
			case resp.StatusCode != http.StatusOK:
				return &StatusError{URL: url, StatusCode: resp.StatusCode}
			}

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			newETag = resp.Header.Get("ETag")
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "url", url, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, "", false, fmt.Errorf("fetch %s: %w", purpose, err)
	}
	return body, newETag, notModified, nil
}

// Schedule returns the games played on date (YYYY-MM-DD).
func (c *Client) Schedule(ctx context.Context, date string) ([]*gameday.Game, error) {
	body, _, _, err := c.get(ctx, "/schedule/"+date, "", "schedule")
	if err != nil {
		return nil, err
	}

	var resp scheduleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	var games []*gameday.Game
	for _, day := range resp.GameWeek {
		if day.Date != date {
			continue
		}
		for i := range day.Games {
			games = append(games, day.Games[i].toGame(time.Now()))
		}
	}

	c.logger.Info("Schedule fetched", "date", date, "games", len(games))
	return games, nil
}

// Game fetches a game snapshot. When etag matches the server's current
// version changed is false and game is nil.
func (c *Client) Game(ctx context.Context, gameID int64, etag string) (*gameday.Game, string, bool, error) {
	body, newETag, notModified, err := c.get(ctx, fmt.Sprintf("/gamecenter/%d/landing", gameID), etag, "game")
	if err != nil {
		return nil, "", false, err
	}
	if notModified {
		return nil, newETag, false, nil
	}

	var resp landingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", false, fmt.Errorf("decode game %d: %w", gameID, err)
	}
	return resp.toGame(time.Now()), newETag, true, nil
}
