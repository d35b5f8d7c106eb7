package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Modmail sends notifications to a community's moderators as a modmail conversation.
type Modmail struct {
	client *Client
}

// NewModmail creates a modmail notifier using c.
func NewModmail(c *Client) *Modmail {
	return &Modmail{client: c}
}

// Notify opens a new modmail conversation in the community.
func (m *Modmail) Notify(ctx context.Context, community, subject, body string) error {
	form := url.Values{
		"srName":         {community},
		"subject":        {subject},
		"body":           {body},
		"isAuthorHidden": {"true"},
	}
	if err := m.client.do(ctx, 3, http.MethodPost, "/api/mod/conversations", form, nil); err != nil {
		return fmt.Errorf("send modmail: %w", err)
	}
	m.client.logger.Info("Modmail sent", "community", community, "subject", subject)
	return nil
}
