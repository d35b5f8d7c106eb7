package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends mail through the Brevo transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
}

// NewBrevoProvider creates a Brevo provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	To      []brevoContact `json:"to"`
}

// Send sends one message. Client errors other than 429 are not retried.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("api-key", b.apiKey)

			start := time.Now()
			resp, err := b.client.Do(req)
			if err != nil {
				b.logger.Warn("Brevo request failed", "to", to, "error", err)
				return err
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					b.logger.Warn("Failed to close response body", "error", err)
				}
			}()

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				b.logger.Info("Brevo message sent",
					"to", to,
					"subject", subject,
					"duration_ms", time.Since(start).Milliseconds())
				return nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				b.logger.Warn("Brevo returned retryable status", "status_code", resp.StatusCode, "to", to)
				return fmt.Errorf("brevo: HTTP %d", resp.StatusCode)
			default:
				return retry.Unrecoverable(fmt.Errorf("brevo: HTTP %d", resp.StatusCode))
			}
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send", "attempt", n, "error", err)
		}),
	)
}
