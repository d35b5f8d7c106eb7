// Package email delivers operator notifications through a pluggable mail provider.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Provider sends one HTML message.
type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender turns lifecycle notices into operator email.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string // Operator address
	baseURL  string // For links back to the service
}

// New creates a sender mailing the operator at to.
func New(provider Provider, logger *slog.Logger, to, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Notify mails a notice about community to the operator. With no operator
// address configured it only logs.
func (s *Sender) Notify(ctx context.Context, community, subject, body string) error {
	if s.to == "" {
		s.logger.Warn("No operator address configured, notice not mailed", "community", community, "subject", subject)
		return nil
	}
	full := fmt.Sprintf("[r/%s] %s", community, subject)
	s.logger.Info("Sending operator notice", "to", s.to, "community", community, "subject", subject)
	if err := s.provider.Send(ctx, s.to, full, s.formatNotice(community, subject, body)); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}
