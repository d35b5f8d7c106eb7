package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is one mail captured by MockProvider.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// MockProvider logs mail instead of sending it, for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send records and logs the message.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Message{To: to, Subject: subject, HTML: htmlBody})
	m.mu.Unlock()
	m.logger.Info("MOCK EMAIL", "to", to, "subject", subject, "body_length", len(htmlBody))
	return nil
}

// Sent returns the messages recorded so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
