package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider is a mock provider for local development. It logs and records messages.
type MockProvider struct {
	logger   *slog.Logger
	name     string
	mu       sync.Mutex
	messages []Message
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(name string, logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
		name:   name,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	m.logger.Info("MOCK MESSAGE",
		"channel", m.name,
		"subject", msg.Subject,
		"text", msg.Text)
	return nil
}

// Messages returns the messages sent so far.
func (m *MockProvider) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}
