package common

import (
	"context"
	"sync"
)

// EmailMessage is a minimal outbound email payload.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers transactional email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// InMemoryEmail records sent messages for tests and local development.
type InMemoryEmail struct {
	mu   sync.Mutex
	sent []EmailMessage
}

func NewInMemoryEmail() *InMemoryEmail { return &InMemoryEmail{} }

func (m *InMemoryEmail) Send(_ context.Context, msg EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of all recorded messages.
func (m *InMemoryEmail) Sent() []EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// NopEmailSender discards all messages.
type NopEmailSender struct{}

func (NopEmailSender) Send(context.Context, EmailMessage) error { return nil }
