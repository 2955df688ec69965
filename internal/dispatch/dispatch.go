package dispatch

import (
	"context"
	"log/slog"
)

// Email is one outgoing notification. Body is markdown; the Renderer
// produces the text and HTML parts at delivery.
type Email struct {
	To      string `json:"to"`
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer hands emails to delivery. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer logs emails instead of delivering them. Used in debug runs.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, e Email) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email", "to", e.To, "kind", e.Kind, "subject", e.Subject, "bytes", len(e.Body))
	return nil
}
