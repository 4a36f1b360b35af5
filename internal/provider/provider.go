// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider makes exactly one delivery attempt per Send call.
type Provider interface {
	// Send delivers an email message through this provider.
	// Failures are reported as *SendError.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
