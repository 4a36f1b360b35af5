// Package sender runs a single email submission through a Provider and
// reports the outcome to the operator.
package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/provider"
)

// Operator-facing outcome lines.
const (
	SuccessMarker = "email sent successfully"
	FailurePrefix = "email send failed: "
)

// Send validates msg and delivers a copy of it through p exactly once. The
// copy gets a fresh Message-ID unless msg carries one, and the current time
// unless msg has a Date; msg itself is not modified. The outcome is printed
// to out as a single marker line and the delivery error, if any, is returned.
func Send(ctx context.Context, p provider.Provider, msg *email.Message, out io.Writer) (err error) {
	if p == nil {
		err = provider.Errorf(provider.KindConfig, "none", "no provider configured")
		report(slog.Default(), out, nil, err)
		return err
	}

	name := p.Name()
	logger := slog.With("provider", name)
	var sent *email.Message

	defer func() {
		if r := recover(); r != nil {
			err = provider.Errorf(provider.KindSubmit, name, "provider panicked: %v", r)
		}
		report(logger, out, sent, err)
	}()

	if msg == nil {
		return provider.Errorf(provider.KindConfig, name, "no message")
	}
	if verr := msg.Validate(); verr != nil {
		return &provider.SendError{Kind: provider.KindConfig, Provider: name, Err: verr}
	}

	stamped := *msg
	if stamped.MessageID == "" {
		stamped.MessageID = email.NewMessageID(stamped.From)
	}
	if stamped.Date.IsZero() {
		stamped.Date = time.Now()
	}
	sent = &stamped

	logger.Debug("sending message",
		"message_id", sent.MessageID,
		"to", sent.ToAddress(),
	)

	start := time.Now()
	err = p.Send(ctx, sent)
	logger.Debug("provider returned", "duration", time.Since(start), "error", err)
	return err
}

func report(logger *slog.Logger, out io.Writer, msg *email.Message, err error) {
	if err != nil {
		logger.Error("email send failed",
			"kind", string(provider.KindOf(err)),
			"error", err,
		)
		fmt.Fprintf(out, "%s%v\n", FailurePrefix, err)
		return
	}

	logger.Info("email sent",
		"message_id", msg.MessageID,
		"to", msg.ToAddress(),
	)
	fmt.Fprintln(out, SuccessMarker)
}
