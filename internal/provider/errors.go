package provider

import (
	"errors"
	"fmt"
)

// Kind classifies where in the delivery a failure happened.
type Kind string

const (
	// KindConfig is invalid input detected before any network I/O.
	KindConfig Kind = "config"
	// KindConnect covers dial failures, DNS errors and dropped connections.
	KindConnect Kind = "connect"
	// KindTLS covers a missing STARTTLS extension and handshake failures.
	KindTLS Kind = "tls"
	// KindAuth covers rejected or unsupported credentials.
	KindAuth Kind = "auth"
	// KindSubmit covers rejections of the envelope or the message content.
	KindSubmit Kind = "submit"
)

// SendError is the error returned by every Provider. It records the
// failure kind alongside the underlying cause.
type SendError struct {
	Kind     Kind
	Provider string
	Err      error
}

// Errorf builds a SendError whose cause is formatted from format and args.
// A %w verb in format keeps the wrapped error reachable.
func Errorf(kind Kind, provider, format string, args ...any) *SendError {
	return &SendError{
		Kind:     kind,
		Provider: provider,
		Err:      fmt.Errorf(format, args...),
	}
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first SendError in err's chain, or the
// empty Kind if there is none.
func KindOf(err error) Kind {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind
	}
	return ""
}
