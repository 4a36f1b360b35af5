// Package email defines the message model submitted by the sender and
// accepted by the relay.
package email

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Message is a single plaintext email with one sender and one recipient.
type Message struct {
	From      string
	To        string
	Subject   string
	Body      string
	MessageID string
	Date      time.Time
}

// Validate checks that all required fields are present and that the
// sender and recipient are valid RFC 5322 addresses. All problems are
// reported together.
func (m *Message) Validate() error {
	var errs []error

	if strings.TrimSpace(m.From) == "" {
		errs = append(errs, errors.New("from address is required"))
	} else if _, err := mail.ParseAddress(m.From); err != nil {
		errs = append(errs, fmt.Errorf("invalid from address %q: %w", m.From, err))
	}

	if strings.TrimSpace(m.To) == "" {
		errs = append(errs, errors.New("to address is required"))
	} else if _, err := mail.ParseAddress(m.To); err != nil {
		errs = append(errs, fmt.Errorf("invalid to address %q: %w", m.To, err))
	}

	if strings.TrimSpace(m.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	} else if strings.ContainsAny(m.Subject, "\r\n") {
		errs = append(errs, errors.New("subject must not contain line breaks"))
	}

	if strings.TrimSpace(m.Body) == "" {
		errs = append(errs, errors.New("body is required"))
	}

	return errors.Join(errs...)
}

// FromAddress returns the bare address of the sender, without display name.
func (m *Message) FromAddress() string {
	return bareAddress(m.From)
}

// ToAddress returns the bare address of the recipient, without display name.
func (m *Message) ToAddress() string {
	return bareAddress(m.To)
}

// WriteTo renders the message as an RFC 5322 document with a single
// text/plain part.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	gm := gomail.NewMessage()
	setAddressHeader(gm, "From", m.From)
	setAddressHeader(gm, "To", m.To)
	gm.SetHeader("Subject", m.Subject)
	if m.MessageID != "" {
		gm.SetHeader("Message-ID", m.MessageID)
	}
	if !m.Date.IsZero() {
		gm.SetDateHeader("Date", m.Date)
	}
	gm.SetBody("text/plain", m.Body)

	return gm.WriteTo(w)
}

// NewMessageID returns a globally unique Message-ID for the given sender
// address, using the sender's domain as the right-hand side.
func NewMessageID(from string) string {
	domain := "localhost"
	addr := bareAddress(from)
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		domain = addr[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// setAddressHeader sets an address header so that only the display name is
// encoded and the angle-bracketed address stays parseable.
func setAddressHeader(gm *gomail.Message, field, raw string) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		gm.SetHeader(field, strings.TrimSpace(raw))
		return
	}
	gm.SetAddressHeader(field, addr.Address, addr.Name)
}

// bareAddress strips the display name from an address, falling back to the
// raw input when it cannot be parsed.
func bareAddress(raw string) string {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.Address
}
