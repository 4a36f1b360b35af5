// Package smtp delivers messages to a submission server over an
// authenticated, TLS-protected SMTP session.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/provider"
)

const providerName = "smtp"

// TLS modes.
const (
	// TLSModeStartTLS connects in plaintext and upgrades with STARTTLS.
	TLSModeStartTLS = "starttls"
	// TLSModeImplicit starts TLS immediately after the TCP connect.
	TLSModeImplicit = "implicit"
)

// Defaults applied by New.
const (
	DefaultPort      = 587
	DefaultLocalName = "localhost"
	DefaultTimeout   = 30 * time.Second
)

// Config holds the settings of a submission session.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSMode is TLSModeStartTLS or TLSModeImplicit.
	TLSMode string

	// TLSConfig verifies the server. ServerName defaults to Host.
	TLSConfig *tls.Config

	// LocalName is the name sent with EHLO.
	LocalName string

	// Timeout bounds the dial and every protocol exchange.
	Timeout time.Duration
}

// Provider submits messages to an SMTP server. Every Send opens a new
// connection and closes it before returning.
type Provider struct {
	cfg Config
}

// New creates an SMTP provider, filling unset fields with defaults.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("smtp: username and password are required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeStartTLS
	}
	if cfg.TLSMode != TLSModeStartTLS && cfg.TLSMode != TLSModeImplicit {
		return nil, fmt.Errorf("smtp: unknown tls mode %q", cfg.TLSMode)
	}
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSConfig != nil {
		tlsCfg = cfg.TLSConfig.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Host
	}
	cfg.TLSConfig = tlsCfg

	return &Provider{cfg: cfg}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// Addr returns the host:port the provider connects to.
func (p *Provider) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Send runs one submission: connect, EHLO, STARTTLS, EHLO, AUTH PLAIN,
// MAIL, RCPT, DATA and QUIT. Credentials are never sent before TLS is
// established. A failed QUIT after the message was accepted is logged and
// does not fail the send.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return provider.Errorf(provider.KindConfig, providerName, "render message: %w", err)
	}

	addr := p.Addr()
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return provider.Errorf(provider.KindConnect, providerName, "dial %s: %w", addr, err)
	}

	// Cancelling ctx aborts any blocked read or write.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := slog.With("provider", providerName, "addr", addr)

	c, err := p.negotiateTLS(ctx, conn)
	if err != nil {
		return err
	}
	defer c.Close()
	c.CommandTimeout = p.cfg.Timeout
	c.SubmissionTimeout = p.cfg.Timeout

	// EHLO on the encrypted channel drives the handshake when STARTTLS was used.
	if err := c.Hello(p.cfg.LocalName); err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) || p.cfg.TLSMode == TLSModeImplicit {
			return fail(ctx, provider.KindConnect, err, "ehlo")
		}
		return fail(ctx, provider.KindTLS, err, "tls handshake")
	}

	state, ok := c.TLSConnectionState()
	if !ok || !state.HandshakeComplete {
		return provider.Errorf(provider.KindTLS, providerName, "connection to %s is not encrypted", addr)
	}
	logger.Debug("tls established",
		"version", tls.VersionName(state.Version),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
	)

	if !c.SupportsAuth(sasl.Plain) {
		return provider.Errorf(provider.KindAuth, providerName, "server %s does not offer AUTH PLAIN", addr)
	}
	if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
		return fail(ctx, provider.KindAuth, err, "auth")
	}

	if err := c.Mail(msg.FromAddress(), nil); err != nil {
		return fail(ctx, provider.KindSubmit, err, "mail from")
	}
	if err := c.Rcpt(msg.ToAddress(), nil); err != nil {
		return fail(ctx, provider.KindSubmit, err, "rcpt to")
	}

	w, err := c.Data()
	if err != nil {
		return fail(ctx, provider.KindSubmit, err, "data")
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		w.Close()
		return fail(ctx, provider.KindSubmit, err, "write message")
	}
	if err := w.Close(); err != nil {
		return fail(ctx, provider.KindSubmit, err, "end of data")
	}

	logger.Info("message accepted",
		"message_id", msg.MessageID,
		"to", msg.ToAddress(),
		"bytes", raw.Len(),
	)

	if err := c.Quit(); err != nil {
		logger.Warn("quit failed after message was accepted", "error", err)
	}
	return nil
}

// negotiateTLS wraps conn in an SMTP client whose transport is, or is about
// to become, encrypted. In STARTTLS mode the greeting, the first EHLO and the
// STARTTLS command run here; the handshake itself happens on the next
// command. The whole exchange is bounded by the configured timeout.
func (p *Provider) negotiateTLS(ctx context.Context, conn net.Conn) (*gosmtp.Client, error) {
	addr := p.Addr()

	if p.cfg.TLSMode == TLSModeImplicit {
		tlsConn := tls.Client(conn, p.cfg.TLSConfig)
		hsCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			conn.Close()
			return nil, fail(ctx, provider.KindTLS, err, "tls handshake with "+addr)
		}
		return gosmtp.NewClient(tlsConn), nil
	}

	// The client applies its default timeouts until it is returned.
	initCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(initCtx, func() { conn.Close() })

	c, err := gosmtp.NewClientStartTLS(conn, p.cfg.TLSConfig)
	expired := !stop()
	if err == nil {
		return c, nil
	}

	conn.Close()
	var smtpErr *gosmtp.SMTPError
	switch {
	case ctx.Err() != nil:
		return nil, provider.Errorf(provider.KindConnect, providerName, "starttls: %w", ctx.Err())
	case expired:
		return nil, provider.Errorf(provider.KindConnect, providerName, "starttls with %s timed out after %s: %w", addr, p.cfg.Timeout, err)
	case !errors.As(err, &smtpErr) && isConnError(err):
		return nil, provider.Errorf(provider.KindConnect, providerName, "starttls with %s: %w", addr, err)
	default:
		// Missing STARTTLS extension or a rejected STARTTLS command.
		return nil, provider.Errorf(provider.KindTLS, providerName, "starttls with %s: %w", addr, err)
	}
}

// fail wraps err as a SendError of kind. Errors that are not SMTP replies
// mean the connection went away and are reported as connect failures.
func fail(ctx context.Context, kind provider.Kind, err error, step string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return provider.Errorf(provider.KindConnect, providerName, "%s: %w", step, ctxErr)
	}

	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) && kind != provider.KindTLS && isConnError(err) {
		kind = provider.KindConnect
	}
	return provider.Errorf(kind, providerName, "%s: %w", step, err)
}

func isConnError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
