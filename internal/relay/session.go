package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-send-lite/internal/parser"
	"github.com/shineum/smtp-send-lite/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize is used when the server is configured without a limit (10 MB).
const defaultMaxMessageSize = 10 * 1024 * 1024

// errMessageTooLarge aborts a DATA read once the configured limit is exceeded.
var errMessageTooLarge = errors.New("message exceeds maximum size")

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	provider provider.Provider
	hostname string
	maxSize  int64

	// onCommand observes every command verb before it is handled.
	onCommand func(verb string)

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, prov provider.Provider, hostname string, tlsConfig *tls.Config) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		provider:  prov,
		hostname:  hostname,
		maxSize:   defaultMaxMessageSize,
		tlsConfig: tlsConfig,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-send-lite relay", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.onCommand != nil {
			s.onCommand(cmd)
		}
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// authAllowed reports whether AUTH may be offered on the connection in its
// current state. Credentials are only accepted over TLS when TLS is configured.
func (s *Session) authAllowed() bool {
	return s.auth.Enabled() && (s.tlsConfig == nil || s.tlsActive)
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.authAllowed() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS. It returns true when the
// handshake failed and the session has to end.
func (s *Session) handleSTARTTLS() bool {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("503 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("TLS handshake failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		return true
	}

	// RFC 3207: the client must greet again and all prior state is discarded.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
	return false
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if !s.authAllowed() {
		s.writeLine("538 5.7.11 Encryption required for requested authentication mechanism")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	var err error
	switch mechanism {
	case "PLAIN":
		err = s.authPlain(parts)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case err != nil:
		slog.Info("authentication failed", "remote", s.conn.RemoteAddr().String(), "mechanism", mechanism)
		s.writeLine("535 5.7.8 Authentication credentials invalid")
	default:
		s.state = stateAuthOK
		s.writeLine("235 2.7.0 Authentication successful")
	}
}

// authPlain runs AUTH PLAIN with either an inline initial response or a
// 334 challenge.
func (s *Session) authPlain(parts []string) error {
	encoded := ""
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		line, err := s.challenge("")
		if err != nil {
			return err
		}
		encoded = line
	}

	if encoded == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(encoded)
}

// authLogin runs the AUTH LOGIN username/password challenge exchange.
func (s *Session) authLogin() error {
	// base64 "Username:"
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	if user == "*" {
		return errAuthCancelled
	}

	// base64 "Password:"
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	if pass == "*" {
		return errAuthCancelled
	}

	return s.auth.VerifyLogin(user, pass)
}

// challenge sends a 334 continuation and reads the client's response line.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read AUTH response: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitParams(arg[5:])
	addr = extractAddress(addr)
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if declared, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(declared, 10, 64)
		if err != nil {
			s.writeLine("501 Invalid SIZE parameter")
			return
		}
		if size > s.maxSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitParams(arg[3:])
	addr = extractAddress(addr)
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, parses it and hands it to the provider.
// It returns true if the connection broke while reading.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return true
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		s.writeLine("554 5.6.0 Failed to process message")
		s.resetTransaction()
		return false
	}

	// Envelope values fill in whatever the headers left out.
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if msg.To == "" {
		msg.To = strings.Join(s.rcptTo, ", ")
	}

	if err := s.provider.Send(ctx, msg); err != nil {
		slog.Error("provider send failed",
			"provider", s.provider.Name(),
			"error", err,
		)
		s.writeLine("451 4.3.0 Temporary failure, please try again later")
		s.resetTransaction()
		return false
	}

	slog.Info("message accepted",
		"from", s.mailFrom,
		"rcpt", s.rcptTo,
		"message_id", msg.MessageID,
		"provider", s.provider.Name(),
	)
	s.writeLine("250 OK message queued")
	s.resetTransaction()
	return false
}

// readData reads dot-terminated message content, undoing dot-stuffing and
// dropping the line break that precedes the terminator. Once
// the size limit is exceeded the rest of the message is drained and
// errMessageTooLarge is returned.
func (s *Session) readData() ([]byte, error) {
	var buf strings.Builder
	tooLarge := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.maxSize {
			tooLarge = true
			continue
		}
		buf.WriteString(line)
	}

	if tooLarge {
		return nil, errMessageTooLarge
	}

	// The line break before the terminating dot belongs to the terminator.
	data := buf.String()
	if strings.HasSuffix(data, "\r\n") {
		data = data[:len(data)-2]
	} else if strings.HasSuffix(data, "\n") {
		data = data[:len(data)-1]
	}
	return []byte(data), nil
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// splitParams separates the path of a MAIL/RCPT argument from its ESMTP
// parameters (e.g. "<a@b> SIZE=123 BODY=8BITMIME").
func splitParams(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)
	path := s
	rest := ""

	if strings.HasPrefix(s, "<") {
		if end := strings.Index(s, ">"); end >= 0 {
			path, rest = s[:end+1], s[end+1:]
		}
	} else if i := strings.IndexByte(s, ' '); i >= 0 {
		path, rest = s[:i], s[i+1:]
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return path, params
}

// extractAddress extracts an email address from an SMTP path,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
