package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/provider"
	"github.com/shineum/smtp-send-lite/internal/provider/smtp"
	"github.com/shineum/smtp-send-lite/internal/provider/stdout"
	"github.com/shineum/smtp-send-lite/internal/relay"
	smtptls "github.com/shineum/smtp-send-lite/internal/tls"
)

// stubProvider records calls and returns a fixed result.
type stubProvider struct {
	mu     sync.Mutex
	calls  []*email.Message
	err    error
	panics bool
}

func (s *stubProvider) Send(_ context.Context, msg *email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msg)
	if s.panics {
		panic("boom")
	}
	return s.err
}

func (s *stubProvider) Name() string { return "stub" }

func validMessage() *email.Message {
	return &email.Message{
		From:    "a@example.test",
		To:      "b@example.test",
		Subject: "Test Email",
		Body:    "Hello, this is a test email.",
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	stub := &stubProvider{}
	var out bytes.Buffer
	msg := validMessage()
	before := time.Now()

	err := Send(context.Background(), stub, msg, &out)
	require.NoError(t, err)

	assert.Equal(t, SuccessMarker+"\n", out.String())
	require.Len(t, stub.calls, 1)
	sent := stub.calls[0]
	assert.Equal(t, msg.Body, sent.Body)
	assert.True(t, strings.HasSuffix(sent.MessageID, "@example.test>"), "MessageID: got %q", sent.MessageID)
	assert.False(t, sent.Date.Before(before), "Date: got %v, want not before %v", sent.Date, before)

	// The caller's message is left untouched.
	assert.Empty(t, msg.MessageID)
	assert.True(t, msg.Date.IsZero())
}

func TestSend_ReusedMessageGetsFreshID(t *testing.T) {
	t.Parallel()

	stub := &stubProvider{}
	msg := validMessage()

	require.NoError(t, Send(context.Background(), stub, msg, &bytes.Buffer{}))
	require.NoError(t, Send(context.Background(), stub, msg, &bytes.Buffer{}))

	require.Len(t, stub.calls, 2)
	assert.NotEmpty(t, stub.calls[0].MessageID)
	assert.NotEqual(t, stub.calls[0].MessageID, stub.calls[1].MessageID)
}

func TestSend_KeepsExistingHeaders(t *testing.T) {
	t.Parallel()

	stub := &stubProvider{}
	msg := validMessage()
	msg.MessageID = "<fixed@example.test>"
	msg.Date = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	require.NoError(t, Send(context.Background(), stub, msg, &bytes.Buffer{}))
	require.Len(t, stub.calls, 1)
	assert.Equal(t, "<fixed@example.test>", stub.calls[0].MessageID)
	assert.True(t, msg.Date.Equal(stub.calls[0].Date))
}

func TestSend_InvalidMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *email.Message
	}{
		{name: "nil", msg: nil},
		{name: "empty", msg: &email.Message{}},
		{name: "bad recipient", msg: &email.Message{From: "a@example.test", To: "nobody", Subject: "s", Body: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stub := &stubProvider{}
			var out bytes.Buffer

			err := Send(context.Background(), stub, tt.msg, &out)
			require.Error(t, err)
			assert.Equal(t, provider.KindConfig, provider.KindOf(err))
			assert.Empty(t, stub.calls, "provider must not be called")
			assert.True(t, strings.HasPrefix(out.String(), FailurePrefix), "output: got %q", out.String())
		})
	}
}

func TestSend_ProviderFailure(t *testing.T) {
	t.Parallel()

	cause := provider.Errorf(provider.KindAuth, "stub", "535 5.7.8 Authentication credentials invalid")
	stub := &stubProvider{err: cause}
	var out bytes.Buffer

	err := Send(context.Background(), stub, validMessage(), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Len(t, stub.calls, 1, "no retries")
	assert.Equal(t, FailurePrefix+cause.Error()+"\n", out.String())
}

func TestSend_ProviderPanicIsContained(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var err error
	require.NotPanics(t, func() {
		err = Send(context.Background(), &stubProvider{panics: true}, validMessage(), &out)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, provider.KindSubmit, provider.KindOf(err))
	assert.True(t, strings.HasPrefix(out.String(), FailurePrefix))
}

func TestSend_NilProvider(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var err error
	require.NotPanics(t, func() {
		err = Send(context.Background(), nil, validMessage(), &out)
	})
	require.Error(t, err)
	assert.Equal(t, provider.KindConfig, provider.KindOf(err))
	assert.True(t, strings.HasPrefix(out.String(), FailurePrefix), "output: got %q", out.String())
}

func TestSend_DryRun(t *testing.T) {
	t.Parallel()

	var printed, out bytes.Buffer
	err := Send(context.Background(), stdout.NewWithWriter(&printed), validMessage(), &out)
	require.NoError(t, err)

	assert.Contains(t, printed.String(), "To: b@example.test")
	assert.Equal(t, SuccessMarker+"\n", out.String())
}

// TestSend_ThroughRelay runs the full submission against an in-process relay
// that requires STARTTLS and AUTH.
func TestSend_ThroughRelay(t *testing.T) {
	t.Parallel()

	serverTLS, err := smtptls.LoadOrGenerateTLS("", "", "127.0.0.1")
	require.NoError(t, err)
	cert := serverTLS.Certificates[0]
	pool, err := smtptls.CertPool(&cert)
	require.NoError(t, err)

	var delivered bytes.Buffer
	var mu sync.Mutex
	var verbs []string

	srv := relay.New(relay.ServerConfig{
		ListenAddr:   "127.0.0.1:0",
		Provider:     stdout.NewWithWriter(&delivered),
		TLSConfig:    serverTLS,
		AuthUsername: "a@example.test",
		AuthPassword: "secret",
		OnCommand: func(verb string) {
			mu.Lock()
			defer mu.Unlock()
			verbs = append(verbs, verb)
		},
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	// The provider trusts the relay's self-signed certificate.
	newProvider := func(password string) provider.Provider {
		p, err := smtp.New(smtp.Config{
			Host:      host,
			Port:      port,
			Username:  "a@example.test",
			Password:  password,
			TLSConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
			Timeout:   5 * time.Second,
		})
		require.NoError(t, err)
		return p
	}

	t.Run("success", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Send(context.Background(), newProvider("secret"), validMessage(), &out))
		assert.Equal(t, SuccessMarker+"\n", out.String())

		want := []string{"EHLO", "STARTTLS", "EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(verbs) == len(want)
		}, 2*time.Second, 10*time.Millisecond)
		mu.Lock()
		assert.Equal(t, want, verbs)
		mu.Unlock()
	})

	t.Run("wrong password", func(t *testing.T) {
		var out bytes.Buffer
		err := Send(context.Background(), newProvider("guess"), validMessage(), &out)
		require.Error(t, err)
		assert.Equal(t, provider.KindAuth, provider.KindOf(err))
		assert.Contains(t, out.String(), "535")
	})
}
