package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/provider"
)

const providerName = "graph"

// requestTimeout bounds the token request and the sendMail call.
const requestTimeout = 30 * time.Second

// Config holds the configuration for creating a Graph Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Provider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication. Mail is sent from the mailbox of the
// message's From address.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Graph Provider with the given configuration.
func New(cfg Config) *Provider {
	return newWithOverrides(cfg,
		"https://graph.microsoft.com/v1.0",
		tokenURL(cfg.TenantID),
		&http.Client{Timeout: requestTimeout},
	)
}

// newWithOverrides creates a Provider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, baseURL, tokenEndpoint string, base *http.Client) *Provider {
	return &Provider{
		baseURL:    baseURL,
		httpClient: newAuthorizedClient(cfg.ClientID, cfg.ClientSecret, tokenEndpoint, base),
	}
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return providerName
}

// Send delivers an email message with a single sendMail request.
func (g *Provider) Send(ctx context.Context, msg *email.Message) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return provider.Errorf(provider.KindConfig, providerName, "marshal request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", g.baseURL, url.PathEscape(msg.FromAddress()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return provider.Errorf(provider.KindConfig, providerName, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return provider.Errorf(provider.KindAuth, providerName, "acquire access token: %w", err)
		}
		return provider.Errorf(provider.KindConnect, providerName, "request failed: %w", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.Info("message accepted",
			"provider", providerName,
			"message_id", msg.MessageID,
			"status", resp.StatusCode,
		)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return classifyResponse(resp.StatusCode, body)
}

// classifyResponse turns a non-success sendMail response into a SendError.
func classifyResponse(statusCode int, body []byte) error {
	message := string(body)
	var graphErrResp graphErrorResponse
	if err := json.Unmarshal(body, &graphErrResp); err == nil && graphErrResp.Error.Message != "" {
		message = fmt.Sprintf("%s: %s", graphErrResp.Error.Code, graphErrResp.Error.Message)
	}

	kind := provider.KindSubmit
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		kind = provider.KindAuth
	}
	return provider.Errorf(kind, providerName, "Graph API error (HTTP %d): %s", statusCode, message)
}
