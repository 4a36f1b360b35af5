// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/provider"
)

const providerName = "ses"

// authErrorCodes are the SES and STS error codes that mean the request was
// not authenticated or not authorized.
var authErrorCodes = map[string]bool{
	"AccessDeniedException":               true,
	"UnrecognizedClientException":         true,
	"InvalidClientTokenId":                true,
	"SignatureDoesNotMatch":               true,
	"ExpiredTokenException":               true,
	"MissingAuthenticationTokenException": true,
}

// Config holds the configuration for creating an SES Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SES Provider with the given configuration. Static
// credentials are used when both keys are set; otherwise the default AWS
// credential chain applies. The SDK's own retries are disabled so that each
// Send is a single attempt.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *Provider {
	return &Provider{client: client}
}

// Send delivers the message as a raw MIME document so that the Message-ID
// and Date headers survive unchanged.
func (s *Provider) Send(ctx context.Context, msg *email.Message) error {
	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return provider.Errorf(provider.KindConfig, providerName, "render message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.FromAddress()),
		Destination: &types.Destination{
			ToAddresses: []string{msg.ToAddress()},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw.Bytes()},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return classify(err)
	}

	slog.Info("message accepted",
		"provider", providerName,
		"message_id", msg.MessageID,
		"ses_message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return providerName
}

// classify maps an SES client error to a SendError. API errors are
// rejections of the request; anything else never got an answer.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if authErrorCodes[apiErr.ErrorCode()] {
			return provider.Errorf(provider.KindAuth, providerName, "%s: %w", apiErr.ErrorCode(), err)
		}
		return provider.Errorf(provider.KindSubmit, providerName, "%s: %w", apiErr.ErrorCode(), err)
	}
	return provider.Errorf(provider.KindConnect, providerName, "request failed: %w", err)
}
