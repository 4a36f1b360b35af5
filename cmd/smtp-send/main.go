// Package main is the entry point for smtp-send: it submits one message
// through the configured provider, or runs a local development relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-send-lite/internal/config"
	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/provider"
	"github.com/shineum/smtp-send-lite/internal/provider/graph"
	"github.com/shineum/smtp-send-lite/internal/provider/ses"
	"github.com/shineum/smtp-send-lite/internal/provider/smtp"
	"github.com/shineum/smtp-send-lite/internal/provider/stdout"
	"github.com/shineum/smtp-send-lite/internal/sender"
	smtptls "github.com/shineum/smtp-send-lite/internal/tls"
)

// errReported marks a failure that was already printed to the operator.
var errReported = errors.New("failure already reported")

var (
	configPath string
	envFile    string

	sendTo       string
	sendSubject  string
	sendBody     string
	sendProvider string
	dryRun       bool
)

var rootCmd = &cobra.Command{
	Use:   "smtp-send",
	Short: "Send one email through an authenticated, TLS-protected SMTP relay",
	Long: `smtp-send connects to the configured submission server, upgrades the
connection with STARTTLS, authenticates, sends one plaintext message and
prints whether it succeeded. Settings come from the environment, an optional
dotenv file and an optional YAML file.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSend,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to dotenv file loaded before the environment is read (optional)")

	rootCmd.Flags().StringVar(&sendTo, "to", "", "recipient address (overrides MAIL_TO)")
	rootCmd.Flags().StringVar(&sendSubject, "subject", "", "subject line (overrides MAIL_SUBJECT)")
	rootCmd.Flags().StringVar(&sendBody, "body", "", "plaintext body (overrides MAIL_BODY)")
	rootCmd.Flags().StringVar(&sendProvider, "provider", "", "delivery provider: smtp, ses, graph or stdout (overrides PROVIDER)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the message instead of sending it")

	rootCmd.AddCommand(relayCmd)
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit status: 0 on
// success, 1 on any failure.
func execute(args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func runSend(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath, envFile)
	if err != nil {
		return reportConfigError(out, err)
	}

	if cmd.Flags().Changed("to") {
		cfg.Message.To = sendTo
	}
	if cmd.Flags().Changed("subject") {
		cfg.Message.Subject = sendSubject
	}
	if cmd.Flags().Changed("body") {
		cfg.Message.Body = sendBody
	}
	if cmd.Flags().Changed("provider") {
		cfg.Provider = sendProvider
	}
	if dryRun {
		cfg.Provider = config.ProviderStdout
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.ResolveSecrets(); err != nil {
		return reportConfigError(out, err)
	}
	if err := cfg.Validate(); err != nil {
		return reportConfigError(out, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prov, err := buildProvider(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return reportConfigError(out, err)
	}

	msg := &email.Message{
		From:    cfg.Sender(),
		To:      cfg.Message.To,
		Subject: cfg.Message.Subject,
		Body:    cfg.Message.Body,
	}

	if err := sender.Send(ctx, prov, msg, out); err != nil {
		return errReported
	}
	return nil
}

// reportConfigError prints the failure marker for an error found before any
// delivery was attempted.
func reportConfigError(out io.Writer, err error) error {
	slog.Error("invalid configuration", "kind", string(provider.KindConfig), "error", err)
	fmt.Fprintf(out, "%s%v\n", sender.FailurePrefix, err)
	return errReported
}

// loadConfig loads the dotenv file, if any, and then configuration from the
// specified path (YAML + env override) or from environment variables only.
func loadConfig(path, envPath string) (*config.Config, error) {
	if envPath != "" {
		if err := config.LoadEnvFile(envPath); err != nil {
			return nil, err
		}
	}
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output on stderr
// and the specified log level. Stdout is reserved for operator output.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildProvider creates the delivery backend selected by cfg.Provider. The
// stdout provider prints to preview. cfg must have passed ValidateProvider.
func buildProvider(ctx context.Context, cfg *config.Config, preview io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		tlsCfg, err := smtptls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		if cfg.SMTP.InsecureSkipVerify {
			slog.Warn("TLS certificate verification is disabled", "host", cfg.SMTP.Host)
		}
		slog.Info("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls_mode", cfg.SMTP.TLSMode,
		)
		return smtp.New(smtp.Config{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			TLSMode:   cfg.SMTP.TLSMode,
			TLSConfig: tlsCfg,
			LocalName: cfg.SMTP.LocalName,
			Timeout:   cfg.SMTP.Timeout,
		})

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "tenant_id", cfg.Graph.TenantID)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(preview), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
