package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-send-lite/internal/config"
	"github.com/shineum/smtp-send-lite/internal/relay"
	smtptls "github.com/shineum/smtp-send-lite/internal/tls"
)

var (
	relayProvider string
	relayWriteCA  string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local SMTP relay for testing the sender",
	Long: `relay listens for SMTP submissions, offers STARTTLS and AUTH PLAIN/LOGIN,
and hands every accepted message to a provider. By default messages are
printed to stdout. With --provider the relay forwards them through the
configured smtp, ses or graph provider instead.`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayProvider, "provider", config.ProviderStdout, "provider that receives accepted messages")
	relayCmd.Flags().StringVar(&relayWriteCA, "write-ca", "", "write the relay certificate in PEM form to this path, for use as SMTP_CA_FILE")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath, envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Provider = relayProvider

	setupLogger(cfg.Logging.Level)

	if err := cfg.ResolveSecrets(); err != nil {
		return err
	}
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}

	// Load or generate TLS certificates
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile,
		cfg.Relay.Hostname, "localhost", "127.0.0.1")
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	if relayWriteCA != "" {
		if err := smtptls.WriteCertPEM(&tlsConfig.Certificates[0], relayWriteCA); err != nil {
			return err
		}
		slog.Info("wrote relay certificate", "path", relayWriteCA)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prov, err := buildProvider(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	server := relay.New(relay.ServerConfig{
		ListenAddr:     cfg.Relay.Listen,
		Hostname:       cfg.Relay.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.Relay.Username,
		AuthPassword:   cfg.Relay.Password,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	})

	slog.Info("starting relay",
		"listen", cfg.Relay.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.RelayAuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Blocks until a signal cancels the context
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("relay error: %w", err)
	}

	slog.Info("relay stopped")
	return nil
}
