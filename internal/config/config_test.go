package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

var allEnvVars = []string{
	"PROVIDER",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_PASSWORD_FILE",
	"SMTP_PASSWORD_KEYRING", "SMTP_TLS_MODE", "SMTP_CA_FILE", "SMTP_INSECURE_SKIP_VERIFY",
	"SMTP_LOCAL_NAME", "SMTP_TIMEOUT",
	"MAIL_FROM", "MAIL_TO", "MAIL_SUBJECT", "MAIL_BODY",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY",
	"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET",
	"RELAY_LISTEN", "RELAY_HOSTNAME", "RELAY_USERNAME", "RELAY_PASSWORD", "RELAY_MAX_MESSAGE_SIZE",
	"TLS_CERT_FILE", "TLS_KEY_FILE", "LOG_LEVEL",
}

// clearEnv blanks every variable the loader reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		t.Setenv(env, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != ProviderSMTP {
		t.Errorf("Provider: got %q, want %q", cfg.Provider, ProviderSMTP)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("SMTP.Port: got %d, want %d", cfg.SMTP.Port, 587)
	}
	if cfg.SMTP.TLSMode != "starttls" {
		t.Errorf("SMTP.TLSMode: got %q, want %q", cfg.SMTP.TLSMode, "starttls")
	}
	if cfg.SMTP.Timeout != 30*time.Second {
		t.Errorf("SMTP.Timeout: got %v, want %v", cfg.SMTP.Timeout, 30*time.Second)
	}
	if cfg.SMTP.Password != "" {
		t.Errorf("SMTP.Password: got %q, want empty", cfg.SMTP.Password)
	}
	if cfg.Message.Subject != "Test Email" {
		t.Errorf("Message.Subject: got %q, want %q", cfg.Message.Subject, "Test Email")
	}
	if cfg.Relay.Listen != ":2525" {
		t.Errorf("Relay.Listen: got %q, want %q", cfg.Relay.Listen, ":2525")
	}
	if cfg.Relay.MaxMessageSize != 10485760 {
		t.Errorf("Relay.MaxMessageSize: got %d, want %d", cfg.Relay.MaxMessageSize, 10485760)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "SES")
	t.Setenv("SMTP_HOST", "smtp.example.test")
	t.Setenv("SMTP_PORT", "465")
	t.Setenv("SMTP_USERNAME", "a@example.test")
	t.Setenv("SMTP_PASSWORD", "secret")
	t.Setenv("SMTP_TLS_MODE", "IMPLICIT")
	t.Setenv("SMTP_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("SMTP_TIMEOUT", "5s")
	t.Setenv("MAIL_TO", "b@example.test")
	t.Setenv("MAIL_BODY", "custom body")
	t.Setenv("SES_REGION", "us-east-1")
	t.Setenv("GRAPH_TENANT_ID", "tid-123")
	t.Setenv("RELAY_LISTEN", ":9025")
	t.Setenv("RELAY_MAX_MESSAGE_SIZE", "1024")
	t.Setenv("TLS_CERT_FILE", "/certs/cert.pem")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != "ses" {
		t.Errorf("Provider: got %q, want %q", cfg.Provider, "ses")
	}
	if cfg.SMTP.Host != "smtp.example.test" {
		t.Errorf("SMTP.Host: got %q, want %q", cfg.SMTP.Host, "smtp.example.test")
	}
	if cfg.SMTP.Port != 465 {
		t.Errorf("SMTP.Port: got %d, want %d", cfg.SMTP.Port, 465)
	}
	if cfg.SMTP.TLSMode != "implicit" {
		t.Errorf("SMTP.TLSMode: got %q, want %q", cfg.SMTP.TLSMode, "implicit")
	}
	if !cfg.SMTP.InsecureSkipVerify {
		t.Error("SMTP.InsecureSkipVerify: got false, want true")
	}
	if cfg.SMTP.Timeout != 5*time.Second {
		t.Errorf("SMTP.Timeout: got %v, want %v", cfg.SMTP.Timeout, 5*time.Second)
	}
	if cfg.Message.To != "b@example.test" {
		t.Errorf("Message.To: got %q, want %q", cfg.Message.To, "b@example.test")
	}
	if cfg.Message.Body != "custom body" {
		t.Errorf("Message.Body: got %q, want %q", cfg.Message.Body, "custom body")
	}
	if cfg.SES.Region != "us-east-1" {
		t.Errorf("SES.Region: got %q, want %q", cfg.SES.Region, "us-east-1")
	}
	if cfg.Graph.TenantID != "tid-123" {
		t.Errorf("Graph.TenantID: got %q, want %q", cfg.Graph.TenantID, "tid-123")
	}
	if cfg.Relay.Listen != ":9025" {
		t.Errorf("Relay.Listen: got %q, want %q", cfg.Relay.Listen, ":9025")
	}
	if cfg.Relay.MaxMessageSize != 1024 {
		t.Errorf("Relay.MaxMessageSize: got %d, want %d", cfg.Relay.MaxMessageSize, 1024)
	}
	if cfg.TLS.CertFile != "/certs/cert.pem" {
		t.Errorf("TLS.CertFile: got %q, want %q", cfg.TLS.CertFile, "/certs/cert.pem")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_PORT", "submission")
	t.Setenv("SMTP_TIMEOUT", "thirty")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid values")
	}
	for _, want := range []string{"SMTP_PORT", "SMTP_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestLoadFromFile_YAMLWithEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_PORT", "2587")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
provider: smtp
smtp:
  host: smtp.example.test
  port: 587
  username: a@example.test
  timeout: 10s
message:
  to: b@example.test
  subject: From YAML
relay:
  listen: ":3025"
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Host != "smtp.example.test" {
		t.Errorf("SMTP.Host: got %q, want %q", cfg.SMTP.Host, "smtp.example.test")
	}
	if cfg.SMTP.Port != 2587 {
		t.Errorf("SMTP.Port: got %d, want %d (env wins)", cfg.SMTP.Port, 2587)
	}
	if cfg.SMTP.Timeout != 10*time.Second {
		t.Errorf("SMTP.Timeout: got %v, want %v", cfg.SMTP.Timeout, 10*time.Second)
	}
	if cfg.Message.Subject != "From YAML" {
		t.Errorf("Message.Subject: got %q, want %q", cfg.Message.Subject, "From YAML")
	}
	if cfg.Message.Body != "Hello, this is a test email." {
		t.Errorf("Message.Body: got %q, want default", cfg.Message.Body)
	}
	if cfg.Relay.Listen != ":3025" {
		t.Errorf("Relay.Listen: got %q, want %q", cfg.Relay.Listen, ":3025")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("smtp: [unclosed"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	// Already-set variables are not overridden by the file.
	t.Setenv("MAIL_TO", "b@example.test")
	// godotenv treats a variable set to "" as present, so drop it entirely.
	os.Unsetenv("SMTP_HOST")
	t.Cleanup(func() { os.Unsetenv("SMTP_HOST") })

	path := filepath.Join(t.TempDir(), ".env")
	content := "SMTP_HOST=smtp.example.test\nMAIL_TO=other@example.test\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Host != "smtp.example.test" {
		t.Errorf("SMTP.Host: got %q, want %q", cfg.SMTP.Host, "smtp.example.test")
	}
	if cfg.Message.To != "b@example.test" {
		t.Errorf("Message.To: got %q, want %q", cfg.Message.To, "b@example.test")
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestResolveSecrets_PasswordFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "smtp-password")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}

	cfg := &Config{SMTP: SMTPConfig{Username: "a@example.test", PasswordFile: path}}
	if err := cfg.ResolveSecrets(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Password != "from-file" {
		t.Errorf("SMTP.Password: got %q, want %q", cfg.SMTP.Password, "from-file")
	}
}

func TestResolveSecrets_ExplicitPasswordWins(t *testing.T) {
	t.Parallel()

	cfg := &Config{SMTP: SMTPConfig{Password: "direct", PasswordFile: "/does/not/exist"}}
	if err := cfg.ResolveSecrets(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Password != "direct" {
		t.Errorf("SMTP.Password: got %q, want %q", cfg.SMTP.Password, "direct")
	}
}

func TestResolveSecrets_Keyring(t *testing.T) {
	keyring.MockInit()

	if err := keyring.Set("smtp-send", "a@example.test", "from-keyring"); err != nil {
		t.Fatalf("failed to seed keyring: %v", err)
	}

	cfg := &Config{SMTP: SMTPConfig{Username: "a@example.test", PasswordKeyring: "smtp-send"}}
	if err := cfg.ResolveSecrets(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Password != "from-keyring" {
		t.Errorf("SMTP.Password: got %q, want %q", cfg.SMTP.Password, "from-keyring")
	}

	missing := &Config{SMTP: SMTPConfig{Username: "c@example.test", PasswordKeyring: "smtp-send"}}
	if err := missing.ResolveSecrets(); err == nil {
		t.Error("expected error for missing keyring entry")
	}
}

func validSMTPConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.SMTP.Host = "smtp.example.test"
	cfg.SMTP.Username = "a@example.test"
	cfg.SMTP.Password = "secret"
	cfg.Message.To = "b@example.test"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr []string
	}{
		{name: "valid smtp", modify: func(*Config) {}},
		{
			name:   "from matches username ignoring display name",
			modify: func(c *Config) { c.Message.From = "Alice <A@example.test>" },
		},
		{
			name:    "missing smtp fields",
			modify:  func(c *Config) { c.SMTP.Host = ""; c.SMTP.Password = "" },
			wantErr: []string{"SMTP_HOST", "SMTP_PASSWORD"},
		},
		{
			name:    "from differs from username",
			modify:  func(c *Config) { c.Message.From = "someone@example.test" },
			wantErr: []string{"must match SMTP_USERNAME"},
		},
		{
			name:    "bad tls mode",
			modify:  func(c *Config) { c.SMTP.TLSMode = "none" },
			wantErr: []string{"SMTP_TLS_MODE"},
		},
		{
			name:    "missing recipient",
			modify:  func(c *Config) { c.Message.To = "" },
			wantErr: []string{"MAIL_TO"},
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.Provider = "pigeon" },
			wantErr: []string{"unknown provider"},
		},
		{
			name: "ses without region",
			modify: func(c *Config) {
				c.Provider = ProviderSES
			},
			wantErr: []string{"SES_REGION"},
		},
		{
			name: "graph configured",
			modify: func(c *Config) {
				c.Provider = ProviderGraph
				c.Graph = GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}
			},
		},
		{
			name: "stdout needs only the message",
			modify: func(c *Config) {
				c.Provider = ProviderStdout
				c.SMTP = SMTPConfig{}
				c.Message.From = "a@example.test"
			},
		},
		{
			name: "stdout without sender",
			modify: func(c *Config) {
				c.Provider = ProviderStdout
				c.SMTP = SMTPConfig{}
			},
			wantErr: []string{"MAIL_FROM"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validSMTPConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %v", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not contain %q", err.Error(), want)
				}
			}
		})
	}
}

func TestSenderDefaultsToUsername(t *testing.T) {
	t.Parallel()

	cfg := &Config{SMTP: SMTPConfig{Username: "a@example.test"}}
	if got := cfg.Sender(); got != "a@example.test" {
		t.Errorf("Sender(): got %q, want %q", got, "a@example.test")
	}

	cfg.Message.From = "A <a@example.test>"
	if got := cfg.Sender(); got != "A <a@example.test>" {
		t.Errorf("Sender(): got %q, want %q", got, "A <a@example.test>")
	}
}
