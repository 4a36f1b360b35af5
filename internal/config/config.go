// Package config provides environment-variable-first configuration loading
// with optional YAML file and dotenv fallbacks for the sender and the relay.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// defaultMaxMessageSize is 10 MB in bytes.
const defaultMaxMessageSize = 10485760

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Message  MessageConfig `yaml:"message"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	Relay    RelayConfig   `yaml:"relay"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the submission server the sender connects to.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PasswordFile names a file holding the password, e.g. a mounted secret.
	PasswordFile string `yaml:"password_file"`
	// PasswordKeyring names the OS keyring service holding the password
	// under Username.
	PasswordKeyring string `yaml:"password_keyring"`

	TLSMode            string        `yaml:"tls_mode"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	LocalName          string        `yaml:"local_name"`
	Timeout            time.Duration `yaml:"timeout"`
}

// MessageConfig holds the message to send.
type MessageConfig struct {
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// RelayConfig holds the local development relay configuration.
type RelayConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds the relay's TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set are left untouched.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ResolveSecrets fills SMTP.Password from PasswordFile or the OS keyring
// when it is not set directly. An explicit password wins.
func (c *Config) ResolveSecrets() error {
	if c.SMTP.Password != "" {
		return nil
	}

	if c.SMTP.PasswordFile != "" {
		data, err := os.ReadFile(c.SMTP.PasswordFile)
		if err != nil {
			return fmt.Errorf("failed to read password file: %w", err)
		}
		c.SMTP.Password = strings.TrimRight(string(data), "\r\n")
		return nil
	}

	if c.SMTP.PasswordKeyring != "" {
		if c.SMTP.Username == "" {
			return errors.New("keyring lookup requires smtp username")
		}
		secret, err := keyring.Get(c.SMTP.PasswordKeyring, c.SMTP.Username)
		if err != nil {
			return fmt.Errorf("failed to read password from keyring service %q: %w", c.SMTP.PasswordKeyring, err)
		}
		c.SMTP.Password = secret
	}

	return nil
}

// Validate checks that everything needed to send the configured message
// through the selected provider is present. All problems are reported
// together.
func (c *Config) Validate() error {
	errs := []error{c.ValidateProvider()}

	if c.Sender() == "" {
		errs = append(errs, errors.New("MAIL_FROM is required"))
	}
	if c.Message.To == "" {
		errs = append(errs, errors.New("MAIL_TO is required"))
	}
	if c.Provider == ProviderSMTP && c.Message.From != "" && c.SMTP.Username != "" &&
		!sameAddress(c.Message.From, c.SMTP.Username) {
		errs = append(errs, fmt.Errorf("MAIL_FROM %q must match SMTP_USERNAME %q", c.Message.From, c.SMTP.Username))
	}

	return errors.Join(errs...)
}

// ValidateProvider checks only the settings of the selected provider. The
// relay uses it, since it never sends the configured message.
func (c *Config) ValidateProvider() error {
	var errs []error

	switch c.Provider {
	case ProviderSMTP:
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("SMTP_HOST is required"))
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("SMTP_PORT %d is out of range", c.SMTP.Port))
		}
		if c.SMTP.Username == "" {
			errs = append(errs, errors.New("SMTP_USERNAME is required"))
		}
		if c.SMTP.Password == "" {
			errs = append(errs, errors.New("SMTP_PASSWORD, SMTP_PASSWORD_FILE or SMTP_PASSWORD_KEYRING is required"))
		}
		if c.SMTP.TLSMode != "starttls" && c.SMTP.TLSMode != "implicit" {
			errs = append(errs, fmt.Errorf("SMTP_TLS_MODE %q must be starttls or implicit", c.SMTP.TLSMode))
		}
		if c.SMTP.Timeout <= 0 {
			errs = append(errs, errors.New("SMTP_TIMEOUT must be positive"))
		}
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("SES_REGION is required"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET are required"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	return errors.Join(errs...)
}

// Sender returns the From address of the message. It defaults to the SMTP
// username, which is the identity the relay authenticates.
func (c *Config) Sender() string {
	if c.Message.From != "" {
		return c.Message.From
	}
	return c.SMTP.Username
}

// SESConfigured returns true if an SES region is set. Credentials may come
// from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// RelayAuthEnabled returns true if both relay username and password are set.
func (c *Config) RelayAuthEnabled() bool {
	return c.Relay.Username != "" && c.Relay.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.SMTP.Port = 587
	c.SMTP.TLSMode = "starttls"
	c.SMTP.LocalName = "localhost"
	c.SMTP.Timeout = 30 * time.Second
	c.Message.Subject = "Test Email"
	c.Message.Body = "Hello, this is a test email."
	c.Relay.Listen = ":2525"
	c.Relay.Hostname = "localhost"
	c.Relay.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are reported together.
func (c *Config) applyEnvVars() error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString("SMTP_HOST", &c.SMTP.Host)
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_PORT %q: %w", v, err))
		} else {
			c.SMTP.Port = port
		}
	}
	setString("SMTP_USERNAME", &c.SMTP.Username)
	setString("SMTP_PASSWORD", &c.SMTP.Password)
	setString("SMTP_PASSWORD_FILE", &c.SMTP.PasswordFile)
	setString("SMTP_PASSWORD_KEYRING", &c.SMTP.PasswordKeyring)
	if v := os.Getenv("SMTP_TLS_MODE"); v != "" {
		c.SMTP.TLSMode = strings.ToLower(v)
	}
	setString("SMTP_CA_FILE", &c.SMTP.CAFile)
	if v := os.Getenv("SMTP_INSECURE_SKIP_VERIFY"); v != "" {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_INSECURE_SKIP_VERIFY %q: %w", v, err))
		} else {
			c.SMTP.InsecureSkipVerify = skip
		}
	}
	setString("SMTP_LOCAL_NAME", &c.SMTP.LocalName)
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_TIMEOUT %q: %w", v, err))
		} else {
			c.SMTP.Timeout = timeout
		}
	}

	setString("MAIL_FROM", &c.Message.From)
	setString("MAIL_TO", &c.Message.To)
	setString("MAIL_SUBJECT", &c.Message.Subject)
	setString("MAIL_BODY", &c.Message.Body)

	setString("SES_REGION", &c.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)

	setString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	setString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	setString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)

	setString("RELAY_LISTEN", &c.Relay.Listen)
	setString("RELAY_HOSTNAME", &c.Relay.Hostname)
	setString("RELAY_USERNAME", &c.Relay.Username)
	setString("RELAY_PASSWORD", &c.Relay.Password)
	if v := os.Getenv("RELAY_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RELAY_MAX_MESSAGE_SIZE %q: %w", v, err))
		} else {
			c.Relay.MaxMessageSize = size
		}
	}

	setString("TLS_CERT_FILE", &c.TLS.CertFile)
	setString("TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

// sameAddress reports whether a and b name the same mailbox, ignoring
// display names and case.
func sameAddress(a, b string) bool {
	return strings.EqualFold(bareAddress(a), bareAddress(b))
}

func bareAddress(raw string) string {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.Address
}
