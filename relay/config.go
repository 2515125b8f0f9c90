package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/agency-relay/protocol"
)

// Config holds the relay configuration
type Config struct {
	// DevMode enables human-readable console logging
	DevMode bool `yaml:"dev_mode"`

	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
	NATS         NATSConfig         `yaml:"nats"`
	Storage      StorageConfig      `yaml:"storage"`
	ForwardAgent ForwardAgentConfig `yaml:"forward_agent"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP transport settings
type ServerConfig struct {
	Listen           string `yaml:"listen"`
	Prefix           string `yaml:"prefix"`
	MaxPayload       int64  `yaml:"max_payload_bytes"`
	RestoreTimeoutMs int    `yaml:"restore_timeout_ms"`
}

// AdminConfig controls the admin API
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
}

// StorageConfig selects the connection store
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// ForwardAgentConfig holds the forward agent identity
type ForwardAgentConfig struct {
	// Seed must be 32 bytes. Pairwise records are owned by the forward
	// agent verkey, so without a seed nothing survives a restart.
	Seed        string `yaml:"seed"`
	WalletName  string `yaml:"wallet_name"`
	Passphrase  string `yaml:"passphrase"`
	Endpoint    string `yaml:"endpoint"`
	MailboxSize int    `yaml:"mailbox_size"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// PassphraseEnv overrides forward_agent.passphrase.
const PassphraseEnv = "RELAY_WALLET_PASSPHRASE"

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if p := os.Getenv(PassphraseEnv); p != "" {
		cfg.ForwardAgent.Passphrase = p
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Server: ServerConfig{
			Listen:           ":8080",
			Prefix:           "/agency",
			MaxPayload:       protocol.MaxEnvelopeSize,
			RestoreTimeoutMs: 30000,
		},
		Admin: AdminConfig{
			Enabled: false,
		},
		NATS: NATSConfig{
			Enabled:         false,
			URL:             "nats://127.0.0.1:4222",
			CredentialsFile: "/etc/agency-relay/nats.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
			SubjectPrefix:   "agency",
			Workers:         8,
			QueueSize:       256,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "/var/lib/agency-relay/relay.db",
		},
		ForwardAgent: ForwardAgentConfig{
			WalletName:  "forward-agent",
			MailboxSize: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values the relay cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if !strings.HasPrefix(c.Server.Prefix, "/") || strings.TrimRight(c.Server.Prefix, "/") == "" {
		errs = append(errs, fmt.Errorf("server.prefix must be a non-root path, got %q", c.Server.Prefix))
	}
	if c.Server.MaxPayload <= 0 || c.Server.MaxPayload > protocol.MaxEnvelopeSize {
		errs = append(errs, fmt.Errorf("server.max_payload_bytes must be in (0, %d]", protocol.MaxEnvelopeSize))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.ForwardAgent.Seed != "" && len(c.ForwardAgent.Seed) != 32 {
		errs = append(errs, fmt.Errorf("forward_agent.seed must be 32 bytes, got %d", len(c.ForwardAgent.Seed)))
	}
	if c.ForwardAgent.Passphrase == "" {
		errs = append(errs, fmt.Errorf("forward_agent.passphrase is required (or set %s)", PassphraseEnv))
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required when nats is enabled"))
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, "*> ") {
			errs = append(errs, fmt.Errorf("invalid nats.subject_prefix %q", c.NATS.SubjectPrefix))
		}
	}

	return errors.Join(errs...)
}

// Prefix returns the agency path prefix without a trailing slash.
func (c *Config) Prefix() string {
	return strings.TrimRight(c.Server.Prefix, "/")
}

// Endpoint returns the advertised forward endpoint. Without an explicit
// value it is derived from the listen address.
func (c *Config) Endpoint() string {
	if c.ForwardAgent.Endpoint != "" {
		return c.ForwardAgent.Endpoint
	}
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return c.Prefix() + "/msg"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + c.Prefix() + "/msg"
}

// Seed returns the forward agent seed, or nil for a random identity.
func (c *Config) Seed() []byte {
	if c.ForwardAgent.Seed == "" {
		return nil
	}
	return []byte(c.ForwardAgent.Seed)
}

func (c *Config) RestoreTimeout() time.Duration {
	return time.Duration(c.Server.RestoreTimeoutMs) * time.Millisecond
}
