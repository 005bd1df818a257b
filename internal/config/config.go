package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the transfer coordinator.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"
	DataDir   string

	ARIURL      string // ARI root, e.g. "http://localhost:8088/ari"
	ARIUsername string
	ARIPassword string
	ARIApp      string // Stasis application name

	AMIDURL   string // AMI HTTP proxy root
	AMIDToken string

	StoreBackend string // where transfer state lives: ari, sqlite, postgres, memory
	StoreDSN     string // postgres connection string

	NATSURL           string // empty disables the bus; events are logged instead
	NATSSubjectPrefix string

	MohClass         string
	TransferContext  string // dialplan context that sends channels into stasis
	TransferExten    string
	OriginateTimeout int // seconds the recipient rings when a request sets none
	MailboxSize      int
	APIRateLimit     int // requests per second per client, 0 disables
}

// Store backends.
const (
	StoreARI      = "ari"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// defaults
const (
	defaultHTTPPort          = 9500
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultDataDir           = "./data"
	defaultARIURL            = "http://localhost:8088/ari"
	defaultARIApp            = "transferd"
	defaultAMIDURL           = "http://localhost:9491"
	defaultStoreBackend      = StoreARI
	defaultNATSSubjectPrefix = "transferd"
	defaultMohClass          = "default"
	defaultTransferContext   = "convert_to_stasis"
	defaultTransferExten     = "transfer"
	defaultOriginateTimeout  = 30
	defaultMailboxSize       = 256
	defaultAPIRateLimit      = 20
)

// envPrefix is the prefix for all transferd environment variables.
const envPrefix = "TRANSFERD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("transferd", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite store")
	fs.StringVar(&cfg.ARIURL, "ari-url", defaultARIURL, "ARI root URL")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "ARI user")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "Stasis application name")
	fs.StringVar(&cfg.AMIDURL, "amid-url", defaultAMIDURL, "AMI HTTP proxy URL")
	fs.StringVar(&cfg.AMIDToken, "amid-token", "", "AMI HTTP proxy auth token")
	fs.StringVar(&cfg.StoreBackend, "store-backend", defaultStoreBackend, "transfer state backend (ari, sqlite, postgres, memory)")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "postgres connection string for the postgres store")
	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL for transfer events (events are logged when empty)")
	fs.StringVar(&cfg.NATSSubjectPrefix, "nats-subject-prefix", defaultNATSSubjectPrefix, "subject prefix for transfer events")
	fs.StringVar(&cfg.MohClass, "moh-class", defaultMohClass, "music on hold class played to the transferred party")
	fs.StringVar(&cfg.TransferContext, "transfer-context", defaultTransferContext, "dialplan context that sends channels into the application")
	fs.StringVar(&cfg.TransferExten, "transfer-exten", defaultTransferExten, "extension in transfer-context")
	fs.IntVar(&cfg.OriginateTimeout, "originate-timeout", defaultOriginateTimeout, "seconds the recipient rings before giving up")
	fs.IntVar(&cfg.MailboxSize, "mailbox-size", defaultMailboxSize, "number of ARI events buffered for the router")
	fs.IntVar(&cfg.APIRateLimit, "api-rate-limit", defaultAPIRateLimit, "API requests per second per client (0 disables)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Every flag maps to
// TRANSFERD_<NAME> with dashes turned into underscores.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid environment value", "env", envVar, "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if err := validateURL("ari-url", c.ARIURL); err != nil {
		return err
	}
	if err := validateURL("amid-url", c.AMIDURL); err != nil {
		return err
	}
	if c.ARIApp == "" {
		return fmt.Errorf("ari-app is required")
	}

	c.StoreBackend = strings.ToLower(c.StoreBackend)
	switch c.StoreBackend {
	case StoreARI, StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("store-dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("store-backend must be one of ari, sqlite, postgres, memory; got %q", c.StoreBackend)
	}

	if c.TransferContext == "" || c.TransferExten == "" {
		return fmt.Errorf("transfer-context and transfer-exten are required")
	}
	if c.OriginateTimeout < 1 {
		return fmt.Errorf("originate-timeout must be positive, got %d", c.OriginateTimeout)
	}
	if c.MailboxSize < 1 {
		return fmt.Errorf("mailbox-size must be positive, got %d", c.MailboxSize)
	}
	if c.APIRateLimit < 0 {
		return fmt.Errorf("api-rate-limit must not be negative, got %d", c.APIRateLimit)
	}

	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", name, raw)
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
