package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v4"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MAILSYNC_"

// Config is the top-level application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sync      SyncConfig      `yaml:"sync"`
	Mailboxes []MailboxConfig `yaml:"mailboxes"`
}

// StoreConfig selects the local sqlite database.
type StoreConfig struct {
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
}

// NATSConfig holds the outbox broker settings.
type NATSConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	URL              string        `yaml:"url" env:"URL"`
	Stream           string        `yaml:"stream" env:"STREAM"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"DISPATCH_INTERVAL"`
}

// AuthConfig points at the BetterAuth server holding provider tokens.
type AuthConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// HTTPConfig configures the ops API.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// JWKSURL enables bearer-token auth on every route but /healthz.
	JWKSURL string `yaml:"jwks_url" env:"JWKS_URL"`
}

// SyncConfig holds the defaults applied to every mailbox.
type SyncConfig struct {
	MaxPages       int           `yaml:"max_pages" env:"MAX_PAGES"`
	BatchSize      int           `yaml:"batch_size" env:"BATCH_SIZE"`
	PayloadWorkers int           `yaml:"payload_workers" env:"PAYLOAD_WORKERS"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	PayloadTimeout time.Duration `yaml:"payload_timeout" env:"PAYLOAD_TIMEOUT"`
	CommitTimeout  time.Duration `yaml:"commit_timeout" env:"COMMIT_TIMEOUT"`
	LockTTL        time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Retry          RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
}

// RetryConfig bounds retries of provider calls and commits.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

// MailboxConfig describes one synced mailbox. UserJWT and IMAP.Password
// go through os.ExpandEnv so secrets can stay out of the file.
type MailboxConfig struct {
	ID           string        `yaml:"id"`
	Provider     string        `yaml:"provider"` // "gmail", "outlook" or "imap"
	UserJWT      string        `yaml:"user_jwt"`
	User         string        `yaml:"user"`
	Folder       string        `yaml:"folder"`
	PageSize     int           `yaml:"page_size"`
	Query        string        `yaml:"query"`
	LookbackDays int           `yaml:"lookback_days"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPages     int           `yaml:"max_pages"`
	IMAP         IMAPConfig    `yaml:"imap"`
}

// IMAPConfig holds the server settings of an imap mailbox.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

func defaults() *Config {
	opts := sync.DefaultOptions()
	return &Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: "sqlite", Path: "data/mailsync.db"},
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222", Stream: "MAILBOX_EVENTS", DispatchInterval: 2 * time.Second},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Sync: SyncConfig{
			BatchSize:      opts.BatchSize,
			PayloadWorkers: opts.PayloadWorkers,
			FetchTimeout:   opts.FetchTimeout,
			PayloadTimeout: opts.PayloadTimeout,
			CommitTimeout:  opts.CommitTimeout,
			LockTTL:        opts.LockTTL,
			PollInterval:   time.Minute,
			Retry: RetryConfig{
				MaxAttempts:     opts.Retry.MaxAttempts,
				InitialInterval: opts.Retry.InitialInterval,
				MaxInterval:     opts.Retry.MaxInterval,
			},
		},
	}
}

// Load reads the YAML file at path, when given, and applies MAILSYNC_*
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	for i := range cfg.Mailboxes {
		cfg.Mailboxes[i].UserJWT = os.ExpandEnv(cfg.Mailboxes[i].UserJWT)
		cfg.Mailboxes[i].IMAP.Password = os.ExpandEnv(cfg.Mailboxes[i].IMAP.Password)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the scalar sections; mailboxes only come from the file.
func applyEnv(cfg *Config) error {
	var top struct {
		LogLevel string `env:"LOG_LEVEL"`
	}
	if err := env.ParseWithOptions(&top, env.Options{Prefix: EnvPrefix}); err != nil {
		return err
	}
	if top.LogLevel != "" {
		cfg.LogLevel = top.LogLevel
	}

	sections := []struct {
		prefix string
		target any
	}{
		{"STORE_", &cfg.Store},
		{"NATS_", &cfg.NATS},
		{"AUTH_", &cfg.Auth},
		{"HTTP_", &cfg.HTTP},
		{"SYNC_", &cfg.Sync},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "sqlite3" {
		return fmt.Errorf("store.driver must be sqlite or sqlite3")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	seen := make(map[string]bool, len(c.Mailboxes))
	for i, mb := range c.Mailboxes {
		label := mb.ID
		if label == "" {
			return fmt.Errorf("mailbox #%d: id is required", i)
		}
		if seen[mb.ID] {
			return fmt.Errorf("mailbox %s: duplicate id", label)
		}
		seen[mb.ID] = true

		switch mb.Provider {
		case "gmail", "outlook":
			if c.Auth.BaseURL == "" {
				return fmt.Errorf("mailbox %s: auth.base_url is required for %s", label, mb.Provider)
			}
			if mb.UserJWT == "" {
				return fmt.Errorf("mailbox %s: user_jwt is required", label)
			}
		case "imap":
			if mb.IMAP.Host == "" {
				return fmt.Errorf("mailbox %s: imap.host is required", label)
			}
			if mb.IMAP.Username == "" {
				return fmt.Errorf("mailbox %s: imap.username is required", label)
			}
		default:
			return fmt.Errorf("mailbox %s: provider must be gmail, outlook or imap", label)
		}
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn or error")
}

// Options converts the sync section into driver options.
func (s SyncConfig) Options() sync.Options {
	return sync.Options{
		MaxPages:       s.MaxPages,
		BatchSize:      s.BatchSize,
		PayloadWorkers: s.PayloadWorkers,
		FetchTimeout:   s.FetchTimeout,
		PayloadTimeout: s.PayloadTimeout,
		CommitTimeout:  s.CommitTimeout,
		LockTTL:        s.LockTTL,
		Retry: sync.RetryPolicy{
			MaxAttempts:     s.Retry.MaxAttempts,
			InitialInterval: s.Retry.InitialInterval,
			MaxInterval:     s.Retry.MaxInterval,
		},
	}
}

// ProviderName maps the configured provider to the sync provider name.
func (m MailboxConfig) ProviderName() sync.ProviderName {
	switch m.Provider {
	case "gmail":
		return sync.ProviderGoogle
	case "outlook":
		return sync.ProviderMicrosoft
	default:
		return sync.ProviderIMAP
	}
}

// Mailbox builds the manager entry for m using defaults for unset fields.
func (m MailboxConfig) Mailbox(defaults SyncConfig) sync.Mailbox {
	opts := defaults.Options()
	if m.MaxPages > 0 {
		opts.MaxPages = m.MaxPages
	}
	interval := m.PollInterval
	if interval <= 0 {
		interval = defaults.PollInterval
	}
	return sync.Mailbox{
		ID:       m.ID,
		Provider: m.ProviderName(),
		Interval: interval,
		Options:  opts,
	}
}

// Mailbox returns the configured mailbox with the given id.
func (c *Config) Mailbox(id string) (MailboxConfig, bool) {
	for _, mb := range c.Mailboxes {
		if mb.ID == id {
			return mb, true
		}
	}
	return MailboxConfig{}, false
}
