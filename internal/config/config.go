package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Server         Server  `toml:"server"`
	Account        Account `toml:"account"`
	Chat           Chat    `toml:"chat"`
	Upload         Upload  `toml:"upload"`
	Call           Call    `toml:"call"`
	Metrics        Metrics `toml:"metrics"`
}

// Server holds the remote endpoints.
type Server struct {
	PushURL        string        `toml:"push_url"`
	APIURL         string        `toml:"api_url"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// Account identifies the local user. The token is issued elsewhere.
type Account struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

type Chat struct {
	EditWindow      time.Duration `toml:"edit_window"`
	TypingIdle      time.Duration `toml:"typing_idle"`
	RemoteTypingTTL time.Duration `toml:"remote_typing_ttl"`
	PageSize        int           `toml:"page_size"`
}

type Upload struct {
	MaxFileSize  int64    `toml:"max_file_size"`
	AllowedTypes []string `toml:"allowed_types"`
	MaxPending   int      `toml:"max_pending"`
	Concurrency  int      `toml:"concurrency"`
}

type Call struct {
	RingTimeout time.Duration `toml:"ring_timeout"`
}

type Metrics struct {
	// Addr is the listen address of /metrics and /healthz; empty disables them.
	Addr string `toml:"addr"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Server: Server{RequestTimeout: 10 * time.Second},
		Chat: Chat{
			EditWindow:      15 * time.Minute,
			TypingIdle:      2 * time.Second,
			RemoteTypingTTL: 5 * time.Second,
			PageSize:        50,
		},
		Upload: Upload{
			MaxFileSize:  25 << 20,
			AllowedTypes: []string{"image/", "video/", "audio/", "application/pdf", "text/plain"},
			MaxPending:   10,
			Concurrency:  3,
		},
		Call: Call{RingTimeout: 40 * time.Second},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		d := Default()
		return &d, nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Environment variables that override file values.
const (
	EnvToken       = "PARLEY_TOKEN"
	EnvUserID      = "PARLEY_USER_ID"
	EnvPushURL     = "PARLEY_PUSH_URL"
	EnvAPIURL      = "PARLEY_API_URL"
	EnvMetricsAddr = "PARLEY_METRICS_ADDR"
)

// LoadEnvFile exports the variables of a .env file that are not already set.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with any PARLEY_* variables that are set.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Account.Token, EnvToken)
	set(&c.Account.UserID, EnvUserID)
	set(&c.Server.PushURL, EnvPushURL)
	set(&c.Server.APIURL, EnvAPIURL)
	set(&c.Metrics.Addr, EnvMetricsAddr)
}

// Validate checks what the daemon needs to reach the platform.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.PushURL == "" {
		errs = append(errs, errors.New("server.push_url is required"))
	}
	if c.Server.APIURL == "" {
		errs = append(errs, errors.New("server.api_url is required"))
	}
	if c.Account.UserID == "" {
		errs = append(errs, errors.New("account.user_id is required"))
	}
	if c.Chat.PageSize < 0 || c.Upload.Concurrency < 0 || c.Upload.MaxPending < 0 {
		errs = append(errs, errors.New("sizes and limits cannot be negative"))
	}
	return errors.Join(errs...)
}
