package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "relayd.toml"

// Setting keys consulted through the ad-hoc settings overlay (see store).
const (
	SettingRedactLogs        = "redact_logs"
	SettingStreamBufferLimit = "stream_buffer_limit"
)

type ProviderConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key,omitempty"`
	DefaultModel   string `toml:"default_model,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
	MaxRetries     int    `toml:"max_retries,omitempty"`
}

type AuthConfig struct {
	// RelayKey is the configured credential accepted in addition to keys
	// registered in the database.
	RelayKey string `toml:"relay_key,omitempty"`
}

type LimitsConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute,omitempty"`
}

type LoggingConfig struct {
	Level             string `toml:"level,omitempty"`
	Redact            bool   `toml:"redact"`
	StreamBufferLimit int    `toml:"stream_buffer_limit,omitempty"`
	PreviewLimit      int    `toml:"preview_limit,omitempty"`
	FullLimit         int    `toml:"full_limit,omitempty"`
}

type StorageConfig struct {
	DBPath    string `toml:"db_path,omitempty"`
	UsagePath string `toml:"usage_path,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr string         `toml:"listen_addr"`
	Provider   ProviderConfig `toml:"provider"`
	Auth       AuthConfig     `toml:"auth"`
	Limits     LimitsConfig   `toml:"limits"`
	Logging    LoggingConfig  `toml:"logging"`
	Storage    StorageConfig  `toml:"storage"`
	TLS        TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "llm-relay", defaultConfigFileName)
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".local", "share", "llm-relay", "relay.db")
}

func DefaultUsagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage-db"
	}
	return filepath.Join(home, ".cache", "llm-relay", "usage-db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "llm-relay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		Provider: ProviderConfig{
			BaseURL:        "https://api.openai.com",
			TimeoutSeconds: 60,
			MaxRetries:     2,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:             "info",
			Redact:            false,
			StreamBufferLimit: 1 << 20,
			PreviewLimit:      1024,
			FullLimit:         65536,
		},
		Storage: StorageConfig{
			DBPath:    DefaultDBPath(),
			UsagePath: DefaultUsagePath(),
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(c.Provider.BaseURL), "/")
	c.Provider.APIKey = strings.TrimSpace(c.Provider.APIKey)
	c.Provider.DefaultModel = strings.TrimSpace(c.Provider.DefaultModel)
	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = 60
	}
	if c.Provider.MaxRetries < 0 {
		c.Provider.MaxRetries = 0
	}
	c.Auth.RelayKey = strings.TrimSpace(c.Auth.RelayKey)
	if c.Limits.RequestsPerMinute <= 0 {
		c.Limits.RequestsPerMinute = 60
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.StreamBufferLimit <= 0 {
		c.Logging.StreamBufferLimit = 1 << 20
	}
	if c.Logging.PreviewLimit <= 0 {
		c.Logging.PreviewLimit = 1024
	}
	if c.Logging.FullLimit <= 0 {
		c.Logging.FullLimit = 65536
	}
	c.Storage.DBPath = strings.TrimSpace(c.Storage.DBPath)
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = DefaultDBPath()
	}
	c.Storage.UsagePath = strings.TrimSpace(c.Storage.UsagePath)
	if c.Storage.UsagePath == "" {
		c.Storage.UsagePath = DefaultUsagePath()
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if c.Provider.BaseURL == "" {
		return errors.New("provider base_url cannot be empty")
	}
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("provider base_url %q is not a valid http(s) URL", c.Provider.BaseURL)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls enabled but no domain configured")
	}
	return nil
}
