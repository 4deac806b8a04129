package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "keygated.toml"

// BanConfig holds the base cooldown durations applied when an upstream key or
// an upstream misbehaves. All durations are milliseconds; the effective
// duration doubles with every consecutive failure up to 2^MaxBackoffPow.
type BanConfig struct {
	RateLimitMS    int64 `toml:"rate_limit_ms"`
	AuthErrorMS    int64 `toml:"auth_error_ms"`
	ServerErrorMS  int64 `toml:"server_error_ms"`
	NetworkErrorMS int64 `toml:"network_error_ms"`
	MaxBackoffPow  uint  `toml:"max_backoff_pow"`
}

type UpstreamConfig struct {
	// Stable upstream id, used by the admin API and the key store.
	ID string `toml:"id" json:"id"`
	// Example: https://api.openai.com
	BaseURL string `toml:"base_url" json:"base_url"`
	// Weighted round-robin share (default 1).
	Weight int `toml:"weight,omitempty" json:"weight,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr       string `toml:"listen_addr"`
	WorkerThreads    int    `toml:"worker_threads,omitempty"`
	RequestTimeoutMS int64  `toml:"request_timeout_ms"`

	// Optional tokens required of proxy traffic (X-Proxy-Token or bearer).
	ProxyTokens []string `toml:"proxy_tokens,omitempty"`
	// Tokens required of admin API traffic. Must not be empty.
	AdminTokens []string `toml:"admin_tokens"`

	DataDir string `toml:"data_dir"`

	// Upstream ids whose streaming chat requests get
	// stream_options.include_usage injected.
	UsageInjectUpstreams []string `toml:"usage_inject_upstreams,omitempty"`

	Ban       BanConfig        `toml:"ban"`
	Upstreams []UpstreamConfig `toml:"upstreams"`
	TLS       TLSConfig        `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "keygate", defaultConfigFileName)
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keygate-data"
	}
	return filepath.Join(home, ".local", "share", "keygate")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:       "127.0.0.1:8080",
		RequestTimeoutMS: 60_000,
		DataDir:          DefaultDataDir(),
		Ban: BanConfig{
			RateLimitMS:    30_000,
			AuthErrorMS:    86_400_000,
			ServerErrorMS:  5_000,
			NetworkErrorMS: 5_000,
			MaxBackoffPow:  6,
		},
		TLS: TLSConfig{Enabled: false},
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
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func (c *ServerConfig) Normalize() {
	c.ProxyTokens = trimNonEmpty(c.ProxyTokens)
	c.AdminTokens = trimNonEmpty(c.AdminTokens)
	c.UsageInjectUpstreams = trimNonEmpty(c.UsageInjectUpstreams)
	if c.RequestTimeoutMS <= 0 {
		c.RequestTimeoutMS = 60_000
	}
	if c.Ban.RateLimitMS <= 0 {
		c.Ban.RateLimitMS = 30_000
	}
	if c.Ban.AuthErrorMS <= 0 {
		c.Ban.AuthErrorMS = 86_400_000
	}
	if c.Ban.ServerErrorMS <= 0 {
		c.Ban.ServerErrorMS = 5_000
	}
	if c.Ban.NetworkErrorMS <= 0 {
		c.Ban.NetworkErrorMS = 5_000
	}
	if c.Ban.MaxBackoffPow == 0 {
		c.Ban.MaxBackoffPow = 6
	}
	for i := range c.Upstreams {
		c.Upstreams[i].ID = strings.TrimSpace(c.Upstreams[i].ID)
		c.Upstreams[i].BaseURL = strings.TrimSpace(c.Upstreams[i].BaseURL)
		if c.Upstreams[i].Weight <= 0 {
			c.Upstreams[i].Weight = 1
		}
	}
}

func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("config: listen_addr must not be empty")
	}
	if len(c.AdminTokens) == 0 {
		return errors.New("config: admin_tokens must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: data_dir must not be empty")
	}
	seen := map[string]struct{}{}
	for i, u := range c.Upstreams {
		if u.ID == "" {
			return fmt.Errorf("config: upstreams[%d].id must not be empty", i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("config: duplicate upstream id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
		if !strings.HasPrefix(u.BaseURL, "http://") && !strings.HasPrefix(u.BaseURL, "https://") {
			return fmt.Errorf("config: upstreams[%d].base_url must start with http:// or https://", i)
		}
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return errors.New("config: tls.domain required when tls.enabled")
	}
	return nil
}

func trimNonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
