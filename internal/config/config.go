// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"game-proxy-go/internal/codec"
	"game-proxy-go/internal/content"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/game-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are route prefixes the metrics endpoint must not shadow.
var reservedPaths = []string{"/play", "/p", "/ws", "/raw", "/img", "/encode", "/health", "/status"}

const (
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "en-US,en;q=0.9"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicBase string `kong:"help='Public proxy origin used in rewritten links (overrides config).',env='PUBLIC_BASE'"`
	CodecKey   string `kong:"help='XOR key for obfuscated proxy tokens (overrides config).',env='CODEC_KEY'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once at
// startup and treated as read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Codec    CodecConfig    `toml:"codec"`
	Upstream UpstreamConfig `toml:"upstream"`
	CacheTTL CacheTTLConfig `toml:"cache_ttl"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the identity the proxy presents to upstreams and to browsers.
type ProxyConfig struct {
	// PublicBase fixes the proxy origin used in generated links. Empty means
	// derive it from each inbound request.
	PublicBase     string `toml:"public_base"`
	UserAgent      string `toml:"user_agent"`
	AcceptLanguage string `toml:"accept_language"`
}

// CodecConfig selects the proxy token format.
type CodecConfig struct {
	Mode string `toml:"mode"`
	Key  string `toml:"key"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int   `toml:"timeout_seconds"`
	IdleConnections int   `toml:"idle_connections"`
	MaxBodyBytes    int64 `toml:"max_body_bytes"`
}

// CacheTTLConfig holds Cache-Control max-age seconds per content family.
// 0 keeps the default, -1 disables caching for that family.
type CacheTTLConfig struct {
	HTML  int `toml:"html"`
	CSS   int `toml:"css"`
	JS    int `toml:"js"`
	Image int `toml:"image"`
	Font  int `toml:"font"`
	Other int `toml:"other"`
}

// CacheConfig controls the in-process cache of rewritten responses.
type CacheConfig struct {
	Enabled    bool  `toml:"enabled"`
	MaxEntries int64 `toml:"max_entries"`
	MaxBytes   int64 `toml:"max_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/game-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicBase != "" {
		c.Proxy.PublicBase = cli.PublicBase
	}
	if cli.CodecKey != "" {
		c.Codec.Key = cli.CodecKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Public base: optional, but when set it must be a bare http(s) origin.
	if c.Proxy.PublicBase != "" {
		u, err := url.Parse(c.Proxy.PublicBase)
		if err != nil {
			return fmt.Errorf("proxy.public_base is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("proxy.public_base must use http or https; got %q", c.Proxy.PublicBase)
		}
		if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
			return fmt.Errorf("proxy.public_base must be an origin without path or query; got %q", c.Proxy.PublicBase)
		}
	}

	switch codec.Mode(strings.ToLower(c.Codec.Mode)) {
	case "", codec.ModePlain:
	case codec.ModeXOR:
		if c.Codec.Key == "" {
			return fmt.Errorf("codec.key is required when codec.mode is %q", codec.ModeXOR)
		}
	default:
		return fmt.Errorf("codec.mode must be one of: plain, xor; got %q", c.Codec.Mode)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for name, v := range map[string]int{
		"html": c.CacheTTL.HTML, "css": c.CacheTTL.CSS, "js": c.CacheTTL.JS,
		"image": c.CacheTTL.Image, "font": c.CacheTTL.Font, "other": c.CacheTTL.Other,
	} {
		if v < -1 {
			return fmt.Errorf("cache_ttl.%s must be -1, 0 or a positive number of seconds; got %d", name, v)
		}
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_entries and cache.max_bytes must be non-negative")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path must not be the root path")
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Proxy.PublicBase = strings.TrimRight(c.Proxy.PublicBase, "/")
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = defaultUserAgent
	}
	if c.Proxy.AcceptLanguage == "" {
		c.Proxy.AcceptLanguage = defaultAcceptLanguage
	}
	c.Codec.Mode = strings.ToLower(c.Codec.Mode)
	if c.Codec.Mode == "" {
		c.Codec.Mode = string(codec.ModePlain)
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 256 * 1024 * 1024 // 256 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// CachePolicy merges the configured TTLs over the default policy.
func (c *Config) CachePolicy() content.CachePolicy {
	p := content.DefaultCachePolicy()
	merge := func(dst *int, v int) {
		switch {
		case v < 0:
			*dst = 0
		case v > 0:
			*dst = v
		}
	}
	merge(&p.HTML, c.CacheTTL.HTML)
	merge(&p.CSS, c.CacheTTL.CSS)
	merge(&p.JS, c.CacheTTL.JS)
	merge(&p.Image, c.CacheTTL.Image)
	merge(&p.Font, c.CacheTTL.Font)
	merge(&p.Other, c.CacheTTL.Other)
	return p
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file holds a codec key and is
// readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" || c.Codec.Key == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file with codec key is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
