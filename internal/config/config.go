// Package config handles configuration loading and normalization.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"bestprice-proxy/internal/validate"
)

// Defaults applied when a value is missing or invalid.
const (
	DefaultAppName            = "BP"
	DefaultListenIP           = "0.0.0.0"
	DefaultListenPort         = 80
	DefaultClientTimeout      = 10 * time.Second
	DefaultBodyMaxBytes       = 1 << 20
	DefaultClientBodyMaxBytes = 32 << 20
	DefaultMetricsPath        = "/metrics"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/bestprice-proxy/config.toml",
	"/etc/desh/config.json",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host metrics.
var reservedRoutes = []string{"/healthz", "/status"}

// CLI holds the serve command's arguments parsed by Kong.
type CLI struct {
	Config string `kong:"short='c',help='Path to config file (TOML, YAML or JSON).',env='CONFIG_PATH'"`
	IP     string `kong:"name='ip',help='Listen IPv4 address (overrides config).',env='HTTP_SERVER_IP'"`
	Port   int    `kong:"short='p',help='Listen port (overrides config).',env='HTTP_SERVER_PORT'"`
	Cert   string `kong:"help='PEM file with certificate and key (overrides config).',env='HTTP_SERVER_CERT'"`
	Debug  bool   `kong:"help='Enable debug logging (overrides config).',env='LOG_DEBUG_ENABLE'"`
}

// File is the on-disk configuration shape. Port and timeout are decoded
// loosely so that a wrongly typed value degrades to the default instead of
// failing the whole file.
type File struct {
	AppName            string          `toml:"app_name" yaml:"app_name" json:"app_name"`
	LogDebugEnable     bool            `toml:"log_debug_enable" yaml:"log_debug_enable" json:"log_debug_enable"`
	HTTPServerIP       string          `toml:"http_server_ip" yaml:"http_server_ip" json:"http_server_ip"`
	HTTPServerPort     any             `toml:"http_server_port" yaml:"http_server_port" json:"http_server_port"`
	HTTPServerCert     string          `toml:"http_server_cert" yaml:"http_server_cert" json:"http_server_cert"`
	HTTPClientTimeout  any             `toml:"http_client_timeout" yaml:"http_client_timeout" json:"http_client_timeout"`
	IPBlacklist        []string        `toml:"http_server_ip_blacklist" yaml:"http_server_ip_blacklist" json:"http_server_ip_blacklist"`
	BodyMaxBytes       int64           `toml:"body_max_bytes" yaml:"body_max_bytes" json:"body_max_bytes"`
	ClientBodyMaxBytes int64           `toml:"client_body_max_bytes" yaml:"client_body_max_bytes" json:"client_body_max_bytes"`
	Log                LogConfig       `toml:"log" yaml:"log" json:"log"`
	RateLimit          RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Metrics            MetricsConfig   `toml:"metrics" yaml:"metrics" json:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// Config is the resolved application configuration. It is built once by
// Load and shared read-only afterwards.
type Config struct {
	AppName            string
	Debug              bool
	ListenIP           string
	ListenPort         uint16
	TLSCertPath        string
	ClientTimeout      time.Duration
	Blacklist          []string
	BodyMaxBytes       int64
	ClientBodyMaxBytes int64
	Log                LogConfig
	RateLimit          RateLimitConfig
	Metrics            MetricsConfig

	filePath string
	warnings []string
}

// Load reads the config file, applies CLI overrides and normalizes the result.
// When no explicit path is given (via --config or CONFIG_PATH) the search
// paths are tried in order; if none exists the defaults are used. An explicit
// path that cannot be read or parsed is an error.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var f File
	cfg := &Config{}
	if path == "" {
		cfg.warn(fmt.Sprintf("no config file found (searched %v); using defaults", configSearchPaths))
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	applyCLI(&f, cli)

	if err := cfg.resolve(&f); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// decode picks the format from the file extension. Unknown extensions are
// tried as TOML, then YAML, then JSON.
func decode(path string, data []byte, f *File) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, f)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, f)
	case ".json":
		return json.Unmarshal(data, f)
	default:
		if err := toml.Unmarshal(data, f); err == nil {
			return nil
		}
		if err := yaml.Unmarshal(data, f); err == nil {
			return nil
		}
		if err := json.Unmarshal(data, f); err == nil {
			return nil
		}
		return errors.New("unknown format")
	}
}

// applyCLI overrides file values with non-zero CLI flags.
func applyCLI(f *File, cli *CLI) {
	if cli.IP != "" {
		f.HTTPServerIP = cli.IP
	}
	if cli.Port != 0 {
		f.HTTPServerPort = strconv.Itoa(cli.Port)
	}
	if cli.Cert != "" {
		f.HTTPServerCert = cli.Cert
	}
	if cli.Debug {
		f.LogDebugEnable = true
	}
}

// resolve copies f into c, substituting defaults for missing or invalid
// values. Invalid values are recorded as warnings rather than errors; only
// settings with no sensible fallback fail.
func (c *Config) resolve(f *File) error {
	c.AppName = f.AppName
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	c.Debug = f.LogDebugEnable

	c.ListenIP = DefaultListenIP
	if f.HTTPServerIP != "" {
		if validate.IPv4(f.HTTPServerIP) {
			c.ListenIP = f.HTTPServerIP
		} else {
			c.warn(fmt.Sprintf("http_server_ip %q is not a valid IPv4 address; using %s", f.HTTPServerIP, DefaultListenIP))
		}
	}

	c.ListenPort = DefaultListenPort
	if f.HTTPServerPort != nil {
		raw := fmt.Sprint(f.HTTPServerPort)
		if p := validate.Port(raw); p != 0 {
			c.ListenPort = uint16(p)
		} else {
			c.warn(fmt.Sprintf("http_server_port %q is not a valid port; using %d", raw, DefaultListenPort))
		}
	}

	if f.HTTPServerCert != "" {
		if _, err := os.Stat(f.HTTPServerCert); err == nil {
			c.TLSCertPath = f.HTTPServerCert
		} else {
			c.warn(fmt.Sprintf("http_server_cert %q not found; serving plain HTTP", f.HTTPServerCert))
		}
	}

	c.ClientTimeout = DefaultClientTimeout
	if f.HTTPClientTimeout != nil {
		if secs, ok := wholeSeconds(f.HTTPClientTimeout); ok && secs > 0 {
			c.ClientTimeout = time.Duration(secs) * time.Second
		} else {
			c.warn(fmt.Sprintf("http_client_timeout %v is not a positive integer; using %s", f.HTTPClientTimeout, DefaultClientTimeout))
		}
	}

	for _, ip := range f.IPBlacklist {
		if !validate.IPv4(ip) {
			c.warn(fmt.Sprintf("http_server_ip_blacklist entry %q is not an IPv4 address; it will only match verbatim", ip))
		}
	}
	c.Blacklist = append([]string(nil), f.IPBlacklist...)

	c.BodyMaxBytes = f.BodyMaxBytes
	if c.BodyMaxBytes <= 0 {
		c.BodyMaxBytes = DefaultBodyMaxBytes
	}
	c.ClientBodyMaxBytes = f.ClientBodyMaxBytes
	if c.ClientBodyMaxBytes <= 0 {
		c.ClientBodyMaxBytes = DefaultClientBodyMaxBytes
	}

	c.Log = f.Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	case "":
		c.Log.Level = "info"
	default:
		c.warn(fmt.Sprintf("log.level %q is not one of debug, info, warn, error; using info", c.Log.Level))
		c.Log.Level = "info"
	}
	if c.Debug {
		c.Log.Level = "debug"
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	case "":
		c.Log.Format = "json"
	default:
		c.warn(fmt.Sprintf("log.format %q is not one of json, text; using json", c.Log.Format))
		c.Log.Format = "json"
	}

	c.RateLimit = f.RateLimit
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.RateLimit.RequestsPerSecond)
	}

	c.Metrics = f.Metrics
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the proxy route", p)
		}
	}

	return nil
}

// wholeSeconds accepts the integer types produced by the TOML, YAML and JSON
// decoders. Fractional numbers and strings are rejected.
func wholeSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), n <= 1<<62
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func (c *Config) warn(msg string) {
	c.warnings = append(c.warnings, msg)
}

// Warnings returns the problems found while normalizing the configuration.
func (c *Config) Warnings() []string {
	return c.warnings
}

// LogWarnings writes every normalization warning to logger.
func (c *Config) LogWarnings(logger *slog.Logger) {
	for _, w := range c.warnings {
		logger.Warn("config: "+w, "path", c.filePath)
	}
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

// Addr returns the server listen address as ip:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// TLSEnabled reports whether the server should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
