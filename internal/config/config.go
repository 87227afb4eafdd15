// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	shellquote "github.com/kballard/go-shellquote"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/frontdoor/config.toml",
	"configs/config.toml",
}

// Readiness modes.
const (
	ReadinessHTTP  = "http"
	ReadinessDelay = "delay"
)

// adminRoutes are served by the admin listener and cannot host metrics.
var adminRoutes = []string{"/healthz", "/readyz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='FRONTDOOR_HOST'"`
	Port     int              `kong:"short='p',help='Listen port (overrides config).',env='FRONTDOOR_PORT'"`
	Upstream string           `kong:"help='Backend origin, e.g. http://localhost:3000 (overrides config).',env='FRONTDOOR_UPSTREAM'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Upstream UpstreamConfig `toml:"upstream"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the gateway listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (5000)
}

// BackendConfig describes the supervised backend process.
type BackendConfig struct {
	Command    string            `toml:"command"` // split with shell quoting rules
	WorkingDir string            `toml:"working_dir"`
	Env        map[string]string `toml:"env"` // overrides on top of the inherited environment
	Readiness  ReadinessConfig   `toml:"readiness"`
}

// ReadinessConfig controls how the supervisor decides the backend is up.
type ReadinessConfig struct {
	Mode           string `toml:"mode"` // "http" or "delay"
	Path           string `toml:"path"`
	IntervalMS     int    `toml:"interval_ms"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	DelaySeconds   int    `toml:"delay_seconds"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	IdleConnections int    `toml:"idle_connections"`
}

// AdminConfig holds the admin listener settings (health, status, metrics).
type AdminConfig struct {
	Disabled bool   `toml:"disabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
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
// /etc/frontdoor/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.normalize()

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
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Backend.Readiness.Mode = strings.ToLower(c.Backend.Readiness.Mode)
}

func (c *Config) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Backend),
		validation.Field(&c.Upstream),
		validation.Field(&c.Admin),
		validation.Field(&c.Log),
		validation.Field(&c.Metrics),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Host, is.Host),
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
	)
}

// Validate implements validation.Validatable.
func (b BackendConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Command, validation.By(validateCommand)),
		validation.Field(&b.Env, validation.By(validateEnv)),
		validation.Field(&b.Readiness),
	)
}

// Validate implements validation.Validatable.
func (r ReadinessConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Mode, validation.In(ReadinessHTTP, ReadinessDelay)),
		validation.Field(&r.Path, validation.By(validateAbsPath)),
		validation.Field(&r.IntervalMS, validation.Min(0)),
		validation.Field(&r.TimeoutSeconds, validation.Min(0)),
		validation.Field(&r.DelaySeconds, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.BaseURL, validation.By(validateBaseURL)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (a AdminConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Host, is.Host),
		validation.Field(&a.Port, validation.Min(0), validation.Max(65535)),
	)
}

// Validate implements validation.Validatable.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

// Validate implements validation.Validatable.
func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.By(validateMetricsPath))),
	)
}

func validateCommand(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	words, err := shellquote.Split(s)
	if err != nil {
		return validation.NewError("validation_invalid_command", fmt.Sprintf("cannot be split: %v", err))
	}
	if len(words) == 0 {
		return validation.NewError("validation_invalid_command", "must name an executable")
	}
	return nil
}

func validateEnv(value any) error {
	env, _ := value.(map[string]string)
	for k := range env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return validation.NewError("validation_invalid_env", fmt.Sprintf("invalid variable name %q", k))
		}
	}
	return nil
}

func validateAbsPath(value any) error {
	p, _ := value.(string)
	if p != "" && p[0] != '/' {
		return validation.NewError("validation_invalid_path", "must start with '/'")
	}
	return nil
}

func validateBaseURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return validation.NewError("validation_invalid_url", "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_url", fmt.Sprintf("must use http or https; got %q", s))
	}
	if u.Host == "" {
		return validation.NewError("validation_invalid_url", "must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return validation.NewError("validation_invalid_url", "must not carry a query or fragment")
	}
	return nil
}

func validateMetricsPath(value any) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if err := validateAbsPath(p); err != nil {
		return err
	}
	for _, reserved := range adminRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return validation.NewError("validation_reserved_path", fmt.Sprintf("conflicts with reserved route %q", reserved))
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:3000"
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}

	b := &c.Backend
	if b.Command == "" {
		b.Command = "npm start"
	}
	if b.WorkingDir == "" {
		b.WorkingDir = "."
	}
	if b.Env == nil {
		b.Env = make(map[string]string)
	}
	if _, ok := b.Env["NODE_ENV"]; !ok {
		b.Env["NODE_ENV"] = "production"
	}
	if _, ok := b.Env["PORT"]; !ok {
		b.Env["PORT"] = c.Upstream.Port()
	}

	r := &b.Readiness
	if r.Mode == "" {
		r.Mode = ReadinessHTTP
	}
	if r.Path == "" {
		r.Path = "/"
	}
	if r.IntervalMS == 0 {
		r.IntervalMS = 200
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 60
	}
	if r.DelaySeconds == 0 {
		r.DelaySeconds = 5
	}

	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
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

// Addr returns the gateway listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Port returns the port of the upstream origin, falling back to the
// scheme's well-known port.
func (c *UpstreamConfig) Port() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// Argv splits the backend command into executable and arguments.
func (c *BackendConfig) Argv() ([]string, error) {
	words, err := shellquote.Split(c.Command)
	if err != nil {
		return nil, fmt.Errorf("split backend command: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("backend command is empty")
	}
	return words, nil
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
