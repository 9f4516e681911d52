// Package config provides configuration structures and loading logic for
// polis-render.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-render/pkg/resource"
)

// Environment variables that override file settings.
const (
	EnvDataAddr     = "POLIS_RENDER_DATA_ADDR"
	EnvAdminAddr    = "POLIS_RENDER_ADMIN_ADDR"
	EnvLogLevel     = "POLIS_RENDER_LOG_LEVEL"
	EnvLogPretty    = "POLIS_RENDER_LOG_PRETTY"
	EnvOTLPEndpoint = "POLIS_RENDER_OTLP_ENDPOINT"
	EnvOTLPInsecure = "POLIS_RENDER_OTLP_INSECURE"
	EnvUpstreamURL  = "POLIS_RENDER_UPSTREAM_URL"
	EnvResourceDir  = "POLIS_RENDER_RESOURCE_DIR"
)

// Empty capture policies accepted in route configuration.
const (
	EmptyCaptureReplay  = "replay"
	EmptyCaptureForward = "forward"
)

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Resources []MountConfig   `yaml:"resources"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Routes    []RouteConfig   `yaml:"routes"`

	// baseDir anchors relative resource directories; it is the directory of
	// the loaded file.
	baseDir string
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	DataAddress       string        `yaml:"data_address"`
	AdminAddress      string        `yaml:"admin_address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	SampleRatio  float64           `yaml:"sample_ratio"`
	Headers      map[string]string `yaml:"headers"`
}

// MountConfig binds a logical prefix to a local directory.
type MountConfig struct {
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
}

// UpstreamConfig names the origin whose responses are transformed. An empty
// URL serves documents from the resource namespace instead.
type UpstreamConfig struct {
	URL string `yaml:"url"`
}

// RouteConfig binds a path pattern to a transform.
type RouteConfig struct {
	Pattern        string `yaml:"pattern"`
	Transform      string `yaml:"transform"`
	EmptyCapture   string `yaml:"empty_capture"`
	SizeHint       int    `yaml:"size_hint"`
	SpillThreshold int64  `yaml:"spill_threshold"`
	// Upstream overrides the global upstream for this route.
	Upstream string `yaml:"upstream"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataAddress:       ":8090",
			AdminAddress:      ":19090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-render",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(file string) (*Config, error) {
	cfg := Default()

	if file != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %s: %w", file, err)
		}
		cfg.baseDir = filepath.Dir(abs)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvDataAddr); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv(EnvAdminAddr); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		cfg.Logging.Level = val
	}
	if val, err := strconv.ParseBool(os.Getenv(EnvLogPretty)); err == nil {
		cfg.Logging.Pretty = val
	}

	if val := os.Getenv(EnvOTLPEndpoint); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val, err := strconv.ParseBool(os.Getenv(EnvOTLPInsecure)); err == nil {
		cfg.Telemetry.Insecure = val
	}

	if val := os.Getenv(EnvUpstreamURL); val != "" {
		cfg.Upstream.URL = val
	}

	// A resource directory from the environment replaces the root mount.
	if val := os.Getenv(EnvResourceDir); val != "" {
		mounts := []MountConfig{{Prefix: "/", Dir: val}}
		for _, m := range cfg.Resources {
			if cleanPrefix(m.Prefix) != "/" {
				mounts = append(mounts, m)
			}
		}
		cfg.Resources = mounts
	}
}

// Validate performs comprehensive validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if len(c.Resources) == 0 {
		return errors.New("resources: at least one mount is required")
	}
	seen := make(map[string]bool, len(c.Resources))
	for i := range c.Resources {
		m := &c.Resources[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("resource %d: %w", i, err)
		}
		prefix := cleanPrefix(m.Prefix)
		if seen[prefix] {
			return fmt.Errorf("resource %d: duplicate prefix %q", i, prefix)
		}
		seen[prefix] = true
	}

	if c.Upstream.URL != "" {
		if err := validateUpstream(c.Upstream.URL); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}

	patterns := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		route := &c.Routes[i]
		if err := route.Validate(); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, route.Pattern, err)
		}
		if patterns[route.Pattern] {
			return fmt.Errorf("route %d: duplicate pattern %q", i, route.Pattern)
		}
		patterns[route.Pattern] = true
	}

	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if c.DataAddress == c.AdminAddress {
		return fmt.Errorf("data_address and admin_address must differ, both are %q", c.DataAddress)
	}
	if c.ReadHeaderTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-render"
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

// Validate performs validation of a resource mount.
func (m *MountConfig) Validate() error {
	if strings.TrimSpace(m.Dir) == "" {
		return errors.New("dir is required")
	}
	if m.Prefix == "" {
		m.Prefix = "/"
	}
	return nil
}

// Validate performs validation of a route.
func (r *RouteConfig) Validate() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return errors.New("pattern is required")
	}
	if strings.TrimSpace(r.Transform) == "" {
		return errors.New("transform is required")
	}
	switch r.EmptyCapture {
	case "":
		r.EmptyCapture = EmptyCaptureReplay
	case EmptyCaptureReplay, EmptyCaptureForward:
	default:
		return fmt.Errorf("invalid empty_capture %q, supported: %s, %s", r.EmptyCapture, EmptyCaptureReplay, EmptyCaptureForward)
	}
	if r.SizeHint < 0 {
		return errors.New("size_hint must not be negative")
	}
	if r.SpillThreshold < 0 {
		return errors.New("spill_threshold must not be negative")
	}
	if r.Upstream != "" {
		if err := validateUpstream(r.Upstream); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// ResourceDir returns the absolute directory of a mount.
func (c *Config) ResourceDir(m MountConfig) string {
	if filepath.IsAbs(m.Dir) || c.baseDir == "" {
		return filepath.Clean(m.Dir)
	}
	return filepath.Join(c.baseDir, m.Dir)
}

// Namespace builds the resource namespace from the configured mounts.
func (c *Config) Namespace() (*resource.Namespace, error) {
	mounts := make([]resource.Mount, 0, len(c.Resources))
	for _, m := range c.Resources {
		dir := c.ResourceDir(m)
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", m.Prefix, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("resource %s: %s is not a directory", m.Prefix, dir)
		}
		mounts = append(mounts, resource.Mount{Prefix: m.Prefix, FS: os.DirFS(dir)})
	}
	return resource.NewNamespace(mounts...)
}

func cleanPrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return path.Clean(prefix)
}
