package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  data_address: ":8080"
  admin_address: ":9090"
  read_header_timeout: 5s
  shutdown_timeout: 30s

logging:
  level: DEBUG
  pretty: true

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  sample_ratio: 0.5

resources:
  - prefix: /
    dir: site
  - prefix: /shared
    dir: /opt/shared

upstream:
  url: "http://origin.internal:8081"

routes:
  - pattern: /reports/
    transform: /xsl/report.tmpl
    size_hint: 4096
  - pattern: /feeds/
    transform: /policies/feed.rego
    empty_capture: forward
    spill_threshold: 1048576
    upstream: "https://feeds.internal"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "polis-render.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.DataAddress)
	assert.Equal(t, ":9090", cfg.Server.AdminAddress)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)

	assert.Equal(t, "polis-render", cfg.Telemetry.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRatio, 1e-9)

	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, EmptyCaptureReplay, cfg.Routes[0].EmptyCapture)
	assert.Equal(t, 4096, cfg.Routes[0].SizeHint)
	assert.Equal(t, EmptyCaptureForward, cfg.Routes[1].EmptyCapture)
	assert.Equal(t, int64(1048576), cfg.Routes[1].SpillThreshold)
	assert.Equal(t, "https://feeds.internal", cfg.Routes[1].Upstream)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "site"), cfg.ResourceDir(cfg.Resources[0]))
	assert.Equal(t, "/opt/shared", cfg.ResourceDir(cfg.Resources[1]))
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "resources:\n  - dir: .\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.DataAddress)
	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/", cfg.Resources[0].Prefix)
	assert.Empty(t, cfg.Routes)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv(EnvDataAddr, ":7000")
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogPretty, "false")
	t.Setenv(EnvOTLPInsecure, "false")
	t.Setenv(EnvUpstreamURL, "http://other:1")
	t.Setenv(EnvResourceDir, "/srv/docs")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.DataAddress)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Pretty)
	assert.False(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "http://other:1", cfg.Upstream.URL)

	require.Len(t, cfg.Resources, 2)
	assert.Equal(t, MountConfig{Prefix: "/", Dir: "/srv/docs"}, cfg.Resources[0])
	assert.Equal(t, "/shared", cfg.Resources[1].Prefix)
}

func TestLoadErrors(t *testing.T) {
	base := "resources:\n  - dir: .\n"
	tests := []struct {
		name    string
		content string
		message string
	}{
		{"no resources", "logging:\n  level: info\n", "at least one mount"},
		{"bad log level", base + "logging:\n  level: loud\n", "invalid log level"},
		{"same addresses", base + "server:\n  data_address: ':1'\n  admin_address: ':1'\n", "must differ"},
		{"sample ratio", base + "telemetry:\n  sample_ratio: 2\n", "sample_ratio"},
		{"duplicate mount", "resources:\n  - dir: a\n  - prefix: /\n    dir: b\n", "duplicate prefix"},
		{"mount without dir", "resources:\n  - prefix: /x\n", "dir is required"},
		{"bad upstream", base + "upstream:\n  url: ftp://x\n", "unsupported scheme"},
		{"upstream host", base + "upstream:\n  url: 'http://'\n", "missing host"},
		{"route without transform", base + "routes:\n  - pattern: /a/\n", "transform is required"},
		{"route without pattern", base + "routes:\n  - transform: /a.tmpl\n", "pattern is required"},
		{"bad policy", base + "routes:\n  - pattern: /a/\n    transform: /a.tmpl\n    empty_capture: drop\n", "invalid empty_capture"},
		{"negative hint", base + "routes:\n  - pattern: /a/\n    transform: /a.tmpl\n    size_hint: -1\n", "size_hint"},
		{"duplicate pattern", base + "routes:\n  - pattern: /a/\n    transform: /a.tmpl\n  - pattern: /a/\n    transform: /b.tmpl\n", "duplicate pattern"},
		{"yaml syntax", "resources: [\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "failed to read config file"))
}

func TestNamespace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "site", "xsl"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site", "xsl", "a.tmpl"), []byte("A"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("F"), 0o600))

	path := filepath.Join(dir, "polis-render.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resources:\n  - dir: site\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	ns, err := cfg.Namespace()
	require.NoError(t, err)
	data, found, err := ns.Lookup("/xsl/a.tmpl")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", string(data))

	cfg.Resources = append(cfg.Resources, MountConfig{Prefix: "/f", Dir: filepath.Join(dir, "file.txt")})
	_, err = cfg.Namespace()
	assert.ErrorContains(t, err, "not a directory")

	cfg.Resources = []MountConfig{{Prefix: "/", Dir: filepath.Join(dir, "missing")}}
	_, err = cfg.Namespace()
	assert.Error(t, err)
}
