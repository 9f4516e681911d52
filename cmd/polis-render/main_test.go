package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-render/pkg/config"
	"github.com/polisai/polis-render/pkg/logging"
	"github.com/polisai/polis-render/pkg/router"
	"github.com/polisai/polis-render/pkg/server"
)

func writeSite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"site/xsl/report.tmpl": "---\nmethod: html\n---\n<h1>{{value . \"/report/@title\"}}</h1>",
		"site/xsl/plain.tmpl":  "---\nmethod: text\n---\n{{value . \"count(//*)\"}}",
		"site/lib/shape.rego":  "package lib.shape\n\noutput := {\"title\": input.title}\n",
		"polis-render.yaml": `resources:
  - dir: site
routes:
  - pattern: /reports/
    transform: /xsl/report.tmpl
  - pattern: /counts/
    transform: /xsl/plain.tmpl
    empty_capture: forward
`,
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return dir
}

func execute(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCheckCommand(t *testing.T) {
	dir := writeSite(t)
	cfgPath := filepath.Join(dir, "polis-render.yaml")

	out, _, err := execute(t, nil, "check", "--config", cfgPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PATTERN")
	assert.Regexp(t, `^/reports/\s+/xsl/report.tmpl\s+template\s+text/html\s+replay\s+static$`, lines[1])
	assert.Regexp(t, `^/counts/\s+/xsl/plain.tmpl\s+template\s+text/plain\s+forward\s+static$`, lines[2])

	out, _, err = execute(t, nil, "check", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var routes []router.RouteInfo
	require.NoError(t, json.Unmarshal([]byte(out), &routes))
	assert.Len(t, routes, 2)
}

func TestCheckCommandFailsOnBrokenTransform(t *testing.T) {
	dir := writeSite(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site", "xsl", "report.tmpl"), []byte("{{end}}"), 0o600))

	_, _, err := execute(t, nil, "check", "-c", filepath.Join(dir, "polis-render.yaml"))
	assert.ErrorContains(t, err, "/xsl/report.tmpl")
}

func TestRenderCommand(t *testing.T) {
	dir := writeSite(t)
	root := filepath.Join(dir, "site")
	input := filepath.Join(dir, "in.xml")
	require.NoError(t, os.WriteFile(input, []byte(`<report title="Q3"/>`), 0o600))

	out, stderr, err := execute(t, nil, "render", "--root", root, "--transform", "/xsl/report.tmpl", "--media-type", input)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Q3</h1>", out)
	assert.Equal(t, "text/html\n", stderr)

	out, _, err = execute(t, strings.NewReader(`{"title":"from stdin"}`), "render", "-r", root, "-t", "lib/shape.rego")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"from stdin"}`, out)
}

func TestRenderCommandErrors(t *testing.T) {
	dir := writeSite(t)
	root := filepath.Join(dir, "site")

	_, _, err := execute(t, strings.NewReader("<a/>"), "render", "-r", root, "-t", "/xsl/missing.tmpl")
	assert.ErrorContains(t, err, "not found")

	_, _, err = execute(t, nil, "render", "-r", filepath.Join(dir, "polis-render.yaml"), "-t", "/xsl/report.tmpl")
	assert.ErrorContains(t, err, "not a directory")

	_, _, err = execute(t, nil, "render", "-r", root)
	assert.Error(t, err)
}

func TestWatchConfigSwapsTables(t *testing.T) {
	dir := writeSite(t)
	cfg, err := config.Load(filepath.Join(dir, "polis-render.yaml"))
	require.NoError(t, err)

	logger := logging.NewLogger(logging.Config{Output: io.Discard})
	opts := router.Options{Logger: logger}
	table, err := buildTable(context.Background(), cfg, opts)
	require.NoError(t, err)
	rt := router.New(table)
	t.Cleanup(func() { _ = rt.Close() })

	metrics := server.NewMetrics()
	updates := make(chan *config.Config)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watchConfig(ctx, updates, rt, metrics, opts, logger)

	next := *cfg
	next.Routes = cfg.Routes[:1]
	updates <- &next
	require.Eventually(t, func() bool { return len(rt.Table().Routes()) == 1 }, 5*time.Second, 10*time.Millisecond)

	current := rt.Table()
	broken := *cfg
	broken.Routes = []config.RouteConfig{{Pattern: "/x/", Transform: "/xsl/missing.tmpl"}}
	updates <- &broken

	metricsBody := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		return rec.Body.String()
	}
	require.Eventually(t, func() bool {
		return strings.Contains(metricsBody(), `render_config_reloads_total{status="error"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Same(t, current, rt.Table())
	assert.Contains(t, metricsBody(), `render_config_reloads_total{status="success"} 1`)
	assert.Contains(t, metricsBody(), "render_routes_active 1")
}
