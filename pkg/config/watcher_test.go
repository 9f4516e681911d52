package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (string, string, *Watcher) {
	t.Helper()
	dir := t.TempDir()
	site := filepath.Join(dir, "site")
	require.NoError(t, os.MkdirAll(filepath.Join(site, "xsl"), 0o755))

	path := filepath.Join(dir, "polis-render.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resources:\n  - dir: site\n"), 0o600))

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return path, site, w
}

func TestWatcherReloadsConfig(t *testing.T) {
	path, _, w := newTestWatcher(t)
	updates := w.Subscribe()
	assert.Empty(t, w.Current().Routes)

	content := "resources:\n  - dir: site\nroutes:\n  - pattern: /a/\n    transform: /xsl/a.tmpl\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	select {
	case cfg := <-updates:
		require.Len(t, cfg.Routes, 1)
		assert.Equal(t, "/a/", cfg.Routes[0].Pattern)
		assert.Same(t, cfg, w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsPreviousOnInvalidConfig(t *testing.T) {
	path, _, w := newTestWatcher(t)
	updates := w.Subscribe()
	before := w.Current()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))

	select {
	case <-updates:
		t.Fatal("invalid configuration was published")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Same(t, before, w.Current())
}

func TestWatcherReloadsOnResourceChange(t *testing.T) {
	_, site, w := newTestWatcher(t)
	updates := w.Subscribe()

	require.NoError(t, os.WriteFile(filepath.Join(site, "xsl", "a.tmpl"), []byte("A"), 0o600))

	select {
	case cfg := <-updates:
		assert.NotNil(t, cfg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload after resource change")
	}
}

func TestNewWatcherFailsOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polis-render.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o600))

	_, err := NewWatcher(path)
	assert.Error(t, err)
}
