package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/studyboard/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Events.Heartbeat = time.Hour
	return cfg
}

// yamlRegistry replaces the model registry section of cfg.
func yamlRegistry(cfg *config.Config, doc string) error {
	return yaml.Unmarshal([]byte(doc), &cfg.LLM.Registry)
}

func TestAppStartStop(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(cfg, logger)
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.start(ctx))

	for _, dir := range []string{cfg.BoardsDir(), cfg.UploadsDir(), cfg.PagesDir(), cfg.ImagesDir()} {
		assert.DirExists(t, dir)
	}
	assert.NotNil(t, a.watcher, "watch_pages defaults on")
	assert.Nil(t, a.nats, "no relay without a NATS url")

	srv := httptest.NewServer(a.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Post(srv.URL+"/api/boards/course-1/init", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.FileExists(t, filepath.Join(cfg.BoardsDir(), "course-1.json"))

	resp, err = http.Get(srv.URL + "/api/expert/concurrent-status/course-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "studyboard_")

	a.close()
	assert.Empty(t, a.registry.Boards())
}

func TestAppUnreachableNATSIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.URL = "nats://127.0.0.1:1"

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.nats)
}

func TestAppRejectsBadRegistry(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, yamlRegistry(cfg, `
capabilities:
  text:
    preferred: [missing]
endpoints:
  local:
    provider: ollama
    model: qwen2.5
`))

	_, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "unknown endpoint")
}

func TestCommands_BoardAndPDF(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "studyboard.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  data_dir: "+dataDir+"\n"), 0644))

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := rootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(append(args, "--config", cfgPath, "--log-level", "error"))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	out := run("board", "init", "course-1")
	assert.Contains(t, out, `"board_id": "course-1"`)

	out = run("pdf", "refs", "X.pdf")
	var refs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &refs))
	assert.Equal(t, 0, refs.Count)

	out = run("pdf", "delete", "X.pdf", "--board", "course-1")
	assert.Contains(t, out, `"physical_deletion": true`)

	out = run("llm", "interactions", "--limit", "5")
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"version"})
	assert.NoError(t, cmd.Execute())
}
