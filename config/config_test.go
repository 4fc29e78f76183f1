package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.MaxConcurrent != 3 {
		t.Errorf("expected max_concurrent 3, got %d", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.TaskTimeout != 300*time.Second {
		t.Errorf("expected task timeout 300s, got %s", cfg.Engine.TaskTimeout)
	}
	if cfg.Engine.ResultCacheSize != 100 {
		t.Errorf("expected result cache 100, got %d", cfg.Engine.ResultCacheSize)
	}
	if cfg.Events.InboxSize != 100 || cfg.Events.Heartbeat != 30*time.Second {
		t.Errorf("unexpected events defaults: %+v", cfg.Events)
	}
	if cfg.LLM.TextTimeout != 60*time.Second || cfg.LLM.ExtendedTimeout != 180*time.Second {
		t.Errorf("unexpected llm timeouts: %+v", cfg.LLM)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "missing addr", modify: func(c *Config) { c.Server.Addr = "" }, wantErr: true},
		{name: "missing data dir", modify: func(c *Config) { c.Storage.DataDir = "" }, wantErr: true},
		{name: "zero concurrency", modify: func(c *Config) { c.Engine.MaxConcurrent = 0 }, wantErr: true},
		{name: "negative queue limit", modify: func(c *Config) { c.Engine.QueueLimit = -1 }, wantErr: true},
		{name: "zero inbox", modify: func(c *Config) { c.Events.InboxSize = 0 }, wantErr: true},
		{name: "temperature too high", modify: func(c *Config) { c.LLM.Temperature = 2.5 }, wantErr: true},
		{name: "zero attempts", modify: func(c *Config) { c.LLM.MaxAttempts = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  addr: ":9090"
engine:
  max_concurrent: 5
  task_timeout: 2m
llm:
  text_timeout: 45s
  registry:
    capabilities:
      text:
        preferred: [local]
    endpoints:
      local:
        provider: ollama
        model: llama3.2
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.MaxConcurrent != 5 {
		t.Errorf("expected max_concurrent 5, got %d", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.TaskTimeout != 2*time.Minute {
		t.Errorf("expected task timeout 2m, got %s", cfg.Engine.TaskTimeout)
	}
	if cfg.LLM.TextTimeout != 45*time.Second {
		t.Errorf("expected text timeout 45s, got %s", cfg.LLM.TextTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.ResultCacheSize != 100 {
		t.Errorf("expected default result cache, got %d", cfg.Engine.ResultCacheSize)
	}
	if ep := cfg.LLM.Registry.Endpoints["local"]; ep == nil || ep.Model != "llama3.2" {
		t.Errorf("registry endpoint not parsed: %+v", cfg.LLM.Registry)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Engine.QueueLimit = 50

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Engine.QueueLimit != 50 {
		t.Errorf("expected queue limit 50, got %d", loaded.Engine.QueueLimit)
	}
}

func TestLoaderLayering(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()

	userDir := filepath.Join(home, UserConfigDir)
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	user := "engine:\n  max_concurrent: 4\nserver:\n  addr: \":7000\"\n"
	if err := os.WriteFile(filepath.Join(userDir, UserConfigFile), []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
	project := "engine:\n  max_concurrent: 6\n"
	if err := os.WriteFile(filepath.Join(work, ProjectConfigFile), []byte(project), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(nil, WithHomeDir(home), WithWorkDir(work))
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxConcurrent != 6 {
		t.Errorf("project config should win, got %d", cfg.Engine.MaxConcurrent)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("user config addr should survive, got %s", cfg.Server.Addr)
	}
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/sb-data")
	t.Setenv(EnvMaxConcurrent, "2")

	l := NewLoader(nil, WithHomeDir(t.TempDir()), WithWorkDir(t.TempDir()))
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DataDir != "/tmp/sb-data" {
		t.Errorf("expected env data dir, got %s", cfg.Storage.DataDir)
	}
	if cfg.Engine.MaxConcurrent != 2 {
		t.Errorf("expected env max_concurrent 2, got %d", cfg.Engine.MaxConcurrent)
	}
}

func TestLoaderBadEnv(t *testing.T) {
	t.Setenv(EnvMaxConcurrent, "many")
	l := NewLoader(nil, WithHomeDir(t.TempDir()), WithWorkDir(t.TempDir()))
	if _, err := l.Load(""); err == nil {
		t.Error("expected error for non-numeric max_concurrent")
	}
}

func TestLoaderDotEnv(t *testing.T) {
	work := t.TempDir()
	const key = "STUDYBOARD_TEST_DOTENV_KEY"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := os.WriteFile(filepath.Join(work, DotEnvFile), []byte(key+"=secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(nil, WithHomeDir(t.TempDir()), WithWorkDir(work))
	if _, err := l.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv(key); got != "secret" {
		t.Errorf("expected .env value to be exported, got %q", got)
	}
}
