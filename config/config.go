// Package config provides configuration loading and management for studyboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/studyboard/model"
	"gopkg.in/yaml.v3"
)

// Config represents the complete studyboard configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Engine       EngineConfig       `yaml:"engine"`
	Events       EventsConfig       `yaml:"events"`
	LLM          LLMConfig          `yaml:"llm"`
	Conversation ConversationConfig `yaml:"conversation"`
	NATS         NATSConfig         `yaml:"nats"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	// Addr is the listen address (default ":8080")
	Addr string `yaml:"addr"`
	// APIPrefix is the path prefix for every API route (default "/api/")
	APIPrefix string `yaml:"api_prefix"`
}

// StorageConfig configures the on-disk layout
type StorageConfig struct {
	// DataDir is the root for boards, uploads, pages, images and logs
	DataDir string `yaml:"data_dir"`
	// PagesURL, when set, makes experts read page content from a remote
	// page-content endpoint instead of the local pages directory
	PagesURL string `yaml:"pages_url"`
	// WatchPages enables fsnotify invalidation of the page text cache
	WatchPages bool `yaml:"watch_pages"`
}

// EngineConfig configures every per-board task engine
type EngineConfig struct {
	// MaxConcurrent is the per-board concurrency cap (default 3)
	MaxConcurrent int `yaml:"max_concurrent"`
	// TaskTimeout is the wall-clock budget of a running task (default 300s)
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// ResultCacheSize bounds the terminal results cache (default 100)
	ResultCacheSize int `yaml:"result_cache_size"`
	// QueueLimit is a soft cap on pending tasks; 0 means unbounded
	QueueLimit int `yaml:"queue_limit"`
	// ProgressInterval is the minimum gap between progress events per task (default 5s)
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// EventsConfig configures the task event bus
type EventsConfig struct {
	// InboxSize bounds each subscriber inbox (default 100)
	InboxSize int `yaml:"inbox_size"`
	// Heartbeat is the keep-alive interval for event streams (default 30s)
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// LLMConfig configures the LLM gateway
type LLMConfig struct {
	// TextTimeout is the default per-call budget (default 60s)
	TextTimeout time.Duration `yaml:"text_timeout"`
	// ExtendedTimeout is the budget for PDF-scale tasks (default 180s)
	ExtendedTimeout time.Duration `yaml:"extended_timeout"`
	// Temperature is the default sampling temperature (0.0-2.0, default 0.3)
	Temperature float64 `yaml:"temperature"`
	// MaxAttempts is the per-endpoint attempt count for transient failures (default 2)
	MaxAttempts int `yaml:"max_attempts"`
	// BypassProxy ignores HTTP(S)_PROXY for outbound LLM calls
	BypassProxy bool `yaml:"bypass_proxy"`
	// InteractionTail is how many interaction records are kept in memory (default 200)
	InteractionTail int `yaml:"interaction_tail"`
	// Registry maps capabilities to endpoints; empty uses the built-in defaults
	Registry model.RegistryConfig `yaml:"registry"`
}

// ConversationConfig configures the conversation store reaper
type ConversationConfig struct {
	// IdleAge is how long a session may sit untouched before it is reaped (default 24h)
	IdleAge time.Duration `yaml:"idle_age"`
	// ReapInterval is how often the reaper runs (default 10m)
	ReapInterval time.Duration `yaml:"reap_interval"`
	// HistoryWindow is how many recent messages are sent with each call (default 10)
	HistoryWindow int `yaml:"history_window"`
}

// NATSConfig configures the optional task event relay
type NATSConfig struct {
	// URL is the NATS server URL (empty = relay disabled)
	URL string `yaml:"url"`
	// SubjectPrefix prefixes relay subjects (default "studyboard.tasks")
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			APIPrefix: "/api/",
		},
		Storage: StorageConfig{
			DataDir:    "./data",
			WatchPages: true,
		},
		Engine: EngineConfig{
			MaxConcurrent:    3,
			TaskTimeout:      300 * time.Second,
			ResultCacheSize:  100,
			QueueLimit:       0,
			ProgressInterval: 5 * time.Second,
		},
		Events: EventsConfig{
			InboxSize: 100,
			Heartbeat: 30 * time.Second,
		},
		LLM: LLMConfig{
			TextTimeout:     60 * time.Second,
			ExtendedTimeout: 180 * time.Second,
			Temperature:     0.3,
			MaxAttempts:     2,
			BypassProxy:     true,
			InteractionTail: 200,
		},
		Conversation: ConversationConfig{
			IdleAge:       24 * time.Hour,
			ReapInterval:  10 * time.Minute,
			HistoryWindow: 10,
		},
		NATS: NATSConfig{
			SubjectPrefix: "studyboard.tasks",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1")
	}
	if c.Engine.TaskTimeout <= 0 {
		return fmt.Errorf("engine.task_timeout must be positive")
	}
	if c.Engine.ResultCacheSize < 1 {
		return fmt.Errorf("engine.result_cache_size must be at least 1")
	}
	if c.Engine.QueueLimit < 0 {
		return fmt.Errorf("engine.queue_limit must not be negative")
	}
	if c.Events.InboxSize < 1 {
		return fmt.Errorf("events.inbox_size must be at least 1")
	}
	if c.LLM.TextTimeout <= 0 || c.LLM.ExtendedTimeout <= 0 {
		return fmt.Errorf("llm timeouts must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be at least 1")
	}
	return nil
}

// BoardsDir is where per-board JSON logs live.
func (c *Config) BoardsDir() string { return filepath.Join(c.Storage.DataDir, "boards") }

// UploadsDir is where PDF bytes live.
func (c *Config) UploadsDir() string { return filepath.Join(c.Storage.DataDir, "uploads") }

// PagesDir is where extracted page text files live.
func (c *Config) PagesDir() string { return filepath.Join(c.Storage.DataDir, "pages") }

// ImagesDir is where rasterized page images live.
func (c *Config) ImagesDir() string { return filepath.Join(c.Storage.DataDir, "images") }

// InteractionLogPath is the JSONL file receiving one record per LLM call.
func (c *Config) InteractionLogPath() string {
	return filepath.Join(c.Storage.DataDir, "logs", "llm_interactions.jsonl")
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.APIPrefix != "" {
		c.Server.APIPrefix = other.Server.APIPrefix
	}

	if other.Storage.DataDir != "" {
		c.Storage.DataDir = other.Storage.DataDir
	}
	if other.Storage.PagesURL != "" {
		c.Storage.PagesURL = other.Storage.PagesURL
	}
	c.Storage.WatchPages = other.Storage.WatchPages

	if other.Engine.MaxConcurrent != 0 {
		c.Engine.MaxConcurrent = other.Engine.MaxConcurrent
	}
	if other.Engine.TaskTimeout != 0 {
		c.Engine.TaskTimeout = other.Engine.TaskTimeout
	}
	if other.Engine.ResultCacheSize != 0 {
		c.Engine.ResultCacheSize = other.Engine.ResultCacheSize
	}
	if other.Engine.QueueLimit != 0 {
		c.Engine.QueueLimit = other.Engine.QueueLimit
	}
	if other.Engine.ProgressInterval != 0 {
		c.Engine.ProgressInterval = other.Engine.ProgressInterval
	}

	if other.Events.InboxSize != 0 {
		c.Events.InboxSize = other.Events.InboxSize
	}
	if other.Events.Heartbeat != 0 {
		c.Events.Heartbeat = other.Events.Heartbeat
	}

	if other.LLM.TextTimeout != 0 {
		c.LLM.TextTimeout = other.LLM.TextTimeout
	}
	if other.LLM.ExtendedTimeout != 0 {
		c.LLM.ExtendedTimeout = other.LLM.ExtendedTimeout
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxAttempts != 0 {
		c.LLM.MaxAttempts = other.LLM.MaxAttempts
	}
	c.LLM.BypassProxy = other.LLM.BypassProxy
	if other.LLM.InteractionTail != 0 {
		c.LLM.InteractionTail = other.LLM.InteractionTail
	}
	if len(other.LLM.Registry.Endpoints) > 0 {
		c.LLM.Registry = other.LLM.Registry
	}

	if other.Conversation.IdleAge != 0 {
		c.Conversation.IdleAge = other.Conversation.IdleAge
	}
	if other.Conversation.ReapInterval != 0 {
		c.Conversation.ReapInterval = other.Conversation.ReapInterval
	}
	if other.Conversation.HistoryWindow != 0 {
		c.Conversation.HistoryWindow = other.Conversation.HistoryWindow
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}
}
