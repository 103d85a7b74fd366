// Package config loads and validates the operator-facing configuration:
// the tunables for the task engine, circuit breakers, work-stealing
// scheduler, message bus, and shared memory, plus transport credentials,
// telemetry settings, and retention windows. Configuration lives in
// config.yaml under the agentcore home directory. The fsnotify watcher in
// this package reports changes to the file; running subsystems do not apply
// them, so new values take effect on restart.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig tunes the task engine.
type EngineConfig struct {
	// MaxConcurrentTasks caps globally-running tasks across all agents.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// MaxQueueDepth is the backpressure limit: task creation fails once
	// this many tasks are non-terminal.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// LeaseTTLSeconds bounds how long an assignment may go unacknowledged
	// before crash recovery requeues the task.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`

	RetryBaseMillis int     `yaml:"retry_base_ms"`
	RetryMultiplier float64 `yaml:"retry_multiplier"`
	RetryMaxMillis  int     `yaml:"retry_max_ms"`
	RetryJitter     *bool   `yaml:"retry_jitter,omitempty"` // pointer to distinguish unset (default true) from false
}

// BreakerConfig tunes every named circuit breaker in the set.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	SuccessThreshold   int `yaml:"success_threshold"`
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
	HalfOpenLimit      int `yaml:"half_open_limit"`
}

// SchedulerConfig tunes agent scoring and the steal tick.
type SchedulerConfig struct {
	CapabilityWeight     float64 `yaml:"capability_weight"`
	LoadWeight           float64 `yaml:"load_weight"`
	PriorityWeight       float64 `yaml:"priority_weight"`
	StealIntervalSeconds int     `yaml:"steal_interval_seconds"`
	// StealThreshold is in units of the stddev of per-agent task counts.
	StealThreshold float64 `yaml:"steal_threshold"`
	MaxStealBatch  int     `yaml:"max_steal_batch"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	RetryScanIntervalSeconds int  `yaml:"retry_scan_interval_seconds"`
	DefaultQueueCap          int  `yaml:"default_queue_cap"`
	Compress                 bool `yaml:"compress"`
	// EncryptionKeyEnv names the environment variable holding the AES key
	// for payload encryption. The key itself never lives in config.yaml.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

// MemoryConfig tunes the shared memory store.
type MemoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// RetentionConfig sets how long terminal records are kept before the
// maintenance sweep discards them.
type RetentionConfig struct {
	TasksHours     int `yaml:"tasks_hours"`
	MessagesHours  int `yaml:"messages_hours"`
	MemoryHours    int `yaml:"memory_hours"`
	ConflictsHours int `yaml:"conflicts_hours"`
}

// MaintenanceConfig holds the cron schedules for the background janitor.
// Schedules use cron syntax, including the @every shorthand.
type MaintenanceConfig struct {
	RetentionSweep string `yaml:"retention_sweep"`
	SnapshotExport string `yaml:"snapshot_export"`
	SnapshotDir    string `yaml:"snapshot_dir"`
}

// DockerTransportConfig configures the container-per-agent transport.
type DockerTransportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Image     string `yaml:"image"`
	MemoryMB  int64  `yaml:"memory_mb"`
	Network   string `yaml:"network"`
	Workspace string `yaml:"workspace"`
}

// TelegramTransportConfig configures the human-in-the-loop transport.
type TelegramTransportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// WebSocketTransportConfig configures the networked agent transport.
type WebSocketTransportConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type TransportsConfig struct {
	Docker    DockerTransportConfig    `yaml:"docker"`
	Telegram  TelegramTransportConfig  `yaml:"telegram"`
	WebSocket WebSocketTransportConfig `yaml:"websocket"`
}

// TelemetryConfig controls trace/metric export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "none", "stdout", or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// AgentProfileEntry defines an agent profile to register on startup.
type AgentProfileEntry struct {
	AgentID            string   `yaml:"agent_id"`
	DisplayName        string   `yaml:"display_name"`
	Type               string   `yaml:"type"`
	Capabilities       []string `yaml:"capabilities"`
	Priority           int      `yaml:"priority"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	Transport          string   `yaml:"transport,omitempty"` // "inprocess" (default), "docker", "telegram", "websocket"
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// DBPath overrides the default <home>/agentcore.db store location.
	DBPath string `yaml:"db_path"`

	Engine      EngineConfig      `yaml:"engine"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Bus         BusConfig         `yaml:"bus"`
	Memory      MemoryConfig      `yaml:"memory"`
	Retention   RetentionConfig   `yaml:"retention"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Transports  TransportsConfig  `yaml:"transports"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	Agents []AgentProfileEntry `yaml:"agents"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8089",
		LogLevel: "info",
		Engine: EngineConfig{
			MaxConcurrentTasks: 64,
			MaxQueueDepth:      1000,
			LeaseTTLSeconds:    120,
			RetryBaseMillis:    1000,
			RetryMultiplier:    2,
			RetryMaxMillis:     30000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			OpenTimeoutSeconds: 30,
			HalfOpenLimit:      1,
		},
		Scheduler: SchedulerConfig{
			CapabilityWeight:     1.0,
			LoadWeight:           1.0,
			PriorityWeight:       0.1,
			StealIntervalSeconds: 5,
			StealThreshold:       1.0,
			MaxStealBatch:        3,
		},
		Bus: BusConfig{
			RetryScanIntervalSeconds: 5,
			DefaultQueueCap:          10000,
		},
		Memory: MemoryConfig{MaxEntries: 10000},
		Retention: RetentionConfig{
			TasksHours:     24,
			MessagesHours:  24,
			MemoryHours:    168,
			ConflictsHours: 24,
		},
		Maintenance: MaintenanceConfig{
			RetentionSweep: "@every 1h",
			SnapshotExport: "", // disabled unless a schedule is set
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "agentcore",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the agentcore home directory, honouring the
// AGENTCORE_HOME override.
func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

// Load reads config.yaml from the home directory, applies environment
// overrides, and normalizes out-of-range values. A missing config.yaml is
// not an error: defaults apply and NeedsGenesis is set so the caller can
// write a starter file.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcore home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config back to config.yaml.
// TODO(v0.2): preserve user formatting via YAML-aware append.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(cfg.HomeDir, "config.yaml"), out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8089"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Engine.MaxConcurrentTasks <= 0 {
		cfg.Engine.MaxConcurrentTasks = 64
	}
	if cfg.Engine.MaxQueueDepth <= 0 {
		cfg.Engine.MaxQueueDepth = 1000
	}
	if cfg.Engine.LeaseTTLSeconds <= 0 {
		cfg.Engine.LeaseTTLSeconds = 120
	}
	if cfg.Engine.RetryBaseMillis <= 0 {
		cfg.Engine.RetryBaseMillis = 1000
	}
	if cfg.Engine.RetryMultiplier <= 1 {
		cfg.Engine.RetryMultiplier = 2
	}
	if cfg.Engine.RetryMaxMillis <= 0 {
		cfg.Engine.RetryMaxMillis = 30000
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.OpenTimeoutSeconds <= 0 {
		cfg.Breaker.OpenTimeoutSeconds = 30
	}
	if cfg.Breaker.HalfOpenLimit <= 0 {
		cfg.Breaker.HalfOpenLimit = 1
	}
	if cfg.Scheduler.StealIntervalSeconds <= 0 {
		cfg.Scheduler.StealIntervalSeconds = 5
	}
	if cfg.Scheduler.StealThreshold <= 0 {
		cfg.Scheduler.StealThreshold = 1.0
	}
	if cfg.Scheduler.MaxStealBatch <= 0 {
		cfg.Scheduler.MaxStealBatch = 3
	}
	if cfg.Scheduler.CapabilityWeight == 0 && cfg.Scheduler.LoadWeight == 0 && cfg.Scheduler.PriorityWeight == 0 {
		cfg.Scheduler.CapabilityWeight = 1.0
		cfg.Scheduler.LoadWeight = 1.0
		cfg.Scheduler.PriorityWeight = 0.1
	}
	if cfg.Bus.RetryScanIntervalSeconds <= 0 {
		cfg.Bus.RetryScanIntervalSeconds = 5
	}
	if cfg.Bus.DefaultQueueCap <= 0 {
		cfg.Bus.DefaultQueueCap = 10000
	}
	if cfg.Memory.MaxEntries <= 0 {
		cfg.Memory.MaxEntries = 10000
	}
	if cfg.Retention.TasksHours <= 0 {
		cfg.Retention.TasksHours = 24
	}
	if cfg.Retention.MessagesHours <= 0 {
		cfg.Retention.MessagesHours = 24
	}
	if cfg.Retention.MemoryHours <= 0 {
		cfg.Retention.MemoryHours = 168
	}
	if cfg.Retention.ConflictsHours <= 0 {
		cfg.Retention.ConflictsHours = 24
	}
	if strings.TrimSpace(cfg.Maintenance.RetentionSweep) == "" {
		cfg.Maintenance.RetentionSweep = "@every 1h"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "agentcore"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Priority <= 0 {
			cfg.Agents[i].Priority = 5
		}
		if cfg.Agents[i].MaxConcurrentTasks <= 0 {
			cfg.Agents[i].MaxConcurrentTasks = 4
		}
		if cfg.Agents[i].Transport == "" {
			cfg.Agents[i].Transport = "inprocess"
		}
	}
	// Populate with starter profiles on first run if no agents are configured.
	if len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
}

func validate(cfg *Config) error {
	switch cfg.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter must be one of none, stdout, otlp; got %q", cfg.Telemetry.Exporter)
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.AgentID) == "" {
			return fmt.Errorf("agent entry with empty agent_id")
		}
		if seen[a.AgentID] {
			return fmt.Errorf("duplicate agent_id %q in config", a.AgentID)
		}
		seen[a.AgentID] = true
		switch a.Transport {
		case "inprocess", "docker", "telegram", "websocket":
		default:
			return fmt.Errorf("agent %s: unknown transport %q", a.AgentID, a.Transport)
		}
		if a.Priority < 1 || a.Priority > 10 {
			return fmt.Errorf("agent %s: priority must be 1-10, got %d", a.AgentID, a.Priority)
		}
	}
	if cfg.Transports.Telegram.Enabled && cfg.Transports.Telegram.Token == "" {
		return fmt.Errorf("transports.telegram enabled but no token configured (set TELEGRAM_TOKEN)")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENTCORE_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("AGENTCORE_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("AGENTCORE_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Exporter = "otlp"
		cfg.Telemetry.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Transports.Telegram.Token = raw
	}
}

// EncryptionKey resolves the bus payload encryption key from the
// environment variable named in the bus config. Nil means no encryption.
func (c Config) EncryptionKey() []byte {
	if c.Bus.EncryptionKeyEnv == "" {
		return nil
	}
	if v := os.Getenv(c.Bus.EncryptionKeyEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// RetryJitterEnabled reports whether retry jitter is on (default true).
func (c EngineConfig) RetryJitterEnabled() bool {
	return c.RetryJitter == nil || *c.RetryJitter
}

// LeaseTTL returns the lease TTL as a duration.
func (c EngineConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// Fingerprint returns a stable hash of the tunables that change scheduling
// or delivery behaviour, used to detect config drift across a reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|eng=%d/%d/%d|brk=%d/%d/%d/%d|sch=%v/%v/%v/%d/%v/%d|bus=%d/%d|mem=%d",
		c.BindAddr, c.LogLevel,
		c.Engine.MaxConcurrentTasks, c.Engine.MaxQueueDepth, c.Engine.LeaseTTLSeconds,
		c.Breaker.FailureThreshold, c.Breaker.SuccessThreshold, c.Breaker.OpenTimeoutSeconds, c.Breaker.HalfOpenLimit,
		c.Scheduler.CapabilityWeight, c.Scheduler.LoadWeight, c.Scheduler.PriorityWeight,
		c.Scheduler.StealIntervalSeconds, c.Scheduler.StealThreshold, c.Scheduler.MaxStealBatch,
		c.Bus.RetryScanIntervalSeconds, c.Bus.DefaultQueueCap,
		c.Memory.MaxEntries)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
