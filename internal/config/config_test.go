package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_DefaultsWhenNoConfigFile(t *testing.T) {
	t.Setenv("AGENTCORE_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Error("expected NeedsGenesis for a fresh home dir")
	}
	if cfg.BindAddr != "127.0.0.1:8089" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Engine.MaxConcurrentTasks != 64 {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Scheduler.MaxStealBatch != 3 {
		t.Errorf("MaxStealBatch = %d", cfg.Scheduler.MaxStealBatch)
	}
	if cfg.Retention.MemoryHours != 168 {
		t.Errorf("Retention.MemoryHours = %d", cfg.Retention.MemoryHours)
	}
	if cfg.Maintenance.RetentionSweep != "@every 1h" {
		t.Errorf("RetentionSweep = %q", cfg.Maintenance.RetentionSweep)
	}
	if len(cfg.Agents) == 0 {
		t.Error("expected starter agents on first run")
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTCORE_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9000"
log_level: debug
engine:
  max_concurrent_tasks: 8
  max_queue_depth: 50
  retry_base_ms: 500
breaker:
  failure_threshold: 3
  open_timeout_seconds: 10
scheduler:
  steal_threshold: 2.5
  max_steal_batch: 1
bus:
  compress: true
memory:
  max_entries: 100
agents:
  - agent_id: alpha
    capabilities: [compute]
    priority: 7
    max_concurrent_tasks: 2
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Error("NeedsGenesis set despite existing config.yaml")
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Engine.MaxConcurrentTasks != 8 {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Engine.RetryBaseMillis != 500 {
		t.Errorf("RetryBaseMillis = %d", cfg.Engine.RetryBaseMillis)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Scheduler.StealThreshold != 2.5 {
		t.Errorf("StealThreshold = %v", cfg.Scheduler.StealThreshold)
	}
	if !cfg.Bus.Compress {
		t.Error("Bus.Compress not set")
	}
	if cfg.Memory.MaxEntries != 100 {
		t.Errorf("MaxEntries = %d", cfg.Memory.MaxEntries)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].AgentID != "alpha" {
		t.Fatalf("Agents = %+v", cfg.Agents)
	}
	// Unset fields fall back to defaults, not zero.
	if cfg.Engine.LeaseTTLSeconds != 120 {
		t.Errorf("LeaseTTLSeconds = %d", cfg.Engine.LeaseTTLSeconds)
	}
	if cfg.Agents[0].Transport != "inprocess" {
		t.Errorf("agent transport = %q", cfg.Agents[0].Transport)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_HOME", t.TempDir())
	t.Setenv("AGENTCORE_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("AGENTCORE_MAX_CONCURRENT_TASKS", "12")
	t.Setenv("AGENTCORE_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("TELEGRAM_TOKEN", "tok-from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Engine.MaxConcurrentTasks != 12 {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Telemetry.Exporter != "otlp" || !cfg.Telemetry.Enabled {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Transports.Telegram.Token != "tok-from-env" {
		t.Errorf("telegram token = %q", cfg.Transports.Telegram.Token)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad exporter",
			yaml: "telemetry:\n  exporter: jaeger\n",
			want: "telemetry.exporter",
		},
		{
			name: "duplicate agent id",
			yaml: "agents:\n  - agent_id: a\n  - agent_id: a\n",
			want: "duplicate agent_id",
		},
		{
			name: "bad transport",
			yaml: "agents:\n  - agent_id: a\n    transport: pigeon\n",
			want: "unknown transport",
		},
		{
			name: "priority out of range",
			yaml: "agents:\n  - agent_id: a\n    priority: 11\n",
			want: "priority",
		},
		{
			name: "telegram enabled without token",
			yaml: "transports:\n  telegram:\n    enabled: true\n",
			want: "telegram",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("AGENTCORE_HOME", home)
			if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(tc.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestNormalize_ClampsOutOfRange(t *testing.T) {
	cfg := Config{}
	cfg.Engine.RetryMultiplier = 0.5
	cfg.Telemetry.SampleRate = 3
	normalize(&cfg)
	if cfg.Engine.RetryMultiplier != 2 {
		t.Errorf("RetryMultiplier = %v", cfg.Engine.RetryMultiplier)
	}
	if cfg.Telemetry.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v", cfg.Telemetry.SampleRate)
	}
}

func TestRetryJitterEnabled(t *testing.T) {
	var e EngineConfig
	if !e.RetryJitterEnabled() {
		t.Error("unset jitter should default to enabled")
	}
	off := false
	e.RetryJitter = &off
	if e.RetryJitterEnabled() {
		t.Error("explicit false should disable jitter")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	t.Setenv("AGENTCORE_HOME", t.TempDir())
	a, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint not stable across identical configs")
	}
	b.Engine.MaxQueueDepth = 7
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint did not change with a tunable")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTCORE_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Engine.MaxConcurrentTasks = 5
	cfg.Agents = []AgentProfileEntry{{AgentID: "solo", Priority: 9, MaxConcurrentTasks: 1, Transport: "inprocess"}}
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("re-Load: %v", err)
	}
	if got.Engine.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %d after round trip", got.Engine.MaxConcurrentTasks)
	}
	if len(got.Agents) != 1 || got.Agents[0].AgentID != "solo" || got.Agents[0].Priority != 9 {
		t.Errorf("Agents = %+v after round trip", got.Agents)
	}
}

func TestEncryptionKey(t *testing.T) {
	var cfg Config
	if cfg.EncryptionKey() != nil {
		t.Error("no env name should mean no key")
	}
	cfg.Bus.EncryptionKeyEnv = "AGENTCORE_TEST_BUS_KEY"
	t.Setenv("AGENTCORE_TEST_BUS_KEY", "0123456789abcdef")
	if string(cfg.EncryptionKey()) != "0123456789abcdef" {
		t.Errorf("EncryptionKey = %q", cfg.EncryptionKey())
	}
}
