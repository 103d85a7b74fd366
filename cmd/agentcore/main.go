// Command agentcore is the operator-facing CLI: the task verb family, the
// HTTP server, the live dashboard, and backup export. Dispatch is a switch
// over the first positional argument; each branch is a self-contained
// runXCommand(ctx, args) int returning the process exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentcore/internal/agenttransport"
	"github.com/basket/agentcore/internal/breaker"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/memory"
	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/taskengine"
	"github.com/basket/agentcore/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [arguments]

COMMANDS:
  task create <type> <description> [flags]   Create a task
  task list [flags]                          List tasks
  task show <id>                             Show one task
  task execute <id> [flags]                  Dispatch an assigned task
  task cancel <id> [flags]                   Cancel a task
  task retry <id> [flags]                    Retry a failed task
  task assign <id> <agent-id>                Assign a task to an agent
  task update <id> [fields]                  Patch mutable task fields
  task stats [flags]                         Print task/breaker/scheduler stats
  serve [--addr host:port]                   Run the orchestrator with an HTTP query API
  dashboard                                  Launch the live terminal dashboard
  backup <dir>                                Export a JSON snapshot of tasks and memory

Exit codes: 0 success, 1 user error, 2 operational failure.
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(args[0]) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "task":
		os.Exit(runTaskCommand(ctx, args[1:]))
	case "serve":
		os.Exit(runServeCommand(ctx, args[1:]))
	case "dashboard":
		os.Exit(runDashboardCommand(ctx, args[1:]))
	case "backup":
		os.Exit(runBackupCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

// openOrchestrator loads config.yaml, wires the composition root against
// the on-disk store, and registers the configured agent profiles. It is
// the one entry point every subcommand shares.
func openOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, err
	}
	if cfg.NeedsGenesis {
		if err := config.Save(cfg); err != nil {
			return nil, cfg, fmt.Errorf("write starter config: %w", err)
		}
	}

	// Quiet on stdout: subcommand output is the CLI's interface; logs go to
	// <home>/logs and the serve command's log stream.
	logger, _, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, cfg, fmt.Errorf("open logger: %w", err)
	}

	o, err := orchestrator.Open(ctx, orchestratorConfig(cfg), logger)
	if err != nil {
		return nil, cfg, err
	}
	registerConfiguredAgents(ctx, o, cfg)
	return o, cfg, nil
}

// orchestratorConfig maps the yaml-facing config onto the subsystem
// tunables the composition root consumes.
func orchestratorConfig(cfg config.Config) orchestrator.Config {
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "agentcore.db")
	}
	return orchestrator.Config{
		DBPath: dbPath,
		Engine: taskengine.Config{
			MaxConcurrentTasks: cfg.Engine.MaxConcurrentTasks,
			MaxQueueDepth:      cfg.Engine.MaxQueueDepth,
			LeaseTTL:           cfg.Engine.LeaseTTL(),
			Backoff: shared.BackoffPolicy{
				Base:       time.Duration(cfg.Engine.RetryBaseMillis) * time.Millisecond,
				Multiplier: cfg.Engine.RetryMultiplier,
				Max:        time.Duration(cfg.Engine.RetryMaxMillis) * time.Millisecond,
				Jitter:     cfg.Engine.RetryJitterEnabled(),
			},
		},
		Breaker: breaker.Config{
			FailureThreshold:         cfg.Breaker.FailureThreshold,
			SuccessThreshold:         cfg.Breaker.SuccessThreshold,
			OpenTimeout:              time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
			HalfOpenConcurrencyLimit: cfg.Breaker.HalfOpenLimit,
		},
		Scheduler: scheduler.Config{
			Weights: scheduler.Weights{
				Capability: cfg.Scheduler.CapabilityWeight,
				Load:       cfg.Scheduler.LoadWeight,
				Priority:   cfg.Scheduler.PriorityWeight,
			},
			StealInterval:  time.Duration(cfg.Scheduler.StealIntervalSeconds) * time.Second,
			StealThreshold: cfg.Scheduler.StealThreshold,
			MaxStealBatch:  cfg.Scheduler.MaxStealBatch,
		},
		Bus: bus.Config{
			RetryScanInterval: time.Duration(cfg.Bus.RetryScanIntervalSeconds) * time.Second,
			DefaultQueueCap:   cfg.Bus.DefaultQueueCap,
			Compress:          cfg.Bus.Compress,
			EncryptionKey:     cfg.EncryptionKey(),
		},
		Memory:          memory.Config{MaxEntries: cfg.Memory.MaxEntries},
		ConflictRetain:  time.Duration(cfg.Retention.ConflictsHours) * time.Hour,
		RetentionTasks:  time.Duration(cfg.Retention.TasksHours) * time.Hour,
		RetentionMsgs:   time.Duration(cfg.Retention.MessagesHours) * time.Hour,
		RetentionMemory: time.Duration(cfg.Retention.MemoryHours) * time.Hour,
	}
}

// registerConfiguredAgents binds each configured agent profile to its
// transport and registers it with the scheduler. A transport that cannot
// be built or connected skips that one agent rather than failing the whole
// process.
func registerConfiguredAgents(ctx context.Context, o *orchestrator.Orchestrator, cfg config.Config) {
	for _, a := range cfg.Agents {
		t, err := buildTransport(a, cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, yellow(fmt.Sprintf("agent %s: transport unavailable, skipping: %v", a.AgentID, err)))
			continue
		}
		if err := t.Connect(ctx, a.AgentID); err != nil {
			fmt.Fprintln(os.Stderr, yellow(fmt.Sprintf("agent %s: connect failed, skipping: %v", a.AgentID, err)))
			continue
		}
		caps := make(map[string]struct{}, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps[c] = struct{}{}
		}
		o.RegisterAgent(scheduler.AgentWorkload{
			AgentID:       a.AgentID,
			Capabilities:  caps,
			Priority:      a.Priority,
			MaxConcurrent: a.MaxConcurrentTasks,
		}, t)
	}
}

func buildTransport(a config.AgentProfileEntry, cfg config.Config) (agenttransport.Transport, error) {
	switch a.Transport {
	case "docker":
		d := cfg.Transports.Docker
		if !d.Enabled {
			return nil, fmt.Errorf("docker transport not enabled in config")
		}
		return agenttransport.NewDockerTransport(d.Image, d.MemoryMB, d.Network, d.Workspace, nil)
	case "telegram":
		tg := cfg.Transports.Telegram
		if !tg.Enabled {
			return nil, fmt.Errorf("telegram transport not enabled in config")
		}
		return agenttransport.NewTelegramTransport(tg.Token, tg.ChatID, nil), nil
	case "websocket":
		ws := cfg.Transports.WebSocket
		if !ws.Enabled {
			return nil, fmt.Errorf("websocket transport not enabled in config")
		}
		return agenttransport.NewWebSocketTransport(ws.URL, nil), nil
	default:
		return agenttransport.NewInProcess(0), nil
	}
}
