package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/agentcore/internal/telemetry"
)

func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address for the query/metrics API (defaults to bind_addr from config)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	o, cfg, err := openOrchestrator(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, red("open orchestrator: "+err.Error()))
		return 2
	}
	defer o.Close()

	provider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, red("init telemetry: "+err.Error()))
		return 2
	}
	defer provider.Shutdown(context.Background())

	if _, err := o.AttachTelemetry(ctx, provider); err != nil {
		fmt.Fprintln(os.Stderr, red("attach telemetry: "+err.Error()))
		return 2
	}

	snapshotDir := cfg.Maintenance.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = cfg.HomeDir
	}
	if err := o.StartMaintenance(ctx, cfg.Maintenance.RetentionSweep, cfg.Maintenance.SnapshotExport, snapshotDir); err != nil {
		fmt.Fprintln(os.Stderr, red("start maintenance: "+err.Error()))
		return 2
	}

	listen := *addr
	if listen == "" {
		listen = cfg.BindAddr
	}
	fmt.Printf("agentcore listening on %s\n", listen)
	if err := o.Serve(ctx, listen); err != nil {
		fmt.Fprintln(os.Stderr, red("serve: "+err.Error()))
		return 2
	}
	return 0
}
