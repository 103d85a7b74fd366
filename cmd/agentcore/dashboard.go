package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/agentcore/internal/tui"
)

func runDashboardCommand(ctx context.Context, args []string) int {
	o, _, err := openOrchestrator(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, red("open orchestrator: "+err.Error()))
		return 2
	}
	defer o.Close()

	if err := tui.Run(ctx, o); err != nil {
		fmt.Fprintln(os.Stderr, red("dashboard: "+err.Error()))
		return 2
	}
	return 0
}
