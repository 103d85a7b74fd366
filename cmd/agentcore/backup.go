package main

import (
	"context"
	"fmt"
	"os"
)

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentcore backup <dir>")
		return 1
	}

	o, _, err := openOrchestrator(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, red("open orchestrator: "+err.Error()))
		return 2
	}
	defer o.Close()

	if err := o.Backup(ctx, args[0]); err != nil {
		fmt.Fprintln(os.Stderr, red("backup: "+err.Error()))
		return 2
	}
	fmt.Println(green("backup written to " + args[0]))
	return 0
}
