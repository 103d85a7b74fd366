package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/agentcore/internal/shared"
)

// reportEngineErr prints err and returns the CLI exit code for its kind:
// InvalidInput/NotFound/ConflictState are caller mistakes (exit 1, no
// stack); everything else is an operational failure (exit 2) and echoes
// the command's trace id so the operator can find it in the logs.
func reportEngineErr(ctx context.Context, err error) int {
	kind, ok := shared.KindOf(err)
	if !ok {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		fmt.Fprintln(os.Stderr, yellow("correlation id: "+shared.TraceID(ctx)))
		return 2
	}
	fmt.Fprintln(os.Stderr, red(string(kind)+": "+err.Error()))
	switch kind {
	case shared.KindInvalidInput, shared.KindNotFound, shared.KindConflictState:
		return 1
	default:
		fmt.Fprintln(os.Stderr, yellow("correlation id: "+shared.TraceID(ctx)))
		return 2
	}
}
