package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/taskengine"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task <create|list|show|execute|cancel|retry|assign|update|stats> ...")
		return 1
	}
	ctx = shared.EnsureTraceID(ctx)

	o, _, err := openOrchestrator(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, red("open orchestrator: "+err.Error()))
		return 2
	}
	defer o.Close()

	verb, rest := args[0], args[1:]
	switch verb {
	case "create":
		return taskCreate(ctx, o, rest)
	case "list":
		return taskList(ctx, o, rest)
	case "show":
		return taskShow(ctx, o, rest)
	case "execute":
		return taskExecute(ctx, o, rest)
	case "cancel":
		return taskCancel(ctx, o, rest)
	case "retry":
		return taskRetry(ctx, o, rest)
	case "assign":
		return taskAssign(ctx, o, rest)
	case "update":
		return taskUpdate(ctx, o, rest)
	case "stats":
		return taskStats(ctx, o, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown task verb %q\n", verb)
		return 1
	}
}

// csvList splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func csvList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	r := csv.NewReader(strings.NewReader(s))
	fields, err := r.Read()
	if err != nil {
		return strings.Split(s, ",")
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func taskCreate(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task create", flag.ContinueOnError)
	priority := fs.Int("priority", 0, "task priority")
	deadline := fs.String("deadline", "", "RFC3339 deadline, used to derive a timeout")
	deps := fs.String("dependencies", "", "comma-separated dependency task ids")
	tags := fs.String("tags", "", "comma-separated tags")
	assignTo := fs.String("assign-to", "", "pre-assignment hint")
	timeoutMS := fs.Int("timeout", 0, "timeout in milliseconds")
	metadataJSON := fs.String("metadata", "", "JSON object of metadata")
	maxRetries := fs.Int("max-retries", 0, "max retry count")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pos := fs.Args()
	if len(pos) < 2 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task create <type> <description> [flags]")
		return 1
	}

	spec := taskengine.Spec{
		Type:                 pos[0],
		Description:          strings.Join(pos[1:], " "),
		Priority:             *priority,
		Tags:                 csvList(*tags),
		Dependencies:         csvList(*deps),
		AssignTo:             *assignTo,
		MaxRetries:           *maxRetries,
		Timeout:              time.Duration(*timeoutMS) * time.Millisecond,
		RequiredCapabilities: nil,
	}

	if *deadline != "" {
		t, err := time.Parse(time.RFC3339, *deadline)
		if err != nil {
			fmt.Fprintln(os.Stderr, red("invalid --deadline: "+err.Error()))
			return 1
		}
		if d := time.Until(t); d > 0 {
			spec.Timeout = d
		}
	}
	if *metadataJSON != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(*metadataJSON), &md); err != nil {
			fmt.Fprintln(os.Stderr, red("invalid --metadata: "+err.Error()))
			return 1
		}
		spec.Metadata = md
	}

	id, err := o.CreateTask(ctx, spec)
	if err != nil {
		return reportEngineErr(ctx, err)
	}
	fmt.Println(green(id))
	return 0
}

func taskShow(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task show <id>")
		return 1
	}
	t, err := o.GetTask(args[0])
	if err != nil {
		return reportEngineErr(ctx, err)
	}
	printTask(t)
	return 0
}

func taskList(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	format := fs.String("format", "table", "table|json|csv")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	tasks := o.ListTasks(taskengine.Status(*status))
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(tasks)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		_ = w.Write([]string{"id", "type", "status", "priority", "agent"})
		for _, t := range tasks {
			_ = w.Write([]string{t.ID, t.Type, string(t.Status), strconv.Itoa(t.Priority), t.AssignedAgent})
		}
		w.Flush()
	default:
		fmt.Printf("%-36s  %-10s  %-10s  %4s  %s\n", "ID", "TYPE", "STATUS", "PRI", "AGENT")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-10s  %-10s  %4d  %s\n", t.ID, t.Type, statusColor(t.Status), t.Priority, t.AssignedAgent)
		}
	}
	return 0
}

func statusColor(s taskengine.Status) string {
	switch s {
	case taskengine.StatusCompleted:
		return green(string(s))
	case taskengine.StatusFailed, taskengine.StatusCancelled:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}

func printTask(t taskengine.Task) {
	fmt.Printf("id:          %s\n", t.ID)
	fmt.Printf("type:        %s\n", t.Type)
	fmt.Printf("description: %s\n", t.Description)
	fmt.Printf("status:      %s\n", statusColor(t.Status))
	fmt.Printf("priority:    %d\n", t.Priority)
	fmt.Printf("agent:       %s\n", t.AssignedAgent)
	fmt.Printf("retries:     %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.LastError != nil {
		fmt.Printf("last_error:  %s\n", red(t.LastError.Message))
	}
}

func taskExecute(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task execute", flag.ContinueOnError)
	_ = fs.Bool("force", false, "unused placeholder for parity with the CLI surface")
	dryRun := fs.Bool("dry-run", false, "validate without dispatching")
	agent := fs.String("agent", "", "override assigned agent (informational)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_ = agent
	pos := fs.Args()
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task execute <id> [--agent A|--force|--dry-run]")
		return 1
	}
	if *dryRun {
		if _, err := o.GetTask(pos[0]); err != nil {
			return reportEngineErr(ctx, err)
		}
		fmt.Println(green("dry run: not dispatched"))
		return 0
	}
	if err := o.ExecuteTask(ctx, pos[0]); err != nil {
		return reportEngineErr(ctx, err)
	}
	fmt.Println(green("dispatched"))
	return 0
}

func taskCancel(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task cancel", flag.ContinueOnError)
	reason := fs.String("reason", "", "cancellation reason")
	cascade := fs.Bool("cascade", false, "cancel dependents too")
	_ = fs.Bool("force", false, "unused placeholder for parity with the CLI surface")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pos := fs.Args()
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task cancel <id> [--reason R|--force|--cascade]")
		return 1
	}
	if err := o.CancelTask(ctx, pos[0], *reason, *cascade); err != nil {
		return reportEngineErr(ctx, err)
	}
	fmt.Println(green("cancelled"))
	return 0
}

func taskRetry(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task retry", flag.ContinueOnError)
	resetRetries := fs.Bool("reset-retries", false, "reset the retry counter")
	newAgent := fs.String("new-agent", "", "reassign to a different agent on retry")
	_ = fs.Int("max-retries", 0, "unused placeholder for parity with the CLI surface")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pos := fs.Args()
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task retry <id> [--reset-retries|--new-agent A|--max-retries N]")
		return 1
	}
	if err := o.RetryTask(ctx, pos[0], *resetRetries, *newAgent); err != nil {
		return reportEngineErr(ctx, err)
	}
	fmt.Println(green("retried"))
	return 0
}

func taskAssign(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task assign <id> <agent-id>")
		return 1
	}
	agent, err := o.AssignTask(ctx, args[0], args[1])
	if err != nil {
		return reportEngineErr(ctx, err)
	}
	fmt.Println(green("assigned to " + agent))
	return 0
}

func taskUpdate(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: agentcore task update <id> <field>=<value> [...]")
		return 1
	}
	fields := make(map[string]any, len(args)-1)
	for _, kv := range args[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "invalid field assignment %q (want field=value)\n", kv)
			return 1
		}
		fields[parts[0]] = parts[1]
	}
	t, err := o.UpdateTask(ctx, args[0], fields)
	if err != nil {
		return reportEngineErr(ctx, err)
	}
	printTask(t)
	return 0
}

func taskStats(ctx context.Context, o *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task stats", flag.ContinueOnError)
	detailed := fs.Bool("detailed", false, "include recent steal operations")
	format := fs.String("format", "table", "table|json")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	stats, err := o.Stats(ctx)
	if err != nil {
		return reportEngineErr(ctx, err)
	}

	if *format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats)
		return 0
	}

	fmt.Println(bold("tasks by status:"))
	for status, n := range stats.Tasks {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	fmt.Println(bold("circuit breakers:"))
	for _, b := range stats.Breakers {
		fmt.Printf("  %-20s %-10s failures=%d\n", b.Name, b.State, b.ConsecutiveFailures)
	}
	fmt.Printf("%s agents=%d overloaded=%d underloaded=%d avg_tasks=%.2f steals=%d\n",
		bold("scheduler:"), stats.Scheduler.TotalAgents, stats.Scheduler.OverloadedAgents,
		stats.Scheduler.UnderloadedAgents, stats.Scheduler.AvgTasksPerAgent, stats.Scheduler.SuccessfulSteals)
	if *detailed {
		for _, s := range stats.Scheduler.RecentSteals {
			fmt.Printf("  steal: %+v\n", s)
		}
	}
	fmt.Printf("%s %d entries\n", bold("memory:"), stats.MemoryLen)
	return 0
}
