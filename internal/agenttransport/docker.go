package agenttransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/agentcore/internal/bus"
)

// DockerTransport executes an agent's unit of work inside an ephemeral
// container and streams its result back as a bus message: create, start,
// wait, collect logs, auto-remove.
type DockerTransport struct {
	cli         *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
	logger      *slog.Logger

	connected atomic.Bool
	reconnect atomic.Bool
	events    chan Event

	mu sync.Mutex
}

func NewDockerTransport(image string, memoryMB int64, networkMode, workspace string, logger *slog.Logger) (*DockerTransport, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerTransport{
		cli: cli, image: image, memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode, workspace: workspace, logger: logger,
		events: make(chan Event, 16),
	}, nil
}

func (d *DockerTransport) Connect(ctx context.Context, agentID string) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	d.connected.Store(true)
	d.reconnect.Store(false)
	d.events <- Event{Type: EventConnected, AgentID: agentID}
	return nil
}

func (d *DockerTransport) Close() error {
	d.connected.Store(false)
	return d.cli.Close()
}

func (d *DockerTransport) IsConnected() bool { return d.connected.Load() }

// dockerAssignment is the payload SendMessage expects: a "task.assign"
// message whose content decodes into a shell command to run.
type dockerAssignment struct {
	Command string `json:"command"`
	WorkDir string `json:"work_dir"`
}

// SendMessage runs msg's command in a fresh container and emits the
// container's combined output as an inbound "task.result" event — there is
// no separate reply channel, so result delivery piggybacks on the same
// send call rather than a background read loop.
func (d *DockerTransport) SendMessage(ctx context.Context, msg bus.Message) error {
	var assignment dockerAssignment
	if err := json.Unmarshal(msg.Content, &assignment); err != nil {
		return fmt.Errorf("decode docker assignment: %w", err)
	}
	if assignment.WorkDir == "" {
		assignment.WorkDir = "/workspace"
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", assignment.Command},
		WorkingDir: assignment.WorkDir,
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", d.workspace, assignment.WorkDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.cli.ContainerKill(ctx, resp.ID, "SIGKILL")
		return ctx.Err()
	}

	out, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)

	result, err := json.Marshal(map[string]any{
		"exit_code": exitCode, "stdout": stdout.String(), "stderr": stderr.String(),
	})
	if err != nil {
		return err
	}

	agentID := ""
	if len(msg.Receivers) > 0 {
		agentID = msg.Receivers[0]
	}
	reply := bus.Message{Type: "task.result", Content: result, ContentType: "application/json", Sender: agentID}
	d.events <- Event{Type: EventMessage, AgentID: agentID, Message: &reply}
	return nil
}

// ShouldReconnect: a docker daemon connection drop is always worth retrying
// since the daemon, not the container, owns the socket.
func (d *DockerTransport) ShouldReconnect(err error) bool {
	if err == nil {
		return d.reconnect.Load()
	}
	return true
}

func (d *DockerTransport) MarkForReconnect() { d.reconnect.Store(true) }

func (d *DockerTransport) Events() <-chan Event { return d.events }
