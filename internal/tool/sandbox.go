package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/toolrelay/relay/internal/domain"
)

const (
	sandboxImage         = "relay-sandbox:latest"
	sandboxContainer     = "tool-relay-sandbox"
	sandboxUser          = "1000"
	sandboxWorkdir       = "/home/relay/work"
	sandboxMemoryBytes   = 256 * 1024 * 1024
	sandboxPidsLimit     = 128
	sandboxCreateRetries = 5
	sandboxCreateDelay   = 250 * time.Millisecond
	sandboxOutputLimit   = 64 * 1024
)

// ShellExecArgs is the shell.exec tool's argument shape.
type ShellExecArgs struct {
	Command string `json:"command" jsonschema:"the shell command to run"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"soft timeout in seconds, default 30"`
}

// Sandbox runs shell.exec invocations inside a single reused Docker
// container, one exec per call. It is not a terminal: each invocation
// attaches, waits for completion, and returns captured output, the way
// fixDNS runs a one-shot command and reads it to completion rather
// than holding an interactive session open.
type Sandbox struct {
	cli *client.Client

	mu          sync.Mutex
	containerID string
}

// NewSandbox dials the local Docker daemon. The backing container is
// created lazily on first Exec, not here, so a worker without Docker
// available can still start and serve every other tool.
func NewSandbox() (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &Sandbox{cli: cli}, nil
}

// RegisterShellExec adds the shell.exec tool backed by s.
func RegisterShellExec(r *Registry, s *Sandbox) {
	Register(r, "shell.exec", func(ctx context.Context, args ShellExecArgs) ([]domain.ContentItem, error) {
		return s.Exec(ctx, args)
	})
}

// Exec ensures the backing container is running, then execs command
// inside it and returns its combined output as a single text content
// item. A non-zero exit code is not itself an error: the command's
// output and exit status are both information for the caller.
func (s *Sandbox) Exec(ctx context.Context, args ShellExecArgs) ([]domain.ContentItem, error) {
	if strings.TrimSpace(args.Command) == "" {
		return nil, &ErrInvalidArgs{Tool: "shell.exec", Reason: fmt.Errorf("command must not be empty")}
	}

	timeout := 30 * time.Second
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerID, err := s.ensureContainer(execCtx)
	if err != nil {
		return nil, fmt.Errorf("shell.exec: ensure container: %w", err)
	}

	execConfig := container.ExecOptions{
		Cmd:          []string{"sh", "-c", args.Command},
		User:         sandboxUser,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := s.cli.ContainerExecCreate(execCtx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("shell.exec: create exec: %w", err)
	}

	attached, err := s.cli.ContainerExecAttach(execCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("shell.exec: attach exec: %w", err)
	}
	defer attached.Close()

	var out bytes.Buffer
	if _, err := io.CopyN(&out, attached.Reader, sandboxOutputLimit); err != nil && err != io.EOF {
		return nil, fmt.Errorf("shell.exec: read output: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("shell.exec: inspect exec: %w", err)
	}

	text := out.String()
	if inspect.ExitCode != 0 {
		text = fmt.Sprintf("%s\n(exit code %d)", text, inspect.ExitCode)
	}
	return domain.TextContent(text), nil
}

// ensureContainer returns the sandbox container's ID, creating it if
// absent. Mirrors the retry-on-name-conflict loop a concurrent
// recreate can trigger.
func (s *Sandbox) ensureContainer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID != "" {
		inspect, err := s.cli.ContainerInspect(ctx, s.containerID)
		if err == nil && inspect.State.Running {
			return s.containerID, nil
		}
		s.containerID = ""
	}

	inspect, err := s.cli.ContainerInspect(ctx, sandboxContainer)
	if err == nil {
		if !inspect.State.Running {
			if startErr := s.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); startErr != nil {
				return "", fmt.Errorf("restart sandbox container: %w", startErr)
			}
		}
		s.containerID = inspect.ID
		return inspect.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect sandbox container: %w", err)
	}

	cfg := &container.Config{
		Image:      sandboxImage,
		User:       sandboxUser,
		WorkingDir: sandboxWorkdir,
		Tty:        false,
		Cmd:        []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeTmpfs,
			Target: sandboxWorkdir,
		}},
		Resources: container.Resources{
			Memory:    sandboxMemoryBytes,
			PidsLimit: intPtr(sandboxPidsLimit),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for attempt := 0; attempt < sandboxCreateRetries; attempt++ {
		resp, createErr = s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sandboxContainer)
		if createErr == nil {
			break
		}
		if !strings.Contains(strings.ToLower(createErr.Error()), "already in use") {
			return "", fmt.Errorf("create sandbox container: %w", createErr)
		}
		slog.Warn("sandbox container name conflict, retrying", "attempt", attempt+1, "error", createErr)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sandboxCreateDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox container after retries: %w", createErr)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container: %w", err)
	}

	s.containerID = resp.ID
	slog.Info("sandbox container started", "container_id", resp.ID)
	return resp.ID, nil
}

// Close stops and removes the backing container, idempotently.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID == "" {
		return nil
	}
	timeout := 5
	if err := s.cli.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("sandbox container stop failed", "error", err)
	}
	if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	s.containerID = ""
	return nil
}

func intPtr(v int64) *int64 { return &v }
