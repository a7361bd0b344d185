package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
)

// DockerResolver resolves sandbox IDs to running containers. A sandbox ID is
// the container name (or ID) of a session's container.
type DockerResolver struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerResolver creates a resolver backed by the Docker daemon.
func NewDockerResolver(cfg config.SandboxConfig, log *logger.Logger) (*DockerResolver, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker sandbox resolver created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &DockerResolver{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "sandbox-resolver")),
	}, nil
}

// Ping verifies connectivity to the Docker daemon.
func (r *DockerResolver) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close closes the underlying Docker client.
func (r *DockerResolver) Close() error {
	return r.cli.Close()
}

// Resolve inspects the container and returns a handle bound to it.
// The container must exist and be running.
func (r *DockerResolver) Resolve(ctx context.Context, sandboxID string) (Sandbox, error) {
	info, err := r.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect sandbox %q: %w", sandboxID, err)
	}
	if info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("sandbox %q is not running", sandboxID)
	}

	return &dockerSandbox{
		id:          sandboxID,
		containerID: info.ID,
		cli:         r.cli,
		logger:      r.logger.WithFields(zap.String("sandbox_id", sandboxID)),
	}, nil
}

// dockerSandbox implements Sandbox against a single running container.
type dockerSandbox struct {
	id          string
	containerID string
	cli         *client.Client
	logger      *logger.Logger
}

// ID returns the sandbox identifier.
func (s *dockerSandbox) ID() string {
	return s.id
}

// Exec runs a command to completion via a container exec and collects output.
func (s *dockerSandbox) Exec(ctx context.Context, cmd []string) (*ExecResult, error) {
	execID, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if err := demuxExecOutput(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	s.logger.Debug("exec completed",
		zap.String("cmd", strings.Join(cmd, " ")),
		zap.Int("exit_code", inspect.ExitCode),
	)

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// WriteFile copies content into the container as a single-file tar archive.
func (s *dockerSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar: %w", err)
	}

	dir := filepath.Dir(path)
	if err := s.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy file to sandbox: %w", err)
	}

	s.logger.Debug("wrote file", zap.String("path", path), zap.Int("bytes", len(content)))
	return nil
}

// StartProcess starts a detached exec for a long-running process.
func (s *dockerSandbox) StartProcess(ctx context.Context, cmd []string, opts ProcessOptions) error {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execID, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:        cmd,
		Env:        env,
		WorkingDir: opts.Cwd,
		Detach:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to create process exec: %w", err)
	}

	if err := s.cli.ContainerExecStart(ctx, execID.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	s.logger.Info("started process", zap.String("cmd", strings.Join(cmd, " ")))
	return nil
}
