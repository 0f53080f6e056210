package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerRuntime implements Runtime on top of the Docker Engine API. Podman's
// Docker-compatible socket is served by the same implementation.
type DockerRuntime struct {
	logger *zap.Logger
	client *client.Client
}

// Verify interface compliance.
var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the engine at host, or to the environment's
// DOCKER_HOST when host is empty.
func NewDockerRuntime(logger *zap.Logger, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{logger: logger, client: cli}, nil
}

// CreateContainer pulls the image when it is missing and creates an idle,
// interactive container that stays up until removed.
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:     spec.Image,
		Tty:       true,
		OpenStdin: true,
		Labels:    spec.Labels,
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container", spec.Name), zap.String("warning", w))
	}
	return resp.ID, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	d.logger.Info("pulling sandbox image", zap.String("image", image))
	rc, err := d.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, containerID string) (bool, error) {
	c, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return c.State != nil && c.State.Running, nil
}

func (d *DockerRuntime) CreateExec(ctx context.Context, containerID string, cmd []string, workdir string) (string, error) {
	resp, err := d.client.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}
	return resp.ID, nil
}

// StartExec attaches to the exec and demultiplexes stdout and stderr into a
// single stream. Closing the returned reader closes the hijacked connection.
func (d *DockerRuntime) StartExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	hijacked, err := d.client.ContainerExecAttach(ctx, execID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, hijacked.Reader)
		pw.CloseWithError(copyErr)
	}()

	return &hijackedOutput{PipeReader: pr, conn: hijacked}, nil
}

func (d *DockerRuntime) InspectExec(ctx context.Context, execID string) (ExecStatus, error) {
	inspect, err := d.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return ExecStatus{Running: inspect.Running, ExitCode: inspect.ExitCode}, nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	timeout := 0
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Close releases the Docker client resources.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

type hijackedOutput struct {
	*io.PipeReader
	conn types.HijackedResponse
}

func (h *hijackedOutput) Close() error {
	h.conn.Close()
	return h.PipeReader.Close()
}
