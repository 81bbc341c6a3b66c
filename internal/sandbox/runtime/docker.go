package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"agentbox/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

const (
	labelManaged   = "agentbox.managed"
	labelSessionID = "agentbox.session_id"

	containerWorkdir = "/workspace"
	stopGraceSeconds = 10
)

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// Host is the Docker daemon address; empty uses DOCKER_HOST or the default socket.
	Host string `yaml:"host"`

	// NetworkMode for sandbox containers ("none", "bridge", "host").
	NetworkMode string `yaml:"networkMode"`

	// StartTimeout bounds create+start of one container.
	StartTimeout time.Duration `yaml:"startTimeout"`
}

// DockerRuntime implements Runtime using the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerRuntime creates a Docker-backed runtime.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	options := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		options = append(options, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 60 * time.Second
	}

	return &DockerRuntime{cli: cli, cfg: cfg}, nil
}

// Start creates and starts a container for the spec.
func (r *DockerRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()

	mounts := make([]mount.Mount, 0, len(spec.VolumeMounts))
	for hostPath, containerPath := range spec.VolumeMounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: hostPath,
			Target: containerPath,
		})
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkdir,
		Env: []string{
			fmt.Sprintf("AGENTBOX_SESSION_ID=%s", spec.SessionID),
			fmt.Sprintf("AGENTBOX_IDLE_TIMEOUT=%d", int(spec.IdleTimeout.Seconds())),
		},
		Labels: map[string]string{
			labelManaged:   "true",
			labelSessionID: spec.SessionID,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemoryLimitMB << 20,
		},
	}

	name := "agentbox-" + spec.SessionID
	created, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if client.IsErrNotFound(err) {
		// Image missing locally; pull and retry once.
		if pullErr := r.pullImage(ctx, spec.Image); pullErr != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, pullErr)
		}
		created, err = r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Do not leak the created container on a failed start.
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer removeCancel()
		if removeErr := r.cli.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			logger.Warn(ctx, "failed to remove container after start failure",
				zap.String("container_id", created.ID), zap.Error(removeErr))
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &dockerHandle{cli: r.cli, containerID: created.ID}, nil
}

func (r *DockerRuntime) pullImage(ctx context.Context, image string) error {
	reader, err := r.cli.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// dockerHandle is a live reference to a started container.
type dockerHandle struct {
	cli         *client.Client
	containerID string
}

func (h *dockerHandle) ID() string {
	return h.containerID
}

func (h *dockerHandle) IsStarted(ctx context.Context) bool {
	inspect, err := h.cli.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (h *dockerHandle) Stop(ctx context.Context) error {
	timeout := stopGraceSeconds
	if err := h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", h.containerID, err)
	}
	return nil
}

func (h *dockerHandle) Cleanup(ctx context.Context) error {
	if err := h.Stop(ctx); err != nil {
		return err
	}
	if err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", h.containerID, err)
	}
	return nil
}

var _ Runtime = (*DockerRuntime)(nil)
var _ Handle = (*dockerHandle)(nil)
