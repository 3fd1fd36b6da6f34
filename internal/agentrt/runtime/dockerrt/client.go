// Package dockerrt implements handle.Runner by running the agent backend
// inside a Docker container instead of a local pty-backed process, selected
// when AgentConfig.ModelBackend carries the "docker:" prefix.
//
// Grounded on the teacher's internal/agent/docker.Client: same SDK options
// for client construction, the same create/start/stop/remove/kill lifecycle
// calls, and the same ContainerAttach + demultiplexStream pattern for
// non-tty stdio, generalized from a one-shot exec helper into the
// handle.Runner capability set the registry dispatches against.
package dockerrt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/platform/config"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// dockerClient wraps the Docker SDK client with the lifecycle operations the
// runtime needs. Unexported: runtime code only ever touches it through
// Runner.
type dockerClient struct {
	cli    *client.Client
	log    *logger.Logger
	config config.DockerConfig
}

func newDockerClient(cfg config.DockerConfig, log *logger.Logger) (*dockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &dockerClient{cli: cli, log: log, config: cfg}, nil
}

func (c *dockerClient) Close() error {
	return c.cli.Close()
}

func (c *dockerClient) pullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull output: %w", err)
	}
	return nil
}

// containerSpec is the subset of container configuration the runtime needs
// to start an agent in a container: a single command, an environment, and
// the network the agent should reach the control plane on.
type containerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Labels      map[string]string
	NetworkMode string
	Mounts      []mountSpec
}

type mountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (c *dockerClient) createInteractive(ctx context.Context, spec containerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (c *dockerClient) start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

func (c *dockerClient) stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

func (c *dockerClient) kill(ctx context.Context, containerID, signal string) error {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("kill container %s: %w", containerID, err)
	}
	return nil
}

func (c *dockerClient) remove(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// isRunning reports whether containerID is still running, for the
// Supervisor's liveness poll. A container that vanished (removed out from
// under us) or errored on inspect is treated as not running.
func (c *dockerClient) isRunning(ctx context.Context, containerID string) bool {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (c *dockerClient) wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container %s: %w", containerID, err)
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}

// attachResult holds the demultiplexed stdio streams for a non-tty
// container attach.
type attachResult struct {
	stdin  io.WriteCloser
	stdout io.Reader
}

// attach attaches to containerID's stdin/stdout/stderr and demultiplexes
// Docker's framed stream format (8-byte header: stream type + big-endian
// uint32 size) into a single combined stdout reader, matching how the
// runtime's pty-backed runner also presents one combined stream.
func (c *dockerClient) attach(ctx context.Context, containerID string) (*attachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		io.Copy(resp.Conn, stdinReader)
		resp.CloseWrite()
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		defer resp.Close()
		demultiplex(resp.Reader, stdoutWriter, c.log)
	}()

	return &attachResult{stdin: stdinWriter, stdout: stdoutReader}, nil
}

func demultiplex(r io.Reader, w io.Writer, log *logger.Logger) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err != io.EOF && log != nil {
				log.Debug("docker stream demultiplex ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			w.Write(data)
		}
	}
}
