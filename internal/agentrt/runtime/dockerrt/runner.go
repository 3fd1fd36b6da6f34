package dockerrt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/config"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

const modelBackendPrefix = "docker:"

// stopTimeout bounds how long dockerClient.stop waits for a graceful exit
// before the daemon sends SIGKILL itself.
const stopTimeout = 10 * time.Second

// HasPrefix reports whether modelBackend selects the container-backed
// runner, letting the registry's RunnerFactory dispatch without importing
// this package's internals.
func HasPrefix(modelBackend string) bool {
	return strings.HasPrefix(modelBackend, modelBackendPrefix)
}

// imageFromModelBackend extracts the image reference from a
// "docker:<image>" model_backend string.
func imageFromModelBackend(modelBackend string) string {
	return strings.TrimPrefix(modelBackend, modelBackendPrefix)
}

// Runner spawns the agent backend inside a Docker container, satisfying
// the same handle.Runner capability set as localrt.Runner.
type Runner struct {
	cfg config.DockerConfig
	log *logger.Logger

	mu          sync.Mutex
	client      *dockerClient
	containerID string
	attach      *attachResult
}

// New returns an unstarted container-backed Runner bound to cfg.
func New(cfg config.DockerConfig, log *logger.Logger) *Runner {
	return &Runner{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "dockerrt")),
	}
}

// Spawn creates, starts, and attaches to a container running the agent's
// image. It always tries to pull the image first; a failed pull is logged
// as a warning and the locally available image is used.
func (r *Runner) Spawn(ctx context.Context, cfg types.AgentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	image := imageFromModelBackend(cfg.ModelBackend)
	if image == "" {
		image = r.cfg.Image
	}
	if image == "" {
		return fmt.Errorf("%w: docker model_backend requires an image", apierr.ErrInvalidRequest)
	}

	dc, err := newDockerClient(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("%w: %s", apierr.ErrSpawnFailed, err)
	}

	if err := dc.pullImage(ctx, image); err != nil {
		r.log.Warn("image pull failed, attempting to run from local cache", zap.String("image", image), zap.Error(err))
	}

	spec := containerSpec{
		Name:        "agentctl-" + cfg.Name,
		Image:       image,
		Env:         buildEnv(cfg),
		Labels:      map[string]string{"agentctl.managed": "true"},
		NetworkMode: r.cfg.DefaultNetwork,
	}

	containerID, err := dc.createInteractive(ctx, spec)
	if err != nil {
		dc.Close()
		return fmt.Errorf("%w: %s", apierr.ErrSpawnFailed, err)
	}

	attached, err := dc.attach(ctx, containerID)
	if err != nil {
		dc.Close()
		return fmt.Errorf("%w: %s", apierr.ErrSpawnFailed, err)
	}

	if err := dc.start(ctx, containerID); err != nil {
		dc.Close()
		return fmt.Errorf("%w: %s", apierr.ErrSpawnFailed, err)
	}

	r.client = dc
	r.containerID = containerID
	r.attach = attached
	return nil
}

// Stdin returns the attached container's stdin pipe.
func (r *Runner) Stdin() io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attach == nil {
		return nil
	}
	return r.attach.stdin
}

// Stdout returns the demultiplexed stdout+stderr stream.
func (r *Runner) Stdout() io.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attach == nil {
		return nil
	}
	return r.attach.stdout
}

// Stderr has no independent stream: demultiplex already folds stderr
// frames into the combined Stdout reader.
func (r *Runner) Stderr() io.Reader {
	return nil
}

// Signal translates an AgentHandle signal into the nearest Docker
// container operation: Interrupt sends SIGINT, Terminate stops the
// container gracefully, Kill sends SIGKILL directly.
func (r *Runner) Signal(kind handle.SignalKind) error {
	r.mu.Lock()
	dc, id := r.client, r.containerID
	r.mu.Unlock()

	if dc == nil || id == "" {
		return apierr.ErrGone
	}

	ctx := context.Background()
	switch kind {
	case handle.SignalInterrupt:
		return dc.kill(ctx, id, "SIGINT")
	case handle.SignalTerminate:
		return dc.stop(ctx, id, int(stopTimeout.Seconds()))
	case handle.SignalKill:
		return dc.kill(ctx, id, "SIGKILL")
	default:
		return fmt.Errorf("%w: unknown signal kind", apierr.ErrUnsupported)
	}
}

// Alive reports whether the container is still running, used by the
// Supervisor's liveness poll as a backstop to Wait.
func (r *Runner) Alive() bool {
	r.mu.Lock()
	dc, id := r.client, r.containerID
	r.mu.Unlock()

	if dc == nil || id == "" {
		return false
	}
	return dc.isRunning(context.Background(), id)
}

// Wait blocks until the container exits, removes it, and reports its exit
// code.
func (r *Runner) Wait() (types.ExitStatus, error) {
	r.mu.Lock()
	dc, id := r.client, r.containerID
	r.mu.Unlock()

	if dc == nil || id == "" {
		return types.ExitStatus{}, apierr.ErrGone
	}

	code, err := dc.wait(context.Background(), id)
	defer func() {
		_ = dc.remove(context.Background(), id)
		dc.Close()
	}()

	if err != nil {
		return types.ExitStatus{}, err
	}

	c := int(code)
	return types.ExitStatus{Code: &c, Success: code == 0}, nil
}
