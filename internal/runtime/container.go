package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// ContainerConfig configures the container worker backend.
type ContainerConfig struct {
	Image         string
	Env           []string
	Volumes       []string // "host:container[:ro]" bind mounts
	Network       string   // optional user-defined network; empty = default bridge
	NamePrefix    string
	PullPolicy    PullPolicy
	ContainerPort int // port the worker listens on inside the container

	Log zerolog.Logger
}

// ContainerAdapter drives the Docker Engine API: client construction,
// pull-if-missing image preparation, and a detached, long-lived container
// lifecycle that the health prober watches rather than waiting on exit.
type ContainerAdapter struct {
	cli *client.Client
	cfg ContainerConfig
}

// NewContainerAdapter creates a Docker-backed runtime adapter.
func NewContainerAdapter(cfg ContainerConfig) (*ContainerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &ContainerAdapter{cli: cli, cfg: cfg}, nil
}

func (a *ContainerAdapter) pull(ctx context.Context) error {
	reader, err := a.cli.ImagePull(ctx, a.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", a.cfg.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull response for %s: %w", a.cfg.Image, err)
	}
	return nil
}

// Prepare pulls the configured image according to PullPolicy: always fails
// the controller on pull failure, missing pulls-and-logs-on-failure, never
// skips entirely.
func (a *ContainerAdapter) Prepare(ctx context.Context) error {
	switch a.cfg.PullPolicy {
	case PullNever:
		return nil
	case PullAlways:
		return a.pull(ctx)
	default: // PullMissing
		if _, _, err := a.cli.ImageInspectWithRaw(ctx, a.cfg.Image); err == nil {
			return nil
		}
		if err := a.pull(ctx); err != nil {
			a.cfg.Log.Warn().Err(err).Str("image", a.cfg.Image).Msg("image pull failed, continuing with missing policy")
		}
		return nil
	}
}

// Create runs the configured image detached, publishing host_port on
// localhost to the container's ContainerPort, with a restart policy of
// unless-stopped.
func (a *ContainerAdapter) Create(ctx context.Context, port int, name string) (Handle, error) {
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", a.cfg.ContainerPort))

	containerCfg := &container.Config{
		Image:        a.cfg.Image,
		Env:          a.cfg.Env,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		Binds: a.cfg.Volumes,
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if a.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(a.cfg.Network)
	}

	resp, err := a.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("create container %s: %w", name, err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("start container %s: %w", name, err)
	}

	return Handle{Kind: "container", ID: resp.ID}, nil
}

// Terminate stops then force-removes the container. Idempotent: errors
// stopping/removing an already-gone container are swallowed.
func (a *ContainerAdapter) Terminate(ctx context.Context, h Handle) error {
	return a.terminateByRef(ctx, h.ID)
}

// TerminateNamed terminates a container referenced only by name, used
// during orphan reclaim where no Handle exists yet (implements
// runtime.OrphanTerminator). The Docker API accepts a name anywhere it
// accepts a container ID.
func (a *ContainerAdapter) TerminateNamed(ctx context.Context, name string) error {
	return a.terminateByRef(ctx, name)
}

func (a *ContainerAdapter) terminateByRef(ctx context.Context, ref string) error {
	timeoutSeconds := 5
	_ = a.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeoutSeconds})
	if err := a.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	return nil
}

// State maps Docker's container status vocabulary down to the adapter's
// four-value summary.
func (a *ContainerAdapter) State(ctx context.Context, h Handle) (State, error) {
	inspect, err := a.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		return StateNotFound, nil
	}
	switch inspect.State.Status {
	case "created", "restarting":
		return StateStarting, nil
	case "running", "paused":
		return StateRunning, nil
	case "exited", "dead", "removing":
		return StateExited, nil
	default:
		return StateNotFound, nil
	}
}

// ListOwned enumerates containers whose name carries this controller's
// name prefix, used once at startup for orphan reclaim.
func (a *ContainerAdapter) ListOwned(ctx context.Context) ([]string, error) {
	f := filters.NewArgs(filters.Arg("name", a.cfg.NamePrefix))
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}
