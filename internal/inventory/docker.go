package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// dockerAPI is the subset of the Docker client used for scanning.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Close() error
}

// DockerSource lists running containers through the Docker Engine API.
type DockerSource struct {
	cli        dockerAPI
	roleEnvVar string
	roleLabel  string
}

// DockerOptions selects where a container's role reference is read from.
type DockerOptions struct {
	// RoleEnvVar is checked first, e.g. IAM_ROLE=deploy-bot.
	RoleEnvVar string
	// RoleLabel is checked when the env var is absent.
	RoleLabel string
}

// NewDockerSource connects using the standard DOCKER_* environment.
func NewDockerSource(opts DockerOptions) (*DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerSource(cli, opts), nil
}

func newDockerSource(cli dockerAPI, opts DockerOptions) *DockerSource {
	return &DockerSource{
		cli:        cli,
		roleEnvVar: opts.RoleEnvVar,
		roleLabel:  opts.RoleLabel,
	}
}

// Close releases the Docker client.
func (s *DockerSource) Close() error {
	return s.cli.Close()
}

// Containers returns one identity per (running container, network address).
func (s *DockerSource) Containers(ctx context.Context) ([]ContainerIdentity, error) {
	summaries, err := s.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, classifyDockerError("listing containers", err)
	}

	var result []ContainerIdentity
	for _, summary := range summaries {
		inspect, err := s.cli.ContainerInspect(ctx, summary.ID)
		if err != nil {
			// Exited between list and inspect.
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, classifyDockerError("inspecting container "+shortID(summary.ID), err)
		}
		result = append(result, s.identities(inspect)...)
	}
	return result, nil
}

func (s *DockerSource) identities(inspect container.InspectResponse) []ContainerIdentity {
	if inspect.ContainerJSONBase == nil || inspect.NetworkSettings == nil {
		return nil
	}
	roleRef := s.roleFor(inspect.Config)
	name := strings.TrimPrefix(inspect.Name, "/")

	var out []ContainerIdentity
	for _, ep := range inspect.NetworkSettings.Networks {
		if ep == nil {
			continue
		}
		for _, addr := range []string{ep.IPAddress, ep.GlobalIPv6Address} {
			if addr == "" {
				continue
			}
			out = append(out, ContainerIdentity{
				ID:      inspect.ID,
				Name:    name,
				Address: addr,
				Role:    roleRef,
			})
		}
	}
	return out
}

func (s *DockerSource) roleFor(cfg *container.Config) string {
	if cfg == nil {
		return ""
	}
	if s.roleEnvVar != "" {
		prefix := s.roleEnvVar + "="
		for _, kv := range cfg.Env {
			if v, ok := strings.CutPrefix(kv, prefix); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	if s.roleLabel != "" {
		return strings.TrimSpace(cfg.Labels[s.roleLabel])
	}
	return ""
}

// classifyDockerError marks daemon connectivity problems as unavailability.
func classifyDockerError(op string, err error) error {
	if client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) ||
		errdefs.IsDeadlineExceeded(err) || errdefs.IsCanceled(err) {
		return &UnavailableError{Reason: "docker daemon unreachable", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
