package services

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	dockerclient "github.com/ppp-one/stellarhub/internal/docker"
)

// notebookPort is the port the single-user notebook server listens on
// inside its container.
const notebookPort = "8888/tcp"

// containerHome is the notebook user's home directory inside the
// container, which doubles as the notebook working directory.
const containerHome = "/home/jovyan"

// SpawnPolicy describes the resource ceiling, image and mount set
// applied identically to every spawned notebook container. It is built
// once from configuration and never varies per user.
type SpawnPolicy struct {
	Image           string
	NetworkName     string
	PullPolicy      string // "never", "missing" or "always"
	MemLimitBytes   int64
	NanoCPUs        int64
	SharedNotebooks string
	SharedData      string
	WorkspaceBase   string
}

// NanoCPUsFromLimit converts a fractional CPU count to the NanoCPUs
// unit the Docker API expects.
func NanoCPUsFromLimit(cpus float64) int64 {
	return int64(cpus * 1e9)
}

// ContainerName returns the deterministic container name for a user.
func (p SpawnPolicy) ContainerName(username string) string {
	return "stellarhub-" + username
}

// WorkspaceDir returns the host path of a user's private writable
// workspace.
func (p SpawnPolicy) WorkspaceDir(username string) string {
	return filepath.Join(p.WorkspaceBase, username)
}

// Mounts builds the bind mounts for a user's container: the shared
// template notebooks and dataset directories read-only, the user's
// workspace read-write at the container home.
func (p SpawnPolicy) Mounts(username string) ([]mount.Mount, error) {
	sharedNotebooks, err := filepath.Abs(p.SharedNotebooks)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shared notebooks dir: %w", err)
	}
	sharedData, err := filepath.Abs(p.SharedData)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shared data dir: %w", err)
	}
	workspace, err := filepath.Abs(p.WorkspaceDir(username))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace dir: %w", err)
	}

	return []mount.Mount{
		{Type: mount.TypeBind, Source: workspace, Target: containerHome},
		{Type: mount.TypeBind, Source: sharedNotebooks, Target: containerHome + "/example_notebooks", ReadOnly: true},
		{Type: mount.TypeBind, Source: sharedData, Target: containerHome + "/data", ReadOnly: true},
	}, nil
}

// ContainerConfig builds the container configuration for a user's
// notebook server.
func (p SpawnPolicy) ContainerConfig(username, token string) *container.Config {
	return &container.Config{
		Image: p.Image,
		User:  "1000:100", // jovyan user in notebook images
		Env: []string{
			"JUPYTER_TOKEN=" + token,
			"JUPYTER_RUNTIME_DIR=/tmp/jupyter-runtime",
			"JUPYTER_DATA_DIR=/tmp/jupyter-data",
			"NOTEBOOK_DIR=" + containerHome,
		},
		ExposedPorts: nat.PortSet{notebookPort: {}},
		Labels: map[string]string{
			dockerclient.ManagedLabel: "true",
			dockerclient.UserLabel:    username,
		},
	}
}

// HostConfig builds the host configuration: bind mounts, the published
// notebook port, and the resource ceilings the container runtime
// enforces. The hub never enforces the ceilings itself; a container
// exceeding its memory limit is killed by the runtime.
func (p SpawnPolicy) HostConfig(username string, hostPort int) (*container.HostConfig, error) {
	mounts, err := p.Mounts(username)
	if err != nil {
		return nil, err
	}

	return &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			notebookPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}},
		},
		NetworkMode: container.NetworkMode(p.NetworkName),
		Resources: container.Resources{
			Memory:   p.MemLimitBytes,
			NanoCPUs: p.NanoCPUs,
		},
	}, nil
}
