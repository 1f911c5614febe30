package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	rspec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/internal/oci"
	"github.com/containers/containrs/internal/registrar"
	"github.com/containers/containrs/utils/errdefs"
)

// ContainerConfig carries the requested settings of a new container. The
// name and the OCI spec are required.
type ContainerConfig struct {
	Name        string
	Spec        *rspec.Spec
	LogPath     string
	Labels      map[string]string
	Annotations map[string]string
	Terminal    bool
	Stdin       bool
	StopSignal  string
}

// CreateContainer creates a new container inside the provided sandbox: it
// allocates the bundle, invokes the runtime create verb and persists the
// record. The sandbox has to be ready.
func (c *ContainerServer) CreateContainer(ctx context.Context, sandboxID string, cfg *ContainerConfig) (ctr *oci.Container, retErr error) {
	if cfg == nil {
		return nil, errdefs.Invalidf("no container configuration provided")
	}
	if cfg.Spec == nil {
		return nil, errdefs.Invalidf("no container spec provided")
	}

	sb, err := c.LookupSandbox(sandboxID)
	if err != nil {
		return nil, err
	}

	if !sb.Ready() {
		return nil, errdefs.Conflictf("sandbox %s is not ready", sb.ID())
	}

	id := generateID()

	if err := c.ctrNameIndex.Reserve(ctrName(sb, cfg.Name), id); err != nil {
		if err == registrar.ErrNameReserved {
			return nil, errdefs.Conflictf("container name %q already in use", cfg.Name)
		}

		return nil, fmt.Errorf("reserve container name: %w", err)
	}
	defer func() {
		if retErr != nil {
			c.ctrNameIndex.Release(ctrName(sb, cfg.Name))
		}
	}()

	bundlePath := filepath.Join(c.config.BundleDir, id)
	if err := os.MkdirAll(bundlePath, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	defer func() {
		if retErr != nil {
			if err := os.RemoveAll(bundlePath); err != nil {
				log.Warnf(ctx, "Unable to remove bundle of container %s: %v", id, err)
			}
		}
	}()

	ctr, err = oci.NewContainer(
		id, cfg.Name, sb.ID(), bundlePath, cfg.LogPath, cfg.Labels,
		cfg.Annotations, cfg.Spec, cfg.Terminal, cfg.Stdin, cfg.StopSignal,
		now(),
	)
	if err != nil {
		return nil, err
	}

	log.Infof(ctx, "Creating container %s (name %s) in sandbox %s", id, cfg.Name, sb.ID())

	if err := c.runtime.CreateContainer(ctx, ctr); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			if err := c.runtime.DeleteContainer(ctx, ctr, true); err != nil {
				log.Warnf(ctx, "Unable to delete container %s: %v", id, err)
			}
		}
	}()

	if err := c.addContainer(sb, ctr); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			c.removeContainer(sb, ctr)
		}
	}()

	if err := c.persistContainer(ctr); err != nil {
		return nil, err
	}

	log.Infof(ctx, "Created container %s", id)

	return ctr, nil
}

// StartContainer starts a created container.
func (c *ContainerServer) StartContainer(ctx context.Context, id string) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.StartContainer(ctx, ctr); err != nil {
		return err
	}

	log.Infof(ctx, "Started container %s", ctr.ID())

	return c.persistContainer(ctr)
}

// StopContainer stops a running container, escalating to SIGKILL once the
// timeout elapsed.
func (c *ContainerServer) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.StopContainer(ctx, ctr, timeout); err != nil {
		return err
	}

	log.Infof(ctx, "Stopped container %s", ctr.ID())

	return c.persistContainer(ctr)
}

// KillContainer sends the signal to a created or running container.
func (c *ContainerServer) KillContainer(ctx context.Context, id string, signal syscall.Signal) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.KillContainer(ctx, ctr, signal); err != nil {
		return err
	}

	return c.persistContainer(ctr)
}

// RemoveContainer deletes a stopped or created container and removes its
// record and bundle. The force flag allows removing a running container by
// killing it first.
func (c *ContainerServer) RemoveContainer(ctx context.Context, id string, force bool) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	sb, err := c.LookupSandbox(ctr.SandboxID())
	if err != nil {
		return err
	}

	if err := c.runtime.DeleteContainer(ctx, ctr, force); err != nil {
		return err
	}

	if err := c.deleteContainerRecord(ctr.ID()); err != nil {
		return err
	}

	c.removeContainer(sb, ctr)

	if err := os.RemoveAll(ctr.BundlePath()); err != nil {
		log.Warnf(ctx, "Unable to remove bundle of container %s: %v", ctr.ID(), err)
	}

	log.Infof(ctx, "Removed container %s", ctr.ID())

	return nil
}

// PauseContainer pauses a running container.
func (c *ContainerServer) PauseContainer(ctx context.Context, id string) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.PauseContainer(ctx, ctr); err != nil {
		return err
	}

	return c.persistContainer(ctr)
}

// UnpauseContainer resumes a paused container.
func (c *ContainerServer) UnpauseContainer(ctx context.Context, id string) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.UnpauseContainer(ctx, ctr); err != nil {
		return err
	}

	return c.persistContainer(ctr)
}

// ExecSyncContainer runs the command inside a running container and
// returns its collected output and exit code.
func (c *ContainerServer) ExecSyncContainer(ctx context.Context, id string, command []string, tty bool) (*oci.ExecSyncResponse, error) {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return nil, err
	}

	return c.runtime.ExecSyncContainer(ctx, ctr, command, tty)
}

// ContainerStats returns the current resource usage of a running or paused
// container.
func (c *ContainerServer) ContainerStats(ctx context.Context, id string) (*oci.ContainerStats, error) {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return nil, err
	}

	return c.runtime.ContainerStats(ctx, ctr)
}

// ContainerPs returns the PIDs of all processes inside a container.
func (c *ContainerServer) ContainerPs(ctx context.Context, id string) ([]int, error) {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return nil, err
	}

	return c.runtime.ContainerPs(ctx, ctr)
}

// ContainerStatus refreshes the container state from the runtime and
// returns it.
func (c *ContainerServer) ContainerStatus(ctx context.Context, id string) (*oci.ContainerState, error) {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return nil, err
	}

	if err := c.runtime.UpdateContainerStatus(ctx, ctr); err != nil {
		return nil, err
	}

	state := ctr.State()

	return &state, nil
}

// CheckpointContainer checkpoints a running container into the image path.
func (c *ContainerServer) CheckpointContainer(ctx context.Context, id, imagePath string, leaveRunning bool) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.CheckpointContainer(ctx, ctr, imagePath, leaveRunning); err != nil {
		return err
	}

	return c.persistContainer(ctr)
}

// RestoreContainer restores a container from a checkpoint image.
func (c *ContainerServer) RestoreContainer(ctx context.Context, id, imagePath string) error {
	ctr, err := c.LookupContainer(id)
	if err != nil {
		return err
	}

	if err := c.runtime.RestoreContainer(ctx, ctr, imagePath); err != nil {
		return err
	}

	return c.persistContainer(ctr)
}
