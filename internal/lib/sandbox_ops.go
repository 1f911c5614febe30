package lib

import (
	"context"
	"fmt"
	"os"

	"github.com/containers/containrs/internal/config/nsmgr"
	"github.com/containers/containrs/internal/lib/sandbox"
	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/internal/network/cni"
	"github.com/containers/containrs/internal/registrar"
	"github.com/containers/containrs/utils/errdefs"
)

// CreateSandbox creates a new sandbox from the provided configuration: it
// persists the record, pins the requested namespaces, attaches the
// networks and moves the sandbox into the ready state. Any step failure
// rolls back the previously completed steps before the error is returned.
func (c *ContainerServer) CreateSandbox(ctx context.Context, cfg *sandbox.Config) (_ *sandbox.Sandbox, retErr error) {
	if cfg == nil {
		return nil, errdefs.Invalidf("no sandbox configuration provided")
	}

	id := generateID()

	if err := c.podNameIndex.Reserve(podName(cfg), id); err != nil {
		if err == registrar.ErrNameReserved {
			return nil, errdefs.Conflictf("sandbox name %q already in use", cfg.Name())
		}

		return nil, fmt.Errorf("reserve sandbox name: %w", err)
	}
	defer func() {
		if retErr != nil {
			c.podNameIndex.Release(podName(cfg))
		}
	}()

	// The rollback defers below capture sb directly, the error returns
	// must not overwrite it.
	sb, err := sandbox.New(id, cfg, now())
	if err != nil {
		return nil, err
	}

	if err := c.addSandbox(sb); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			c.removeSandbox(sb)
		}
	}()

	if err := c.persistSandbox(sb); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			if err := c.deleteSandboxRecord(id); err != nil {
				log.Warnf(ctx, "Unable to remove record of sandbox %s: %v", id, err)
			}
		}
	}()

	log.Infof(ctx, "Creating sandbox %s (name %s)", id, cfg.Name())

	// Pin the requested namespaces.
	namespaces, err := c.nsManager.PinNamespaces(ctx, id, podNamespacesConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("pin sandbox namespaces: %w", err)
	}
	defer func() {
		if retErr != nil {
			if err := c.nsManager.UnpinNamespaces(ctx, id); err != nil {
				log.Warnf(ctx, "Unable to unpin namespaces of sandbox %s: %v", id, err)
			}
		}
	}()

	sb.SetNamespaces(namespaces)
	if err := c.transitionAndPersist(sb, sandbox.StateNamespacesPinned); err != nil {
		return nil, err
	}

	// Attach the networks when a network namespace got pinned.
	if netNSPath := sb.NetNSPath(); netNSPath != "" {
		state, err := c.network.Attach(ctx, c.podNetwork(sb, netNSPath))
		if err != nil {
			return nil, fmt.Errorf("attach sandbox networks: %w", err)
		}
		sb.SetCNIState(state)
		defer func() {
			if retErr != nil {
				if err := c.network.Detach(ctx, c.podNetwork(sb, netNSPath), state); err != nil {
					log.Warnf(ctx, "Unable to detach networks of sandbox %s: %v", id, err)
				}
			}
		}()
	}

	if err := c.transitionAndPersist(sb, sandbox.StateNetworkAttached); err != nil {
		return nil, err
	}

	if err := c.transitionAndPersist(sb, sandbox.StateReady); err != nil {
		return nil, err
	}

	log.Infof(ctx, "Created sandbox %s", id)

	return sb, nil
}

// RemoveSandbox tears the sandbox down and removes its record. All owned
// containers have to be removed beforehand. Network detach and namespace
// unpin failures are reported as best-effort cleanup and do not block the
// removal.
func (c *ContainerServer) RemoveSandbox(ctx context.Context, id string) error {
	sb, err := c.LookupSandbox(id)
	if err != nil {
		return err
	}

	if num := sb.NumContainers(); num != 0 {
		return errdefs.Conflictf("sandbox %s still owns %d containers", sb.ID(), num)
	}

	if err := c.transitionAndPersist(sb, sandbox.StateTerminating); err != nil {
		return err
	}

	log.Infof(ctx, "Removing sandbox %s", sb.ID())

	if state := sb.CNIState(); state != nil {
		if err := c.network.Detach(ctx, c.podNetwork(sb, state.NetNSPath), state); err != nil {
			log.Warnf(ctx, "Unable to detach networks of sandbox %s: %v", sb.ID(), err)
		}
		sb.SetCNIState(nil)
	}

	if err := c.nsManager.UnpinNamespaces(ctx, sb.ID()); err != nil {
		log.Warnf(ctx, "Unable to unpin namespaces of sandbox %s: %v", sb.ID(), err)
	}

	if err := c.deleteSandboxRecord(sb.ID()); err != nil {
		return err
	}

	if err := sb.TransitionTo(sandbox.StateRemoved); err != nil {
		return err
	}

	c.removeSandbox(sb)

	log.Infof(ctx, "Removed sandbox %s", sb.ID())

	return nil
}

// SetSandboxNotReady marks a ready sandbox as not ready.
func (c *ContainerServer) SetSandboxNotReady(ctx context.Context, id string) error {
	sb, err := c.LookupSandbox(id)
	if err != nil {
		return err
	}

	if err := c.transitionAndPersist(sb, sandbox.StateNotReady); err != nil {
		return err
	}

	log.Infof(ctx, "Sandbox %s is not ready", sb.ID())

	return nil
}

// SetSandboxReady recovers a not ready sandbox. Recovery only re-validates
// the existing namespaces and the attacher health, it never re-runs the
// network attach.
func (c *ContainerServer) SetSandboxReady(ctx context.Context, id string) error {
	sb, err := c.LookupSandbox(id)
	if err != nil {
		return err
	}

	if err := c.network.Status(); err != nil {
		return fmt.Errorf("network attacher not ready: %w", err)
	}

	for _, ns := range sb.Namespaces() {
		if _, err := os.Stat(ns.Path()); err != nil {
			return fmt.Errorf("pinned namespace lost: %w", err)
		}
	}

	if err := c.transitionAndPersist(sb, sandbox.StateReady); err != nil {
		return err
	}

	log.Infof(ctx, "Sandbox %s is ready", sb.ID())

	return nil
}

// transitionAndPersist moves the sandbox into the target state and updates
// its durable record.
func (c *ContainerServer) transitionAndPersist(sb *sandbox.Sandbox, state sandbox.State) error {
	if err := sb.TransitionTo(state); err != nil {
		return err
	}

	return c.persistSandbox(sb)
}

// podNetwork builds the network attacher view of the sandbox.
func (c *ContainerServer) podNetwork(sb *sandbox.Sandbox, netNSPath string) *cni.PodNetwork {
	return &cni.PodNetwork{
		ID:           sb.ID(),
		Name:         sb.Name(),
		Namespace:    sb.Config().Namespace(),
		NetNSPath:    netNSPath,
		PortMappings: sb.Config().PortMappings(),
	}
}

// podNamespacesConfig builds the namespace pinner view of the sandbox
// configuration.
func podNamespacesConfig(cfg *sandbox.Config) *nsmgr.PodNamespacesConfig {
	namespaces := []*nsmgr.PodNamespaceConfig{}
	for _, nsType := range cfg.Namespaces() {
		namespaces = append(namespaces, &nsmgr.PodNamespaceConfig{Type: nsType})
	}

	return &nsmgr.PodNamespacesConfig{Namespaces: namespaces}
}
