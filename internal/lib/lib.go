// Package lib implements the sandbox and container managers on top of the
// namespace pinner, the network attacher and the OCI runtime supervisor.
package lib

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containers/storage/pkg/truncindex"
	"github.com/google/uuid"

	"github.com/containers/containrs/internal/config/nsmgr"
	"github.com/containers/containrs/internal/hostport"
	"github.com/containers/containrs/internal/lib/sandbox"
	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/internal/memorystore"
	"github.com/containers/containrs/internal/network/cni"
	"github.com/containers/containrs/internal/oci"
	"github.com/containers/containrs/internal/registrar"
	"github.com/containers/containrs/internal/storage/kvstore"
	"github.com/containers/containrs/pkg/config"
	"github.com/containers/containrs/utils/errdefs"
)

// NetworkAttacher is the consumed CNI surface.
type NetworkAttacher interface {
	// Attach adds the pod to its networks and returns the attachment
	// result.
	Attach(ctx context.Context, pod *cni.PodNetwork) (*cni.CNIState, error)
	// Detach removes the pod from the networks recorded in the state.
	Detach(ctx context.Context, pod *cni.PodNetwork, state *cni.CNIState) error
	// Status returns nil if the attacher is ready to serve.
	Status() error
	// Shutdown releases the attacher resources.
	Shutdown() error
}

// ContainerServer implements the sandbox and container lifecycle
// operations.
type ContainerServer struct {
	config    *config.Config
	runtime   *oci.Runtime
	network   NetworkAttacher
	nsManager nsmgr.Manager
	store     kvstore.Store

	// stateLock guards the indexes, the memory stores keep their own
	// synchronization.
	stateLock      sync.Mutex
	sandboxes      memorystore.Storer[*sandbox.Sandbox]
	containers     memorystore.Storer[*oci.Container]
	sandboxIDIndex *truncindex.TruncIndex
	ctrIDIndex     *truncindex.TruncIndex
	podNameIndex   *registrar.Registrar
	ctrNameIndex   *registrar.Registrar
}

// Providers are the preconstructed collaborators of a ContainerServer.
type Providers struct {
	Runtime   *oci.Runtime
	Network   NetworkAttacher
	Namespace nsmgr.Manager
	Store     kvstore.Store
}

// New creates a new ContainerServer from the provided configuration and
// restores the persisted entities.
func New(ctx context.Context, cfg *config.Config) (*ContainerServer, error) {
	if cfg == nil {
		return nil, errdefs.Invalidf("no configuration provided")
	}

	if err := cfg.Validate(true); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	globalArgs, err := oci.NewGlobalArgs(
		cfg.RuntimeRoot, "", cfg.LogFormat, cfg.Rootless, cfg.CgroupManager, false,
	)
	if err != nil {
		return nil, fmt.Errorf("build runtime global arguments: %w", err)
	}

	runtime, err := oci.New(cfg.RuntimePath, globalArgs, cfg.ExecTimeoutDuration())
	if err != nil {
		return nil, fmt.Errorf("create runtime supervisor: %w", err)
	}

	nsManager, err := nsmgr.New(cfg.NamespacesDir, cfg.PinnsPath, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create namespace manager: %w", err)
	}

	if err := nsManager.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize namespace manager: %w", err)
	}

	network, err := cni.New(
		cfg.DefaultNetwork, cfg.NetworkDir, cfg.CacheDir, cfg.PluginDirs...,
	)
	if err != nil {
		return nil, fmt.Errorf("create network attacher: %w", err)
	}

	if cfg.IptablesPath != "" {
		hostPorts, err := hostport.NewIPTablesManager(cfg.IptablesPath)
		if err != nil {
			return nil, fmt.Errorf("create host port manager: %w", err)
		}
		network.SetHostPortManager(hostPorts)
	}

	store, err := kvstore.Open(cfg.MetadataStorePath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	c, err := NewWithProviders(cfg, Providers{
		Runtime:   runtime,
		Network:   network,
		Namespace: nsManager,
		Store:     store,
	})
	if err != nil {
		return nil, err
	}

	if err := c.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore persisted state: %w", err)
	}

	return c, nil
}

// NewWithProviders wires a ContainerServer from preconstructed
// collaborators. Mainly useful for testing, New should be used instead.
func NewWithProviders(cfg *config.Config, providers Providers) (*ContainerServer, error) {
	if cfg == nil {
		return nil, errdefs.Invalidf("no configuration provided")
	}
	if providers.Runtime == nil {
		return nil, errdefs.Invalidf("no runtime provided")
	}
	if providers.Network == nil {
		return nil, errdefs.Invalidf("no network attacher provided")
	}
	if providers.Namespace == nil {
		return nil, errdefs.Invalidf("no namespace manager provided")
	}
	if providers.Store == nil {
		return nil, errdefs.Invalidf("no metadata store provided")
	}

	return &ContainerServer{
		config:         cfg,
		runtime:        providers.Runtime,
		network:        providers.Network,
		nsManager:      providers.Namespace,
		store:          providers.Store,
		sandboxes:      memorystore.New[*sandbox.Sandbox](),
		containers:     memorystore.New[*oci.Container](),
		sandboxIDIndex: truncindex.NewTruncIndex([]string{}),
		ctrIDIndex:     truncindex.NewTruncIndex([]string{}),
		podNameIndex:   registrar.NewRegistrar(),
		ctrNameIndex:   registrar.NewRegistrar(),
	}, nil
}

// Runtime returns the OCI runtime supervisor.
func (c *ContainerServer) Runtime() *oci.Runtime {
	return c.runtime
}

// Network returns the network attacher.
func (c *ContainerServer) Network() NetworkAttacher {
	return c.network
}

// Shutdown releases the server resources. Running sandboxes and containers
// are left alone and get restored on the next startup.
func (c *ContainerServer) Shutdown(ctx context.Context) error {
	if err := c.network.Shutdown(); err != nil {
		log.Warnf(ctx, "Unable to shutdown network attacher: %v", err)
	}

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close metadata store: %w", err)
	}

	return nil
}

// generateID returns a new unique entity ID.
func generateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// LookupSandbox returns the sandbox for the provided full or shortened ID.
func (c *ContainerServer) LookupSandbox(id string) (*sandbox.Sandbox, error) {
	if id == "" {
		return nil, errdefs.Invalidf("no sandbox ID provided")
	}

	fullID, err := c.sandboxIDIndex.Get(id)
	if err != nil {
		return nil, errdefs.NotFoundf("sandbox %q", id)
	}

	sb := c.sandboxes.Get(fullID)
	if sb == nil {
		return nil, errdefs.NotFoundf("sandbox %q", id)
	}

	return sb, nil
}

// ListSandboxes returns all tracked sandboxes sorted by creation time.
func (c *ContainerServer) ListSandboxes() []*sandbox.Sandbox {
	return c.sandboxes.List()
}

// LookupContainer returns the container for the provided full or shortened
// ID.
func (c *ContainerServer) LookupContainer(id string) (*oci.Container, error) {
	if id == "" {
		return nil, errdefs.Invalidf("no container ID provided")
	}

	fullID, err := c.ctrIDIndex.Get(id)
	if err != nil {
		return nil, errdefs.NotFoundf("container %q", id)
	}

	ctr := c.containers.Get(fullID)
	if ctr == nil {
		return nil, errdefs.NotFoundf("container %q", id)
	}

	return ctr, nil
}

// ListContainers returns all tracked containers sorted by creation time.
func (c *ContainerServer) ListContainers() []*oci.Container {
	return c.containers.List()
}

// addSandbox registers the sandbox in all in-memory indexes.
func (c *ContainerServer) addSandbox(sb *sandbox.Sandbox) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if err := c.sandboxIDIndex.Add(sb.ID()); err != nil {
		return fmt.Errorf("add sandbox ID to index: %w", err)
	}
	c.sandboxes.Add(sb.ID(), sb)

	return nil
}

// removeSandbox deregisters the sandbox from all in-memory indexes.
func (c *ContainerServer) removeSandbox(sb *sandbox.Sandbox) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if err := c.sandboxIDIndex.Delete(sb.ID()); err != nil {
		logDroppedIndex(sb.ID(), err)
	}
	c.sandboxes.Delete(sb.ID())
	c.podNameIndex.Release(podName(sb.Config()))
}

// addContainer registers the container in all in-memory indexes.
func (c *ContainerServer) addContainer(sb *sandbox.Sandbox, ctr *oci.Container) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if err := c.ctrIDIndex.Add(ctr.ID()); err != nil {
		return fmt.Errorf("add container ID to index: %w", err)
	}
	c.containers.Add(ctr.ID(), ctr)
	sb.AddContainer(ctr)

	return nil
}

// removeContainer deregisters the container from all in-memory indexes.
func (c *ContainerServer) removeContainer(sb *sandbox.Sandbox, ctr *oci.Container) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if err := c.ctrIDIndex.Delete(ctr.ID()); err != nil {
		logDroppedIndex(ctr.ID(), err)
	}
	c.containers.Delete(ctr.ID())
	sb.RemoveContainer(ctr.ID())
	c.ctrNameIndex.Release(ctrName(sb, ctr.Name()))
}

func logDroppedIndex(id string, err error) {
	log.Warnf(context.Background(), "Unable to remove ID %s from index: %v", id, err)
}

// podName returns the registrar key of a sandbox name, scoped by the pod
// namespace.
func podName(cfg *sandbox.Config) string {
	return cfg.Namespace() + "/" + cfg.Name()
}

// ctrName returns the registrar key of a container name, scoped by its
// sandbox name.
func ctrName(sb *sandbox.Sandbox, name string) string {
	return podName(sb.Config()) + "/" + name
}

// now is the entity creation timestamp source.
var now = time.Now
