// Package sandbox holds the sandbox entity and its lifecycle state machine.
package sandbox

import (
	"sync"
	"time"

	"github.com/containers/containrs/internal/config/nsmgr"
	"github.com/containers/containrs/internal/memorystore"
	"github.com/containers/containrs/internal/network/cni"
	"github.com/containers/containrs/internal/oci"
	"github.com/containers/containrs/utils/errdefs"
)

// Sandbox is the isolated environment hosting one or more containers. It
// exclusively owns its pinned namespaces and network state, which are
// created by the sandbox manager and destroyed only after all owned
// containers are destroyed.
type Sandbox struct {
	id        string
	config    *Config
	createdAt time.Time

	// opLock serializes all state mutating operations on this sandbox.
	opLock sync.Mutex

	state      State
	namespaces []nsmgr.Namespace
	cniState   *cni.CNIState
	containers memorystore.Storer[*oci.Container]
}

// New creates a new sandbox from a validated configuration. The ID is
// required and the sandbox starts in the created state.
func New(id string, config *Config, createdAt time.Time) (*Sandbox, error) {
	if id == "" {
		return nil, errdefs.Invalidf("no sandbox ID provided")
	}
	if config == nil {
		return nil, errdefs.Invalidf("no sandbox config provided")
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Sandbox{
		id:         id,
		config:     config,
		createdAt:  createdAt,
		state:      StateCreated,
		containers: memorystore.New[*oci.Container](),
	}, nil
}

// ID returns the sandbox ID.
func (s *Sandbox) ID() string {
	return s.id
}

// Name returns the sandbox name.
func (s *Sandbox) Name() string {
	return s.config.Name()
}

// Config returns the immutable sandbox configuration.
func (s *Sandbox) Config() *Config {
	return s.config
}

// CreatedAt returns the sandbox creation time.
func (s *Sandbox) CreatedAt() time.Time {
	return s.createdAt
}

// Containers returns the container store of the sandbox.
func (s *Sandbox) Containers() memorystore.Storer[*oci.Container] {
	return s.containers
}

// AddContainer adds a container to the sandbox.
func (s *Sandbox) AddContainer(c *oci.Container) {
	s.containers.Add(c.ID(), c)
}

// GetContainer returns a container from the sandbox by its ID.
func (s *Sandbox) GetContainer(id string) *oci.Container {
	return s.containers.Get(id)
}

// RemoveContainer removes a container from the sandbox.
func (s *Sandbox) RemoveContainer(id string) {
	s.containers.Delete(id)
}

// NumContainers returns the number of containers owned by the sandbox.
func (s *Sandbox) NumContainers() int {
	return len(s.containers.List())
}

// SetNamespaces stores the pinned namespace handles. The sandbox references
// them, the namespace manager owns the underlying bind mounts.
func (s *Sandbox) SetNamespaces(namespaces []nsmgr.Namespace) {
	s.opLock.Lock()
	defer s.opLock.Unlock()
	s.namespaces = namespaces
}

// Namespaces returns the pinned namespace handles.
func (s *Sandbox) Namespaces() []nsmgr.Namespace {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	return s.namespaces
}

// NetNSPath returns the bind mount path of the pinned network namespace,
// or an empty string if no network namespace is pinned.
func (s *Sandbox) NetNSPath() string {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	for _, ns := range s.namespaces {
		if ns.Type() == nsmgr.NETNS {
			return ns.Path()
		}
	}

	return ""
}

// SetCNIState stores the network attachment result.
func (s *Sandbox) SetCNIState(state *cni.CNIState) {
	s.opLock.Lock()
	defer s.opLock.Unlock()
	s.cniState = state
}

// CNIState returns the recorded network attachment result, nil if the
// sandbox is not attached.
func (s *Sandbox) CNIState() *cni.CNIState {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	return s.cniState
}

// IPs returns the IP addresses assigned to the sandbox.
func (s *Sandbox) IPs() []string {
	return s.CNIState().IPs()
}
