package oci

import (
	"strings"
	"sync"
	"syscall"
	"time"

	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/containers/containrs/utils/errdefs"
)

const defaultStopSignal = syscall.SIGTERM

// Container represents a runtime container.
type Container struct {
	id          string
	name        string
	sandboxID   string
	bundlePath  string
	logPath     string
	labels      map[string]string
	annotations map[string]string
	stopSignal  string
	spec        *rspec.Spec
	terminal    bool
	stdin       bool
	createdAt   time.Time
	opLock      sync.RWMutex
	state       *ContainerState
}

// ContainerState represents the state of a container.
type ContainerState struct {
	Status   string    `json:"status"`
	Pid      int       `json:"pid,omitempty"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
	ExitCode *int32    `json:"exitCode,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// NewContainer creates a new container object. The id, name, parent sandbox
// ID and bundle path are required, everything else gets defaulted.
func NewContainer(id, name, sandboxID, bundlePath, logPath string, labels, annotations map[string]string, spec *rspec.Spec, terminal, stdin bool, stopSignal string, createdAt time.Time) (*Container, error) {
	if id == "" {
		return nil, errdefs.Invalidf("empty container ID")
	}
	if name == "" {
		return nil, errdefs.Invalidf("empty container name")
	}
	if sandboxID == "" {
		return nil, errdefs.Invalidf("empty parent sandbox ID for container %s", id)
	}
	if bundlePath == "" {
		return nil, errdefs.Invalidf("empty bundle path for container %s", id)
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Container{
		id:          id,
		name:        name,
		sandboxID:   sandboxID,
		bundlePath:  bundlePath,
		logPath:     logPath,
		labels:      labels,
		annotations: annotations,
		stopSignal:  stopSignal,
		spec:        spec,
		terminal:    terminal,
		stdin:       stdin,
		createdAt:   createdAt,
		state:       &ContainerState{Created: createdAt},
	}, nil
}

// ID returns the id of the container.
func (c *Container) ID() string {
	return c.id
}

// Name returns the name of the container.
func (c *Container) Name() string {
	return c.name
}

// SandboxID returns the ID of the parent sandbox. The container holds the
// identifier only, never a direct sandbox reference.
func (c *Container) SandboxID() string {
	return c.sandboxID
}

// BundlePath returns the containers bundle path.
func (c *Container) BundlePath() string {
	return c.bundlePath
}

// LogPath returns the containers log path.
func (c *Container) LogPath() string {
	return c.logPath
}

// Labels returns the labels of the container.
func (c *Container) Labels() map[string]string {
	return c.labels
}

// Annotations returns the annotations of the container.
func (c *Container) Annotations() map[string]string {
	return c.annotations
}

// CreatedAt returns the container creation time.
func (c *Container) CreatedAt() time.Time {
	return c.createdAt
}

// Terminal returns whether the container requested a terminal.
func (c *Container) Terminal() bool {
	return c.terminal
}

// Stdin returns whether the container keeps stdin open.
func (c *Container) Stdin() bool {
	return c.stdin
}

// SetSpec stores the OCI spec in the container struct.
func (c *Container) SetSpec(s *rspec.Spec) {
	c.spec = s
}

// Spec returns a copy of the spec for the container.
func (c *Container) Spec() rspec.Spec {
	return *c.spec
}

// StopSignal returns the container's own stop signal configured from the
// image configuration or the default one.
func (c *Container) StopSignal() syscall.Signal {
	if c.stopSignal == "" {
		return defaultStopSignal
	}

	signal := unix.SignalNum(strings.ToUpper(c.stopSignal))
	if signal == 0 {
		return defaultStopSignal
	}

	return signal
}

// RawStopSignal returns the configured stop signal name, empty if the
// default applies.
func (c *Container) RawStopSignal() string {
	return c.stopSignal
}

// State returns a copy of the containers state under the entity lock.
func (c *Container) State() ContainerState {
	c.opLock.RLock()
	defer c.opLock.RUnlock()

	return *c.state
}

// stateNoLock returns the state without taking the entity lock. Only to be
// called by operations already holding it.
func (c *Container) stateNoLock() *ContainerState {
	return c.state
}
