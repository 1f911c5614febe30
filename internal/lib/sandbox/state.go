package sandbox

import (
	"github.com/containers/containrs/utils/errdefs"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	// StateCreated means the record exists but no namespaces are pinned.
	StateCreated State = "created"
	// StateNamespacesPinned means the requested namespaces are pinned.
	StateNamespacesPinned State = "namespaces pinned"
	// StateNetworkAttached means the CNI networks are attached.
	StateNetworkAttached State = "network attached"
	// StateReady means the sandbox is fully usable.
	StateReady State = "ready"
	// StateNotReady means network or namespaces got lost while containers
	// may still exist.
	StateNotReady State = "not ready"
	// StateTerminating means the sandbox is being torn down.
	StateTerminating State = "terminating"
	// StateRemoved is the terminal state.
	StateRemoved State = "removed"
)

// validTransitions maps every state to its allowed successors. Terminating
// is reachable from every non-terminal state so that partially created
// sandboxes can be torn down, and from itself so that an interrupted
// teardown can be retried.
var validTransitions = map[State][]State{
	StateCreated:          {StateNamespacesPinned, StateTerminating},
	StateNamespacesPinned: {StateNetworkAttached, StateTerminating},
	StateNetworkAttached:  {StateReady, StateTerminating},
	StateReady:            {StateNotReady, StateTerminating},
	StateNotReady:         {StateReady, StateTerminating},
	StateTerminating:      {StateRemoved, StateTerminating},
	StateRemoved:          {},
}

// State returns the current lifecycle state under the entity lock.
func (s *Sandbox) State() State {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	return s.state
}

// TransitionTo moves the sandbox into the target state, rejecting
// transitions which are invalid from the current one.
func (s *Sandbox) TransitionTo(target State) error {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	for _, allowed := range validTransitions[s.state] {
		if target == allowed {
			s.state = target

			return nil
		}
	}

	return errdefs.Conflictf("sandbox %s cannot transition from %q to %q",
		s.id, s.state, target)
}

// RestoreState sets the state without transition validation. It is meant
// for reloading persisted sandboxes on startup, not for lifecycle changes.
func (s *Sandbox) RestoreState(state State) {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	s.state = state
}

// Ready returns whether the sandbox is in the ready state.
func (s *Sandbox) Ready() bool {
	return s.State() == StateReady
}

// Removed returns whether the sandbox reached its terminal state.
func (s *Sandbox) Removed() bool {
	return s.State() == StateRemoved
}
