package hostport

import "sync"

// NoopManager validates mappings but installs no rules. It records what
// would have been installed, which makes it usable in tests.
type NoopManager struct {
	mu     sync.Mutex
	active map[string][]*PortMapping
}

// NewNoopManager creates a new NoopManager.
func NewNoopManager() *NoopManager {
	return &NoopManager{active: map[string][]*PortMapping{}}
}

func (nm *NoopManager) Add(id, name, podIP string, mappings []*PortMapping) error {
	if err := ValidatePortMappings(mappings); err != nil {
		return err
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.active[id] = append(nm.active[id], mappings...)

	return nil
}

func (nm *NoopManager) Remove(id string, mappings []*PortMapping) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.active, id)

	return nil
}

// Active returns the mappings currently recorded for the sandbox ID.
func (nm *NoopManager) Active(id string) []*PortMapping {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	return nm.active[id]
}
