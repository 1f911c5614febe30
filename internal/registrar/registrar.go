// Package registrar provides name registration. It reserves a name to a
// unique identifier and prevents collisions between sandbox and container
// names.
package registrar

import (
	"errors"
	"sync"
)

var (
	// ErrNameReserved is an error which is returned when a name is
	// requested to be reserved for an ID which differs from the holder.
	ErrNameReserved = errors.New("name is reserved")

	// ErrNameNotReserved is an error which is returned when trying to find
	// a name which is not reserved.
	ErrNameNotReserved = errors.New("name is not reserved")
)

// Registrar stores a set of unique names.
type Registrar struct {
	mu    sync.Mutex
	names map[string]string
}

// NewRegistrar creates a new Registrar with an empty name set.
func NewRegistrar() *Registrar {
	return &Registrar{
		names: make(map[string]string),
	}
}

// Reserve registers a name to a given ID. Reserving the same name for the
// same ID is idempotent, reserving it for another ID returns
// ErrNameReserved.
func (r *Registrar) Reserve(name, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, exists := r.names[name]; exists {
		if holder == id {
			return nil
		}

		return ErrNameReserved
	}

	r.names[name] = id

	return nil
}

// Release frees a name so it can be reserved again. Releasing an unknown
// name is a no-op.
func (r *Registrar) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.names, name)
}

// Get returns the ID the given name is reserved for.
func (r *Registrar) Get(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.names[name]
	if !exists {
		return "", ErrNameNotReserved
	}

	return id, nil
}
