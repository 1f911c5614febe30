// Package nsmgr keeps Linux namespace handles alive past the lifetime of
// the process which created them. The handles are bind-mounted into a pin
// directory by the external pinns helper, keyed by sandbox ID and namespace
// kind, so other processes can join a namespace by path even after the
// creating process exited.
package nsmgr

import (
	"context"
)

// NSType is an abstraction about available namespace types.
type NSType string

const (
	NETNS    NSType = "net"
	IPCNS    NSType = "ipc"
	UTSNS    NSType = "uts"
	USERNS   NSType = "user"
	PIDNS    NSType = "pid"
	CGROUPNS NSType = "cgroup"
)

// SupportedNamespacesForPinning returns the namespace types the pinns
// helper can pin.
func SupportedNamespacesForPinning() []NSType {
	return []NSType{NETNS, IPCNS, UTSNS, USERNS, PIDNS, CGROUPNS}
}

// PodNamespacesConfig is the validated configuration for one pin call.
type PodNamespacesConfig struct {
	Namespaces []*PodNamespaceConfig
	Sysctls    map[string]string
}

// PodNamespaceConfig describes a single namespace to pin. The Path field is
// filled in by the manager once the pin location is known.
type PodNamespaceConfig struct {
	Type NSType
	Host bool
	Path string
}

// Namespace provides a generic namespace interface.
type Namespace interface {
	// Remove ensures this namespace handle is closed and the bind mount
	// removed. It can be called multiple times without returning an error.
	Remove() error

	// Path returns the bind mount path of the namespace.
	Path() string

	// Type returns the namespace type.
	Type() NSType
}

// Manager is the pinning capability set. The OS-backed implementation talks
// to the pinns helper, the noop one serves tests and environments without
// namespace support.
type Manager interface {
	// Initialize prepares the pin directory layout.
	Initialize() error

	// PinNamespaces pins the requested namespace types for the sandbox and
	// returns one Namespace handle per requested kind. The caller owns the
	// returned handles and is responsible for removing them.
	PinNamespaces(ctx context.Context, sandboxID string, cfg *PodNamespacesConfig) ([]Namespace, error)

	// UnpinNamespaces unmounts and removes all pinned paths of the sandbox.
	// It is idempotent, unpinning a never-pinned sandbox ID succeeds.
	UnpinNamespaces(ctx context.Context, sandboxID string) error
}
