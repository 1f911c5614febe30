// Package hostport realizes host port forwarding for sandboxes. Mappings
// are validated before any OS-level rule is installed, and a partially
// failed installation is rolled back.
package hostport

import (
	"fmt"

	"github.com/containers/containrs/utils/errdefs"
)

// Protocol is the transport protocol of a port mapping.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolSCTP Protocol = "sctp"
)

// PortMapping represents a published network port of a sandbox.
type PortMapping struct {
	ContainerPort int32
	HostPort      int32
	Protocol      Protocol
	HostIP        string
}

// NewPortMapping validates the provided values and returns a port mapping.
// The protocol defaults to TCP when empty.
func NewPortMapping(containerPort, hostPort int32, protocol Protocol, hostIP string) (*PortMapping, error) {
	if containerPort < 1 || containerPort > 65535 {
		return nil, errdefs.Invalidf("container port %d out of range", containerPort)
	}
	if hostPort < 1 || hostPort > 65535 {
		return nil, errdefs.Invalidf("host port %d out of range", hostPort)
	}

	if protocol == "" {
		protocol = ProtocolTCP
	}
	switch protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolSCTP:
	default:
		return nil, errdefs.Invalidf("invalid port mapping protocol %q", protocol)
	}

	return &PortMapping{
		ContainerPort: containerPort,
		HostPort:      hostPort,
		Protocol:      protocol,
		HostIP:        hostIP,
	}, nil
}

// ValidatePortMappings checks that no two mappings of one sandbox share the
// same (host port, protocol) pair. It runs before any rule is installed.
func ValidatePortMappings(mappings []*PortMapping) error {
	type key struct {
		port     int32
		protocol Protocol
	}

	seen := map[key]bool{}
	for _, pm := range mappings {
		k := key{port: pm.HostPort, protocol: pm.Protocol}
		if seen[k] {
			return errdefs.Invalidf("duplicate host port %d/%s", pm.HostPort, pm.Protocol)
		}
		seen[k] = true
	}

	return nil
}

func (pm *PortMapping) String() string {
	return fmt.Sprintf("%d->%d/%s", pm.HostPort, pm.ContainerPort, pm.Protocol)
}

// Manager is an interface for adding and removing the host port rules of a
// sandbox.
type Manager interface {
	// Add installs the port forwarding rules for the sandbox with the given
	// ID and pod IP. On partial failure the already-installed rules of this
	// call are rolled back.
	Add(id, name, podIP string, mappings []*PortMapping) error

	// Remove cleans up matching port forwarding rules. It must be able to
	// clean up without the pod IP and is idempotent.
	Remove(id string, mappings []*PortMapping) error
}
