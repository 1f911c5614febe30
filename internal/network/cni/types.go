// Package cni attaches sandboxes to networks by invoking CNI plugins. The
// plugin configuration directory is watched for changes, attach calls are
// all-or-nothing and detach calls are idempotent.
package cni

import (
	"github.com/containers/containrs/internal/hostport"
)

// PodNetwork describes the network intent of one sandbox.
type PodNetwork struct {
	// ID is the sandbox ID, passed to the plugins as CNI_CONTAINERID.
	ID string

	// Name is the human readable sandbox name.
	Name string

	// Namespace is the pod namespace the sandbox belongs to.
	Namespace string

	// NetNSPath is the bind mount path of the network namespace.
	NetNSPath string

	// Networks are the names of the networks to attach. When empty, the
	// default network is used.
	Networks []string

	// PortMappings are passed to the plugins as the portMappings
	// capability and installed through the hostport manager.
	PortMappings []*hostport.PortMapping
}

// AttachedNetwork is the per-network part of a CNIState.
type AttachedNetwork struct {
	Name    string   `json:"name"`
	IfName  string   `json:"ifName"`
	IPs     []string `json:"ips"`
	Gateway string   `json:"gateway,omitempty"`
}

// CNIState records which networks a sandbox got attached to and what the
// plugins assigned. It is created on successful attach and consumed on
// detach.
type CNIState struct {
	ContainerID string             `json:"containerID"`
	NetNSPath   string             `json:"netNSPath"`
	Networks    []*AttachedNetwork `json:"networks"`
}

// IPs returns all assigned IP addresses over all attached networks.
func (s *CNIState) IPs() []string {
	if s == nil {
		return nil
	}

	ips := []string{}
	for _, network := range s.Networks {
		ips = append(ips, network.IPs...)
	}

	return ips
}
