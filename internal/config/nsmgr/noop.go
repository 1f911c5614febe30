package nsmgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/containers/containrs/utils/errdefs"
)

// NoopManager is a Manager which does not pin anything. It creates plain
// files instead of bind mounts, which makes it usable in tests and on hosts
// without mount namespace support.
type NoopManager struct {
	namespacesDir string
}

// NewNoopManager creates a new NoopManager below the provided directory.
func NewNoopManager(namespacesDir string) *NoopManager {
	return &NoopManager{namespacesDir: namespacesDir}
}

// Initialize creates the pin directory layout.
func (mgr *NoopManager) Initialize() error {
	for _, ns := range SupportedNamespacesForPinning() {
		if err := os.MkdirAll(filepath.Join(mgr.namespacesDir, string(ns)+"ns"), 0o755); err != nil {
			return err
		}
	}

	return nil
}

// PinNamespaces creates one plain file per requested namespace type.
func (mgr *NoopManager) PinNamespaces(ctx context.Context, sandboxID string, cfg *PodNamespacesConfig) ([]Namespace, error) {
	if sandboxID == "" {
		return nil, errdefs.Invalidf("no sandbox ID provided")
	}
	if cfg == nil {
		return nil, errdefs.Invalidf("no namespaces config provided")
	}

	namespaces := make([]Namespace, 0, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		path := filepath.Join(mgr.namespacesDir, string(ns.Type)+"ns", sandboxID)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, err
		}
		ns.Path = path

		namespaces = append(namespaces, &noopNamespace{nsType: ns.Type, nsPath: path})
	}

	return namespaces, nil
}

// UnpinNamespaces removes the pin files of the sandbox.
func (mgr *NoopManager) UnpinNamespaces(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return errdefs.Invalidf("no sandbox ID provided")
	}

	for _, nsType := range SupportedNamespacesForPinning() {
		path := filepath.Join(mgr.namespacesDir, string(nsType)+"ns", sandboxID)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}

	return nil
}

type noopNamespace struct {
	sync.Mutex
	closed bool
	nsType NSType
	nsPath string
}

func (n *noopNamespace) Path() string {
	return n.nsPath
}

func (n *noopNamespace) Type() NSType {
	return n.nsType
}

func (n *noopNamespace) Remove() error {
	n.Lock()
	defer n.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	return os.RemoveAll(n.nsPath)
}
