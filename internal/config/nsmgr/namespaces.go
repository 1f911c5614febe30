package nsmgr

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	nspkg "github.com/containernetworking/plugins/pkg/ns"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

// namespace handles data pertaining to a pinned namespace.
type namespace struct {
	sync.Mutex
	ns     NS
	closed bool
	nsType NSType
	nsPath string
}

// NS is a wrapper for the containernetworking plugin's NetNS interface.
// It exists because while NetNS is specifically called such, it is really a
// generic namespace and can be used for other namespace types.
type NS interface {
	nspkg.NetNS
}

// Path returns the bind mount path of the namespace.
func (n *namespace) Path() string {
	if n == nil || n.ns == nil {
		return ""
	}

	return n.nsPath
}

// Type returns which namespace this structure represents.
func (n *namespace) Type() NSType {
	return n.nsType
}

// Remove ensures this namespace handle is closed and removed.
func (n *namespace) Remove() error {
	n.Lock()
	defer n.Unlock()

	if n.closed {
		// Remove() can be called multiple
		// times without returning an error.
		return nil
	}

	if err := n.ns.Close(); err != nil {
		return err
	}

	n.closed = true

	fp := n.Path()
	if fp == "" {
		return nil
	}

	// Don't run into unmount issues if the namespace does not exist any more.
	if _, err := os.Stat(fp); err == nil {
		if err := unmountPinnedPath(fp); err != nil {
			return err
		}

		return os.RemoveAll(fp)
	}

	return nil
}

// unmountPinnedPath lazily unmounts the path, retrying busy mounts with a
// bounded backoff. "not mounted" (EINVAL) is not an error.
func unmountPinnedPath(path string) error {
	backoff := wait.Backoff{
		Duration: 50 * time.Millisecond,
		Factor:   2,
		Steps:    5,
	}

	err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		uErr := unix.Unmount(path, unix.MNT_DETACH)
		switch {
		case uErr == nil, errors.Is(uErr, unix.EINVAL), errors.Is(uErr, unix.ENOENT):
			return true, nil
		case errors.Is(uErr, unix.EBUSY):
			return false, nil
		default:
			return false, uErr
		}
	})
	if err != nil {
		return fmt.Errorf("unable to unmount %s: %w", path, err)
	}

	return nil
}

// GetNamespace takes a path and a type, checks if it is a namespace, and if
// so returns a Namespace.
func GetNamespace(nsPath string, nsType NSType) (Namespace, error) {
	ns, err := nspkg.GetNS(nsPath)
	if err != nil {
		return nil, fmt.Errorf("get %s namespace from path %s: %w", nsType, nsPath, err)
	}

	return &namespace{ns: ns, nsType: nsType, nsPath: nsPath}, nil
}
