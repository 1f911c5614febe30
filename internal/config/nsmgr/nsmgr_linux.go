package nsmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/utils"
	"github.com/containers/containrs/utils/cmdrunner"
	"github.com/containers/containrs/utils/errdefs"
)

// NamespaceManager is the OS-backed Manager implementation. It pins
// namespaces by running the pinns helper, which bind-mounts the requested
// namespace handles below the pin directory.
type NamespaceManager struct {
	namespacesDir string
	pinnsPath     string
	logLevel      string
}

// New creates a new NamespaceManager. The pin directory and the pinns
// binary path are required.
func New(namespacesDir, pinnsPath, logLevel string) (*NamespaceManager, error) {
	if namespacesDir == "" {
		return nil, errdefs.Invalidf("no pin directory provided")
	}
	if pinnsPath == "" {
		return nil, errdefs.Invalidf("no pinns binary path provided")
	}
	if logLevel == "" {
		logLevel = logrus.GetLevel().String()
	}

	return &NamespaceManager{
		namespacesDir: namespacesDir,
		pinnsPath:     pinnsPath,
		logLevel:      logLevel,
	}, nil
}

// Initialize creates the pin directory layout, one sub-directory per
// pinnable namespace type.
func (mgr *NamespaceManager) Initialize() error {
	if err := os.MkdirAll(mgr.namespacesDir, 0o755); err != nil {
		return fmt.Errorf("invalid pin directory: %w", err)
	}

	for _, ns := range SupportedNamespacesForPinning() {
		nsDir := mgr.dirForType(ns)
		if err := utils.IsDirectory(nsDir); err != nil {
			// The file is not a directory, but exists.
			// We should remove it.
			if errors.Is(err, syscall.ENOTDIR) {
				if err := os.Remove(nsDir); err != nil {
					return fmt.Errorf("remove file to create namespaces sub-dir: %w", err)
				}
				logrus.Infof("Removed file %s to create directory in that path", nsDir)
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("checking whether namespaces sub-dir exists: %w", err)
			}
			if err := os.MkdirAll(nsDir, 0o755); err != nil {
				return fmt.Errorf("invalid namespaces sub-dir: %w", err)
			}
		}
	}

	return nil
}

// PinNamespaces runs pinns for the requested namespace types. It is
// responsible for building the helper invocation and turning the resulting
// bind mounts into Namespace objects. The caller cleans the namespaces up
// by calling Namespace.Remove().
func (mgr *NamespaceManager) PinNamespaces(ctx context.Context, sandboxID string, cfg *PodNamespacesConfig) ([]Namespace, error) {
	if sandboxID == "" {
		return nil, errdefs.Invalidf("no sandbox ID provided")
	}
	if cfg == nil {
		return nil, errdefs.Invalidf("no namespaces config provided")
	}
	if len(cfg.Namespaces) == 0 {
		return []Namespace{}, nil
	}

	typeToArg := map[NSType]string{
		NETNS:    "--net",
		IPCNS:    "--ipc",
		UTSNS:    "--uts",
		USERNS:   "--user",
		PIDNS:    "--pid",
		CGROUPNS: "--cgroup",
	}

	pinnsArgs := []string{
		"--dir=" + mgr.namespacesDir,
		"--filename=" + sandboxID,
		"--log-level=" + mgr.logLevel,
	}

	for key, value := range cfg.Sysctls {
		pinnsArgs = append(pinnsArgs, "-s", fmt.Sprintf("%s=%s", key, value))
	}

	for _, ns := range cfg.Namespaces {
		arg, ok := typeToArg[ns.Type]
		if !ok {
			return nil, errdefs.Invalidf("invalid namespace type %q", ns.Type)
		}
		if ns.Host {
			arg += "=host"
		}
		pinnsArgs = append(pinnsArgs, arg)
		ns.Path = mgr.pinPath(ns.Type, sandboxID)
	}

	log.Debugf(ctx, "Calling pinns with %v", pinnsArgs)
	output, err := cmdrunner.CombinedOutput(mgr.pinnsPath, pinnsArgs...)
	if err != nil {
		log.Warnf(ctx, "Pinns %v failed: %s (%v)", pinnsArgs, string(output), err)
		// cleanup the mounts
		for _, ns := range cfg.Namespaces {
			if mErr := unix.Unmount(ns.Path, unix.MNT_DETACH); mErr != nil && !errors.Is(mErr, unix.EINVAL) {
				log.Warnf(ctx, "Failed to unmount %s: %v", ns.Path, mErr)
			}
		}

		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pin namespaces for sandbox %s: %s: %w",
				sandboxID, output, errdefs.ErrProcessFailed)
		}

		return nil, fmt.Errorf("run pinns for sandbox %s: %v: %w",
			sandboxID, err, errdefs.ErrSpawnFailed)
	}

	log.Debugf(ctx, "Got output from pinns: %s", output)

	returnedNamespaces := make([]Namespace, 0, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		pinned, err := GetNamespace(ns.Path, ns.Type)
		if err != nil {
			for _, nsToClose := range returnedNamespaces {
				if err2 := nsToClose.Remove(); err2 != nil {
					log.Errorf(ctx, "Failed to remove namespace after failed pin: %v", err2)
				}
			}

			return nil, err
		}

		returnedNamespaces = append(returnedNamespaces, pinned)
	}

	return returnedNamespaces, nil
}

// UnpinNamespaces removes all pinned paths of the sandbox. Paths which are
// not mounted or do not exist are skipped, so unpinning an already-unpinned
// or never-pinned sandbox succeeds silently.
func (mgr *NamespaceManager) UnpinNamespaces(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return errdefs.Invalidf("no sandbox ID provided")
	}

	for _, nsType := range SupportedNamespacesForPinning() {
		path := mgr.pinPath(nsType, sandboxID)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		if err := unmountPinnedPath(path); err != nil {
			return fmt.Errorf("unpin %s namespace of sandbox %s: %w", nsType, sandboxID, err)
		}

		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove pin path of sandbox %s: %w", sandboxID, err)
		}

		log.Debugf(ctx, "Unpinned %s namespace of sandbox %s", nsType, sandboxID)
	}

	return nil
}

// dirForType returns the sub-directory for that particular NSType
// which is of the form `$namespacesDir/$nsType+"ns"`.
func (mgr *NamespaceManager) dirForType(ns NSType) string {
	return filepath.Join(mgr.namespacesDir, string(ns)+"ns")
}

func (mgr *NamespaceManager) pinPath(ns NSType, sandboxID string) string {
	return filepath.Join(mgr.dirForType(ns), sandboxID)
}
