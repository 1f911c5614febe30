package utils

import (
	"fmt"
	"os"
	"syscall"
)

// StatusToExitCode converts a wait status code to an exit code.
func StatusToExitCode(status int) int {
	return ((status) & 0xff00) >> 8
}

// IsDirectory tests whether the given path exists and is a directory. It
// follows symlinks.
func IsDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.Mode().IsDir() {
		// Return a PathError to be consistent with os.Stat().
		return &os.PathError{
			Op:   "stat",
			Path: path,
			Err:  syscall.ENOTDIR,
		}
	}

	return nil
}

// EnsureSaneLogPath creates an empty file at the given path if it does not
// exist yet, so that later open calls of log consumers cannot fail on a
// missing file.
func EnsureSaneLogPath(logPath string) error {
	// If the path exists but is a symlink, bail out.
	logPathStat, err := os.Lstat(logPath)
	if err == nil && (logPathStat.Mode()&os.ModeSymlink != 0) {
		return fmt.Errorf("log path %s is a symlink, refusing to use it", logPath)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	return f.Close()
}
