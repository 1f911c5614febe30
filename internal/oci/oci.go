// Package oci supervises the external OCI runtime binary. It builds the
// invocation descriptor for each verb, spawns the runtime process and
// interprets its results. Container state is only ever updated after the
// runtime confirmed an operation, never optimistically.
package oci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/json-iterator/go"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/utils/cmdrunner"
	"github.com/containers/containrs/utils/errdefs"
)

const (
	// ContainerStateCreated represents the created state of a container.
	ContainerStateCreated = "created"
	// ContainerStateRunning represents the running state of a container.
	ContainerStateRunning = "running"
	// ContainerStatePaused represents the paused state of a container.
	ContainerStatePaused = "paused"
	// ContainerStateStopped represents the stopped state of a container.
	ContainerStateStopped = "stopped"
	// ContainerStateRemoved represents the removed state of a container.
	ContainerStateRemoved = "removed"

	// defaultExecTimeout bounds a single runtime invocation when the
	// caller provides no deadline of its own.
	defaultExecTimeout = 4 * time.Minute
)

// Runtime is the supervisor for the external OCI runtime binary.
type Runtime struct {
	path        string
	global      *GlobalArgs
	execTimeout time.Duration
}

// RuntimeError is the error returned when the runtime binary ran but
// reported a failure. It carries the verb, the exit code and the captured
// standard error text.
type RuntimeError struct {
	Verb     string
	ExitCode int
	Stderr   string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime %s failed with exit status %d: %s",
		e.Verb, e.ExitCode, e.Stderr)
}

func (e *RuntimeError) Unwrap() error {
	return errdefs.ErrProcessFailed
}

// ExecSyncResponse carries the captured streams and exit code of a
// synchronous exec invocation.
type ExecSyncResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
}

// New creates a new Runtime for the provided binary path and global
// argument set. The binary path is required and must exist.
func New(path string, global *GlobalArgs, execTimeout time.Duration) (*Runtime, error) {
	if path == "" {
		return nil, errdefs.Invalidf("no runtime binary provided")
	}
	if global == nil {
		return nil, errdefs.Invalidf("no global arguments provided")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("runtime binary not usable: %w", err)
	}
	if execTimeout == 0 {
		execTimeout = defaultExecTimeout
	}

	return &Runtime{
		path:        path,
		global:      global,
		execTimeout: execTimeout,
	}, nil
}

// Invoke synchronously spawns the runtime binary with the global arguments,
// the verb and its argument vector. It captures standard output and error
// and waits for completion or timeout. On expiry the process is killed and a
// timeout error returned.
func (r *Runtime) Invoke(ctx context.Context, sub Subcommand) ([]byte, error) {
	if sub == nil {
		return nil, errdefs.Invalidf("no subcommand provided")
	}

	ctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	argv := append(r.global.Args(), sub.Verb())
	argv = append(argv, sub.Args()...)
	logrus.Debugf("Invoking runtime %s with args %v", r.path, argv)

	var stdout, stderr bytes.Buffer
	cmd := cmdrunner.CommandContext(ctx, r.path, argv...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("runtime %s: %w", sub.Verb(), errdefs.ErrTimeout)
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return nil, &RuntimeError{
			Verb:     sub.Verb(),
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}

	return nil, fmt.Errorf("run runtime %s: %v: %w", sub.Verb(), err, errdefs.ErrSpawnFailed)
}

// CreateContainer writes the OCI spec into the bundle and invokes `create`.
// The runtime is expected to leave the container in the created state.
func (r *Runtime) CreateContainer(ctx context.Context, c *Container) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if c.state.Status != "" {
		return errdefs.Conflictf("create container %s in state %q", c.ID(), c.state.Status)
	}

	if err := r.writeSpecToBundle(c); err != nil {
		return err
	}

	if _, err := r.Invoke(ctx, &CreateSubcommand{
		ID:      c.ID(),
		Bundle:  c.BundlePath(),
		PidFile: c.pidFilePath(),
	}); err != nil {
		return err
	}

	c.state.Status = ContainerStateCreated
	c.state.Created = time.Now()

	return nil
}

// StartContainer starts a created container.
func (r *Runtime) StartContainer(ctx context.Context, c *Container) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if c.state.Status != ContainerStateCreated {
		return errdefs.Conflictf("start container %s in state %q", c.ID(), c.state.Status)
	}

	if _, err := r.Invoke(ctx, &StartSubcommand{ID: c.ID()}); err != nil {
		return err
	}

	c.state.Status = ContainerStateRunning
	c.state.Started = time.Now()

	return nil
}

// KillContainer sends the provided signal to the containers init process.
// Valid from the created and running states.
func (r *Runtime) KillContainer(ctx context.Context, c *Container, signal syscall.Signal) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	return r.killContainer(ctx, c, signal)
}

func (r *Runtime) killContainer(ctx context.Context, c *Container, signal syscall.Signal) error {
	if c.state.Status != ContainerStateCreated && c.state.Status != ContainerStateRunning {
		return errdefs.Conflictf("kill container %s in state %q", c.ID(), c.state.Status)
	}

	if _, err := r.Invoke(ctx, &KillSubcommand{ID: c.ID(), Signal: signal}); err != nil {
		return err
	}

	// The signal got delivered, observe the resulting runtime state
	// instead of assuming the process died.
	return r.updateContainerStatus(ctx, c)
}

// StopContainer delivers the containers stop signal and waits for the
// runtime to report it stopped, escalating to SIGKILL when the timeout
// elapsed.
func (r *Runtime) StopContainer(ctx context.Context, c *Container, timeout time.Duration) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if c.state.Status == ContainerStateStopped {
		return nil
	}

	if err := r.killContainer(ctx, c, c.StopSignal()); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for c.state.Status != ContainerStateStopped {
		if time.Now().After(deadline) {
			log.Warnf(ctx, "Container %s did not stop in %v, sending SIGKILL", c.ID(), timeout)

			return r.killContainer(ctx, c, syscall.SIGKILL)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("stop container %s: %w", c.ID(), errdefs.ErrTimeout)
		case <-time.After(100 * time.Millisecond):
		}

		if err := r.updateContainerStatus(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

// DeleteContainer removes the runtime resources of the container. It is
// valid once the runtime reports the container stopped or still created;
// the force flag allows deleting a running container by killing it first.
// Accepting a created container widens the stopped-only rule on purpose,
// runc deletes never-started containers and the CRI expects removing one
// to work without a prior stop.
func (r *Runtime) DeleteContainer(ctx context.Context, c *Container, force bool) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	switch c.state.Status {
	case ContainerStateCreated, ContainerStateStopped:
	case ContainerStateRunning, ContainerStatePaused:
		if !force {
			return errdefs.Conflictf("delete container %s in state %q", c.ID(), c.state.Status)
		}
		if err := r.killContainer(ctx, c, syscall.SIGKILL); err != nil {
			return err
		}
	default:
		return errdefs.Conflictf("delete container %s in state %q", c.ID(), c.state.Status)
	}

	if _, err := r.Invoke(ctx, &DeleteSubcommand{ID: c.ID(), Force: force}); err != nil {
		return err
	}

	c.state.Status = ContainerStateRemoved
	if c.state.Finished.IsZero() {
		c.state.Finished = time.Now()
	}

	return nil
}

// PauseContainer suspends all processes of a running container.
func (r *Runtime) PauseContainer(ctx context.Context, c *Container) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if c.state.Status != ContainerStateRunning {
		return errdefs.Conflictf("pause container %s in state %q", c.ID(), c.state.Status)
	}

	if _, err := r.Invoke(ctx, &PauseSubcommand{ID: c.ID()}); err != nil {
		return err
	}

	c.state.Status = ContainerStatePaused

	return nil
}

// UnpauseContainer resumes a previously paused container.
func (r *Runtime) UnpauseContainer(ctx context.Context, c *Container) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if c.state.Status != ContainerStatePaused {
		return errdefs.Conflictf("unpause container %s in state %q", c.ID(), c.state.Status)
	}

	if _, err := r.Invoke(ctx, &ResumeSubcommand{ID: c.ID()}); err != nil {
		return err
	}

	c.state.Status = ContainerStateRunning

	return nil
}

// ExecSyncContainer executes a command inside a running container and
// returns its streams and exit code. The container state is not changed.
func (r *Runtime) ExecSyncContainer(ctx context.Context, c *Container, command []string, tty bool) (*ExecSyncResponse, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()

	if c.state.Status != ContainerStateRunning {
		return nil, errdefs.Conflictf("exec in container %s in state %q", c.ID(), c.state.Status)
	}
	if len(command) == 0 {
		return nil, errdefs.Invalidf("empty exec command for container %s", c.ID())
	}

	stdout, err := r.Invoke(ctx, &ExecSubcommand{
		ID:      c.ID(),
		Tty:     tty,
		Command: command,
	})
	if err != nil {
		runtimeErr := &RuntimeError{}
		if errors.As(err, &runtimeErr) {
			return &ExecSyncResponse{
				Stderr:   []byte(runtimeErr.Stderr),
				ExitCode: int32(runtimeErr.ExitCode),
			}, nil
		}

		return nil, err
	}

	return &ExecSyncResponse{Stdout: stdout}, nil
}

// UpdateContainerStatus refreshes the container state from the runtimes
// `state` output.
func (r *Runtime) UpdateContainerStatus(ctx context.Context, c *Container) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	return r.updateContainerStatus(ctx, c)
}

func (r *Runtime) updateContainerStatus(ctx context.Context, c *Container) error {
	stdout, err := r.Invoke(ctx, &StateSubcommand{ID: c.ID()})
	if err != nil {
		return err
	}

	state := rspec.State{}
	if err := json.Unmarshal(stdout, &state); err != nil {
		return fmt.Errorf("parse runtime state output: %v: %w", err, errdefs.ErrProcessFailed)
	}

	previous := c.state.Status
	c.state.Status = string(state.Status)
	c.state.Pid = state.Pid

	if previous != ContainerStateStopped && c.state.Status == ContainerStateStopped {
		c.state.Finished = time.Now()
	}

	return nil
}

// CheckpointContainer checkpoints a running container into the image path.
// On failure the prior state is preserved.
func (r *Runtime) CheckpointContainer(ctx context.Context, c *Container, imagePath string, leaveRunning bool) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if c.state.Status != ContainerStateRunning {
		return errdefs.Conflictf("checkpoint container %s in state %q", c.ID(), c.state.Status)
	}
	if imagePath == "" {
		return errdefs.Invalidf("empty checkpoint image path for container %s", c.ID())
	}

	if _, err := r.Invoke(ctx, &CheckpointSubcommand{
		ID:           c.ID(),
		ImagePath:    imagePath,
		LeaveRunning: leaveRunning,
	}); err != nil {
		return err
	}

	if !leaveRunning {
		c.state.Status = ContainerStateStopped
		c.state.Finished = time.Now()
	}

	return nil
}

// RestoreContainer restores a container from a previous checkpoint. On
// failure the prior state is preserved.
func (r *Runtime) RestoreContainer(ctx context.Context, c *Container, imagePath string) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	switch c.state.Status {
	case ContainerStateCreated, ContainerStateStopped:
	default:
		return errdefs.Conflictf("restore container %s in state %q", c.ID(), c.state.Status)
	}
	if imagePath == "" {
		return errdefs.Invalidf("empty restore image path for container %s", c.ID())
	}

	if _, err := r.Invoke(ctx, &RestoreSubcommand{
		ID:        c.ID(),
		ImagePath: imagePath,
		Bundle:    c.BundlePath(),
		PidFile:   c.pidFilePath(),
		Detach:    true,
	}); err != nil {
		return err
	}

	c.state.Status = ContainerStateRunning
	c.state.Started = time.Now()

	return nil
}

// UpdateContainer updates the containers resource constraints. The
// container state is not changed.
func (r *Runtime) UpdateContainer(ctx context.Context, c *Container, update *UpdateSubcommand) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()

	if update == nil {
		return errdefs.Invalidf("no resource update provided for container %s", c.ID())
	}
	update.ID = c.ID()

	_, err := r.Invoke(ctx, update)

	return err
}

// ListContainers returns the state entries of all containers the runtime
// knows about below its root.
func (r *Runtime) ListContainers(ctx context.Context) ([]rspec.State, error) {
	stdout, err := r.Invoke(ctx, &ListSubcommand{})
	if err != nil {
		return nil, err
	}

	entries := []rspec.State{}
	if err := json.Unmarshal(stdout, &entries); err != nil {
		return nil, fmt.Errorf("parse runtime list output: %v: %w", err, errdefs.ErrProcessFailed)
	}

	return entries, nil
}

// ContainerPs returns the PIDs of the processes running inside the
// container.
func (r *Runtime) ContainerPs(ctx context.Context, c *Container) ([]int, error) {
	stdout, err := r.Invoke(ctx, &PsSubcommand{ID: c.ID()})
	if err != nil {
		return nil, err
	}

	pids := []int{}
	if err := json.Unmarshal(stdout, &pids); err != nil {
		return nil, fmt.Errorf("parse runtime ps output: %v: %w", err, errdefs.ErrProcessFailed)
	}

	return pids, nil
}

func (r *Runtime) writeSpecToBundle(c *Container) error {
	if c.spec == nil {
		return errdefs.Invalidf("no OCI spec set for container %s", c.ID())
	}

	if err := os.MkdirAll(c.BundlePath(), 0o755); err != nil {
		return fmt.Errorf("create bundle directory: %w", err)
	}

	data, err := json.Marshal(c.spec)
	if err != nil {
		return fmt.Errorf("marshal OCI spec: %w", err)
	}

	return os.WriteFile(c.specFilePath(), data, 0o644)
}

func (c *Container) specFilePath() string {
	return filepath.Join(c.bundlePath, "config.json")
}

func (c *Container) pidFilePath() string {
	return filepath.Join(c.bundlePath, "pidfile")
}
