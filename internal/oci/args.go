package oci

import (
	"fmt"
	"strconv"
	"syscall"

	"github.com/containers/containrs/utils/errdefs"
)

const (
	// LogFormatText lets the runtime write plain text logs.
	LogFormatText = "text"
	// LogFormatJSON lets the runtime write JSON logs.
	LogFormatJSON = "json"

	// RootlessTrue forces rootless mode.
	RootlessTrue = "true"
	// RootlessFalse disables rootless mode.
	RootlessFalse = "false"
	// RootlessAuto lets the runtime detect rootless mode.
	RootlessAuto = "auto"

	// CgroupfsCgroupsManager represents the cgroupfs native cgroup manager.
	CgroupfsCgroupsManager = "cgroupfs"
	// SystemdCgroupsManager represents the systemd native cgroup manager.
	SystemdCgroupsManager = "systemd"
	// DisabledCgroupsManager disables cgroup management entirely.
	DisabledCgroupsManager = "disabled"
)

// GlobalArgs is the immutable set of global arguments prepended to every
// runtime invocation.
type GlobalArgs struct {
	root          string
	logPath       string
	logFormat     string
	rootless      string
	cgroupManager string
	debug         bool
}

// NewGlobalArgs validates the provided values and returns the immutable
// global argument set. root is required, the remaining values get defaulted
// when empty.
func NewGlobalArgs(root, logPath, logFormat, rootless, cgroupManager string, debug bool) (*GlobalArgs, error) {
	if root == "" {
		return nil, errdefs.Invalidf("no runtime root provided")
	}

	if logFormat == "" {
		logFormat = LogFormatText
	}
	if logFormat != LogFormatText && logFormat != LogFormatJSON {
		return nil, errdefs.Invalidf("invalid log format %q", logFormat)
	}

	if rootless == "" {
		rootless = RootlessAuto
	}
	if rootless != RootlessTrue && rootless != RootlessFalse && rootless != RootlessAuto {
		return nil, errdefs.Invalidf("invalid rootless mode %q", rootless)
	}

	if cgroupManager == "" {
		cgroupManager = CgroupfsCgroupsManager
	}
	if cgroupManager != CgroupfsCgroupsManager &&
		cgroupManager != SystemdCgroupsManager &&
		cgroupManager != DisabledCgroupsManager {
		return nil, errdefs.Invalidf("invalid cgroup manager %q", cgroupManager)
	}

	return &GlobalArgs{
		root:          root,
		logPath:       logPath,
		logFormat:     logFormat,
		rootless:      rootless,
		cgroupManager: cgroupManager,
		debug:         debug,
	}, nil
}

// Args renders the global argument vector.
func (g *GlobalArgs) Args() []string {
	args := []string{"--root=" + g.root}

	if g.logPath != "" {
		args = append(args, "--log="+g.logPath)
	}
	args = append(args, "--log-format="+g.logFormat)
	args = append(args, "--rootless="+g.rootless)

	if g.cgroupManager == SystemdCgroupsManager {
		args = append(args, "--systemd-cgroup")
	}
	if g.debug {
		args = append(args, "--debug")
	}

	return args
}

// Root returns the runtime state root directory.
func (g *GlobalArgs) Root() string {
	return g.root
}

// Subcommand is one variant of the runtime invocation descriptor. Every verb
// carries only the fields it needs and renders its own argument vector,
// excluding the verb itself.
type Subcommand interface {
	// Verb returns the runtime subcommand name.
	Verb() string
	// Args returns the rendered `[flags...][container-id]` vector.
	Args() []string
}

// CreateSubcommand invokes `create`.
type CreateSubcommand struct {
	ID            string
	Bundle        string
	PidFile       string
	ConsoleSocket string
	NoPivot       bool
	NoNewKeyring  bool
	PreserveFDs   uint
}

func (s *CreateSubcommand) Verb() string { return "create" }

func (s *CreateSubcommand) Args() []string {
	args := []string{"--bundle=" + s.Bundle}
	if s.PidFile != "" {
		args = append(args, "--pid-file="+s.PidFile)
	}
	if s.ConsoleSocket != "" {
		args = append(args, "--console-socket="+s.ConsoleSocket)
	}
	if s.NoPivot {
		args = append(args, "--no-pivot")
	}
	if s.NoNewKeyring {
		args = append(args, "--no-new-keyring")
	}
	if s.PreserveFDs > 0 {
		args = append(args, fmt.Sprintf("--preserve-fds=%d", s.PreserveFDs))
	}

	return append(args, s.ID)
}

// StartSubcommand invokes `start`.
type StartSubcommand struct {
	ID string
}

func (s *StartSubcommand) Verb() string   { return "start" }
func (s *StartSubcommand) Args() []string { return []string{s.ID} }

// KillSubcommand invokes `kill` with a signal number.
type KillSubcommand struct {
	ID     string
	Signal syscall.Signal
	All    bool
}

func (s *KillSubcommand) Verb() string { return "kill" }

func (s *KillSubcommand) Args() []string {
	var args []string
	if s.All {
		args = append(args, "--all")
	}

	return append(args, s.ID, strconv.Itoa(int(s.Signal)))
}

// DeleteSubcommand invokes `delete`.
type DeleteSubcommand struct {
	ID    string
	Force bool
}

func (s *DeleteSubcommand) Verb() string { return "delete" }

func (s *DeleteSubcommand) Args() []string {
	var args []string
	if s.Force {
		args = append(args, "--force")
	}

	return append(args, s.ID)
}

// ExecSubcommand invokes `exec` with a command vector.
type ExecSubcommand struct {
	ID      string
	Tty     bool
	Detach  bool
	PidFile string
	Command []string
}

func (s *ExecSubcommand) Verb() string { return "exec" }

func (s *ExecSubcommand) Args() []string {
	var args []string
	if s.Tty {
		args = append(args, "--tty")
	}
	if s.Detach {
		args = append(args, "--detach")
	}
	if s.PidFile != "" {
		args = append(args, "--pid-file="+s.PidFile)
	}
	args = append(args, s.ID)

	return append(args, s.Command...)
}

// ListSubcommand invokes `list` in JSON mode.
type ListSubcommand struct{}

func (s *ListSubcommand) Verb() string   { return "list" }
func (s *ListSubcommand) Args() []string { return []string{"--format=json"} }

// PsSubcommand invokes `ps` in JSON mode.
type PsSubcommand struct {
	ID string
}

func (s *PsSubcommand) Verb() string   { return "ps" }
func (s *PsSubcommand) Args() []string { return []string{"--format=json", s.ID} }

// EventsSubcommand invokes `events`. Only the one-shot stats mode is used by
// this core.
type EventsSubcommand struct {
	ID    string
	Stats bool
}

func (s *EventsSubcommand) Verb() string { return "events" }

func (s *EventsSubcommand) Args() []string {
	var args []string
	if s.Stats {
		args = append(args, "--stats")
	}

	return append(args, s.ID)
}

// StateSubcommand invokes `state`.
type StateSubcommand struct {
	ID string
}

func (s *StateSubcommand) Verb() string   { return "state" }
func (s *StateSubcommand) Args() []string { return []string{s.ID} }

// PauseSubcommand invokes `pause`.
type PauseSubcommand struct {
	ID string
}

func (s *PauseSubcommand) Verb() string   { return "pause" }
func (s *PauseSubcommand) Args() []string { return []string{s.ID} }

// ResumeSubcommand invokes `resume`.
type ResumeSubcommand struct {
	ID string
}

func (s *ResumeSubcommand) Verb() string   { return "resume" }
func (s *ResumeSubcommand) Args() []string { return []string{s.ID} }

// CheckpointSubcommand invokes `checkpoint` with an image path.
type CheckpointSubcommand struct {
	ID           string
	ImagePath    string
	WorkPath     string
	LeaveRunning bool
}

func (s *CheckpointSubcommand) Verb() string { return "checkpoint" }

func (s *CheckpointSubcommand) Args() []string {
	args := []string{"--image-path=" + s.ImagePath}
	if s.WorkPath != "" {
		args = append(args, "--work-path="+s.WorkPath)
	}
	if s.LeaveRunning {
		args = append(args, "--leave-running")
	}

	return append(args, s.ID)
}

// RestoreSubcommand invokes `restore` with an image path.
type RestoreSubcommand struct {
	ID        string
	ImagePath string
	Bundle    string
	PidFile   string
	Detach    bool
}

func (s *RestoreSubcommand) Verb() string { return "restore" }

func (s *RestoreSubcommand) Args() []string {
	args := []string{"--image-path=" + s.ImagePath}
	if s.Bundle != "" {
		args = append(args, "--bundle="+s.Bundle)
	}
	if s.PidFile != "" {
		args = append(args, "--pid-file="+s.PidFile)
	}
	if s.Detach {
		args = append(args, "--detach")
	}

	return append(args, s.ID)
}

// UpdateSubcommand invokes `update` for container resource constraints.
type UpdateSubcommand struct {
	ID                string
	Memory            int64
	MemoryReservation int64
	MemorySwap        int64
	CPUPeriod         uint64
	CPUQuota          int64
	CPUShares         uint64
	CpusetCpus        string
	CpusetMems        string
	PidsLimit         int64
}

func (s *UpdateSubcommand) Verb() string { return "update" }

func (s *UpdateSubcommand) Args() []string {
	var args []string
	if s.Memory != 0 {
		args = append(args, fmt.Sprintf("--memory=%d", s.Memory))
	}
	if s.MemoryReservation != 0 {
		args = append(args, fmt.Sprintf("--memory-reservation=%d", s.MemoryReservation))
	}
	if s.MemorySwap != 0 {
		args = append(args, fmt.Sprintf("--memory-swap=%d", s.MemorySwap))
	}
	if s.CPUPeriod != 0 {
		args = append(args, fmt.Sprintf("--cpu-period=%d", s.CPUPeriod))
	}
	if s.CPUQuota != 0 {
		args = append(args, fmt.Sprintf("--cpu-quota=%d", s.CPUQuota))
	}
	if s.CPUShares != 0 {
		args = append(args, fmt.Sprintf("--cpu-share=%d", s.CPUShares))
	}
	if s.CpusetCpus != "" {
		args = append(args, "--cpuset-cpus="+s.CpusetCpus)
	}
	if s.CpusetMems != "" {
		args = append(args, "--cpuset-mems="+s.CpusetMems)
	}
	if s.PidsLimit != 0 {
		args = append(args, fmt.Sprintf("--pids-limit=%d", s.PidsLimit))
	}

	return append(args, s.ID)
}

// SpecSubcommand invokes `spec` to generate a new specification file.
type SpecSubcommand struct {
	Bundle   string
	Rootless bool
}

func (s *SpecSubcommand) Verb() string { return "spec" }

func (s *SpecSubcommand) Args() []string {
	var args []string
	if s.Bundle != "" {
		args = append(args, "--bundle="+s.Bundle)
	}
	if s.Rootless {
		args = append(args, "--rootless")
	}

	return args
}
