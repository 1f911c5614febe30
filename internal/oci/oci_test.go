package oci_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	rspec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/containers/containrs/internal/oci"
	"github.com/containers/containrs/utils/cmdrunner"
	"github.com/containers/containrs/utils/errdefs"
)

// fakeRuntimeRunner substitutes the runtime binary. Each verb maps to a
// stdout payload and an exit code, rendered through a small shell script.
type fakeRuntimeRunner struct {
	outputs map[string]string
	fails   map[string]int
	calls   [][]string
}

func newFakeRuntimeRunner() *fakeRuntimeRunner {
	return &fakeRuntimeRunner{
		outputs: map[string]string{},
		fails:   map[string]int{},
	}
}

func (f *fakeRuntimeRunner) verbOf(args []string) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			return arg
		}
	}

	return ""
}

func (f *fakeRuntimeRunner) script(args []string) string {
	verb := f.verbOf(args)
	if code, ok := f.fails[verb]; ok {
		return "echo runtime error >&2; exit " + strconv.Itoa(code)
	}

	return "printf %s '" + f.outputs[verb] + "'"
}

func (f *fakeRuntimeRunner) Command(cmd string, args ...string) *exec.Cmd {
	f.calls = append(f.calls, args)

	return exec.Command("/bin/sh", "-c", f.script(args))
}

func (f *fakeRuntimeRunner) CommandContext(ctx context.Context, cmd string, args ...string) *exec.Cmd {
	f.calls = append(f.calls, args)

	return exec.CommandContext(ctx, "/bin/sh", "-c", f.script(args))
}

func (f *fakeRuntimeRunner) CombinedOutput(cmd string, args ...string) ([]byte, error) {
	return f.Command(cmd, args...).CombinedOutput()
}

func stateJSON(status string, pid int) string {
	return `{"ociVersion":"1.0.2","id":"` + containerID +
		`","status":"` + status + `","pid":` + strconv.Itoa(pid) + `,"bundle":"/bundle"}`
}

// The actual test suite.
var _ = t.Describe("Runtime", func() {
	var (
		sut    *oci.Runtime
		runner *fakeRuntimeRunner
	)

	BeforeEach(func() {
		var err error
		sut, err = oci.New("/bin/sh", getTestGlobalArgs(), time.Minute)
		Expect(err).ToNot(HaveOccurred())

		runner = newFakeRuntimeRunner()
		cmdrunner.SetRunner(runner)
	})

	AfterEach(func() {
		cmdrunner.ResetPrependedCmd()
	})

	t.Describe("New", func() {
		It("should fail without a binary path", func() {
			// Given
			// When
			runtime, err := oci.New("", getTestGlobalArgs(), 0)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			Expect(runtime).To(BeNil())
		})

		It("should fail without global arguments", func() {
			// Given
			// When
			runtime, err := oci.New("/bin/sh", nil, 0)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(runtime).To(BeNil())
		})

		It("should fail with a missing binary", func() {
			// Given
			// When
			runtime, err := oci.New("/should-not-exist", getTestGlobalArgs(), 0)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(runtime).To(BeNil())
		})
	})

	t.Describe("Invoke", func() {
		It("should prepend the global arguments before the verb", func() {
			// Given
			// When
			_, err := sut.Invoke(context.Background(),
				&oci.StateSubcommand{ID: containerID})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.calls).To(HaveLen(1))
			Expect(runner.calls[0]).To(Equal([]string{
				"--root=/run/runtime",
				"--log-format=text",
				"--rootless=auto",
				"state",
				containerID,
			}))
		})

		It("should capture standard output", func() {
			// Given
			runner.outputs["state"] = "some output"

			// When
			stdout, err := sut.Invoke(context.Background(),
				&oci.StateSubcommand{ID: containerID})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(string(stdout)).To(Equal("some output"))
		})

		It("should map a nonzero exit to a process failure", func() {
			// Given
			runner.fails["kill"] = 1

			// When
			_, err := sut.Invoke(context.Background(),
				&oci.KillSubcommand{ID: containerID, Signal: syscall.SIGTERM})

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())

			runtimeErr := &oci.RuntimeError{}
			Expect(err).To(BeAssignableToTypeOf(runtimeErr))
			Expect(err.(*oci.RuntimeError).ExitCode).To(Equal(1))
			Expect(err.(*oci.RuntimeError).Stderr).To(ContainSubstring("runtime error"))
		})

		It("should map a deadline expiry to a timeout", func() {
			// Given
			runtime, err := oci.New("/bin/sh", getTestGlobalArgs(), 50*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			runner.outputs["state"] = "" // unused
			cmdrunner.SetRunner(sleepRunner{})

			// When
			_, err = runtime.Invoke(context.Background(),
				&oci.StateSubcommand{ID: containerID})

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsTimeout(err)).To(BeTrue())
		})

		It("should map an unrunnable binary to a spawn failure", func() {
			// Given
			cmdrunner.ResetPrependedCmd()
			notExecutable := t.MustTempFile("not-executable")
			runtime, err := oci.New(notExecutable, getTestGlobalArgs(), time.Minute)
			Expect(err).ToNot(HaveOccurred())

			// When
			_, err = runtime.Invoke(context.Background(),
				&oci.StateSubcommand{ID: containerID})

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsSpawnFailed(err)).To(BeTrue())
		})

		It("should fail without a subcommand", func() {
			// Given
			// When
			_, err := sut.Invoke(context.Background(), nil)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
		})
	})

	t.Describe("CreateContainer", func() {
		It("should succeed and write the spec into the bundle", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})

			// When
			err := sut.CreateContainer(context.Background(), container)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateCreated))
			_, err = os.Stat(filepath.Join(container.BundlePath(), "config.json"))
			Expect(err).ToNot(HaveOccurred())
		})

		It("should fail without a spec", func() {
			// Given
			container := getTestContainer()

			// When
			err := sut.CreateContainer(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
		})

		It("should not change the state when the runtime fails", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			runner.fails["create"] = 1

			// When
			err := sut.CreateContainer(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())
			Expect(container.State().Status).To(BeEmpty())
		})
	})

	t.Describe("StartContainer", func() {
		It("should succeed on a created container", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())

			// When
			err := sut.StartContainer(context.Background(), container)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRunning))
		})

		It("should report a state conflict on a fresh container", func() {
			// Given
			container := getTestContainer()

			// When
			err := sut.StartContainer(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
		})

		It("should stay created when the runtime fails", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			runner.fails["start"] = 1

			// When
			err := sut.StartContainer(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateCreated))
		})
	})

	t.Describe("KillContainer", func() {
		It("should refresh the state from the runtime", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["state"] = stateJSON("stopped", 0)

			// When
			err := sut.KillContainer(context.Background(), container, syscall.SIGKILL)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateStopped))
			Expect(container.State().Finished.IsZero()).To(BeFalse())
		})

		It("should report a state conflict on a stopped container", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["state"] = stateJSON("stopped", 0)
			Expect(sut.KillContainer(context.Background(), container, syscall.SIGKILL)).
				To(Succeed())

			// When
			err := sut.KillContainer(context.Background(), container, syscall.SIGKILL)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
		})
	})

	t.Describe("DeleteContainer", func() {
		It("should succeed on a stopped container", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["state"] = stateJSON("stopped", 0)
			Expect(sut.KillContainer(context.Background(), container, syscall.SIGKILL)).
				To(Succeed())

			// When
			err := sut.DeleteContainer(context.Background(), container, false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRemoved))
		})

		It("should report a state conflict on a running container", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())

			// When
			err := sut.DeleteContainer(context.Background(), container, false)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRunning))
		})

		It("should kill a running container when forced", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["state"] = stateJSON("stopped", 0)

			// When
			err := sut.DeleteContainer(context.Background(), container, true)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRemoved))
		})
	})

	t.Describe("PauseContainer", func() {
		It("should pause and unpause a running container", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())

			// When
			err := sut.PauseContainer(context.Background(), container)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStatePaused))

			// And when
			err = sut.UnpauseContainer(context.Background(), container)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRunning))
		})

		It("should report a state conflict when pausing twice", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			Expect(sut.PauseContainer(context.Background(), container)).To(Succeed())

			// When
			err := sut.PauseContainer(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
		})
	})

	t.Describe("ExecSyncContainer", func() {
		It("should return the captured standard output", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["exec"] = "hello"

			// When
			response, err := sut.ExecSyncContainer(context.Background(),
				container, []string{"echo", "hello"}, false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(string(response.Stdout)).To(Equal("hello"))
			Expect(response.ExitCode).To(BeZero())
		})

		It("should return the exit code on command failure", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.fails["exec"] = 2

			// When
			response, err := sut.ExecSyncContainer(context.Background(),
				container, []string{"false"}, false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(response.ExitCode).To(Equal(int32(2)))
		})

		It("should fail on a container which is not running", func() {
			// Given
			container := getTestContainer()

			// When
			_, err := sut.ExecSyncContainer(context.Background(),
				container, []string{"true"}, false)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
		})

		It("should fail with an empty command", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())

			// When
			_, err := sut.ExecSyncContainer(context.Background(), container, nil, false)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
		})
	})

	t.Describe("ListContainers", func() {
		It("should parse the runtime list output", func() {
			// Given
			runner.outputs["list"] = `[{"ociVersion":"1.0.2","id":"a","status":"running","pid":42,"bundle":"/bundle"}]`

			// When
			entries, err := sut.ListContainers(context.Background())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal("a"))
			Expect(entries[0].Pid).To(Equal(42))
		})

		It("should fail on invalid JSON", func() {
			// Given
			runner.outputs["list"] = "definitely not JSON"

			// When
			_, err := sut.ListContainers(context.Background())

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())
		})
	})

	t.Describe("ContainerPs", func() {
		It("should parse the PID list", func() {
			// Given
			container := getTestContainer()
			runner.outputs["ps"] = "[1, 2, 3]"

			// When
			pids, err := sut.ContainerPs(context.Background(), container)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(pids).To(Equal([]int{1, 2, 3}))
		})
	})

	t.Describe("ContainerStats", func() {
		It("should parse a stats event", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["events"] = `{"type":"stats","id":"` + containerID +
				`","data":{"cpu":{"usage":{"total":123456}},` +
				`"memory":{"usage":{"usage":2048,"limit":4096}},` +
				`"pids":{"current":7}}}`

			// When
			stats, err := sut.ContainerStats(context.Background(), container)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.CPUNanos).To(Equal(uint64(123456)))
			Expect(stats.MemoryUsageBytes).To(Equal(uint64(2048)))
			Expect(stats.MemoryLimitBytes).To(Equal(uint64(4096)))
			Expect(stats.PidsCurrent).To(Equal(uint64(7)))
		})

		It("should fail on a container which is not running", func() {
			// Given
			container := getTestContainer()

			// When
			_, err := sut.ContainerStats(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
		})

		It("should fail on a non stats event", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.outputs["events"] = `{"type":"oom","id":"` + containerID + `"}`

			// When
			_, err := sut.ContainerStats(context.Background(), container)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())
		})
	})

	t.Describe("CheckpointContainer", func() {
		It("should stop the container unless told otherwise", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())

			// When
			err := sut.CheckpointContainer(context.Background(), container,
				t.MustTempDir("checkpoint"), false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateStopped))
		})

		It("should preserve the state on failure", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			runner.fails["checkpoint"] = 1

			// When
			err := sut.CheckpointContainer(context.Background(), container,
				t.MustTempDir("checkpoint"), false)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRunning))
		})
	})

	t.Describe("RestoreContainer", func() {
		It("should transition a stopped container to running", func() {
			// Given
			container := getTestContainer()
			container.SetSpec(&rspec.Spec{Version: rspec.Version})
			Expect(sut.CreateContainer(context.Background(), container)).To(Succeed())
			Expect(sut.StartContainer(context.Background(), container)).To(Succeed())
			Expect(sut.CheckpointContainer(context.Background(), container,
				t.MustTempDir("checkpoint"), false)).To(Succeed())

			// When
			err := sut.RestoreContainer(context.Background(), container,
				t.MustTempDir("checkpoint"))

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(container.State().Status).To(Equal(oci.ContainerStateRunning))
		})
	})
})

// sleepRunner ignores the requested command and blocks until the context
// expires.
type sleepRunner struct{}

func (sleepRunner) Command(cmd string, args ...string) *exec.Cmd {
	return exec.Command("sleep", "5")
}

func (sleepRunner) CommandContext(ctx context.Context, cmd string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "sleep", "5")
}

func (sleepRunner) CombinedOutput(cmd string, args ...string) ([]byte, error) {
	return exec.Command("sleep", "5").CombinedOutput()
}
