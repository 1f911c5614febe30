package lib_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	rspec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/containers/containrs/internal/lib"
	"github.com/containers/containrs/internal/lib/sandbox"
	"github.com/containers/containrs/internal/oci"
	"github.com/containers/containrs/utils/cmdrunner"
	"github.com/containers/containrs/utils/errdefs"
)

func getTestContainerConfig(name string) *lib.ContainerConfig {
	return &lib.ContainerConfig{
		Name: name,
		Spec: &rspec.Spec{Version: rspec.Version},
	}
}

// createTestContainer creates a ready sandbox holding one created
// container.
func createTestContainer(ts *testServer, ctx context.Context) (*sandbox.Sandbox, *oci.Container) {
	sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))
	Expect(err).ToNot(HaveOccurred())

	ctr, err := ts.sut.CreateContainer(ctx, sb.ID(), getTestContainerConfig("ctr"))
	Expect(err).ToNot(HaveOccurred())

	return sb, ctr
}

// The actual test suite.
var _ = t.Describe("ContainerOps", func() {
	var (
		ts  *testServer
		ctx context.Context
	)

	BeforeEach(func() {
		ts = newTestServer()
		ctx = context.Background()
	})

	AfterEach(func() {
		cmdrunner.ResetPrependedCmd()
		Expect(ts.sut.Shutdown(ctx)).To(Succeed())
	})

	t.Describe("CreateContainer", func() {
		It("should create a container with its bundle", func() {
			// Given
			// When
			_, ctr := createTestContainer(ts, ctx)

			// Then
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateCreated))
			Expect(filepath.Join(ctr.BundlePath(), "config.json")).To(BeAnExistingFile())

			res, err := ts.sut.LookupContainer(ctr.ID())
			Expect(err).ToNot(HaveOccurred())
			Expect(res).To(Equal(ctr))
		})

		It("should fail in a not ready sandbox", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))
			Expect(err).ToNot(HaveOccurred())
			Expect(ts.sut.SetSandboxNotReady(ctx, sb.ID())).To(Succeed())

			// When
			ctr, err := ts.sut.CreateContainer(ctx, sb.ID(), getTestContainerConfig("ctr"))

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
			Expect(ctr).To(BeNil())
		})

		It("should fail with an already used name", func() {
			// Given
			sb, _ := createTestContainer(ts, ctx)

			// When
			ctr, err := ts.sut.CreateContainer(ctx, sb.ID(), getTestContainerConfig("ctr"))

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
			Expect(ctr).To(BeNil())
		})

		It("should roll back when the runtime create fails", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))
			Expect(err).ToNot(HaveOccurred())
			ts.runner.setFailure("create", 1)

			// When
			ctr, err := ts.sut.CreateContainer(ctx, sb.ID(), getTestContainerConfig("ctr"))

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())
			Expect(ctr).To(BeNil())
			Expect(ts.sut.ListContainers()).To(BeEmpty())

			entries, err := os.ReadDir(ts.config.BundleDir)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())

			// And the name is available again
			ts.runner = newFakeRuntimeRunner()
			cmdrunner.SetRunner(ts.runner)
			_, err = ts.sut.CreateContainer(ctx, sb.ID(), getTestContainerConfig("ctr"))
			Expect(err).ToNot(HaveOccurred())
		})
	})

	t.Describe("StartContainer", func() {
		It("should succeed", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)

			// When
			err := ts.sut.StartContainer(ctx, ctr.ID())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateRunning))
		})

		It("should keep the created state on runtime failure", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			ts.runner.setFailure("start", 1)

			// When
			err := ts.sut.StartContainer(ctx, ctr.ID())

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateCreated))
		})
	})

	t.Describe("StopContainer", func() {
		It("should succeed", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			Expect(ts.sut.StartContainer(ctx, ctr.ID())).To(Succeed())
			ts.runner.setOutput("state", stateJSON(ctr.ID(), "stopped", 0))

			// When
			err := ts.sut.StopContainer(ctx, ctr.ID(), time.Minute)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateStopped))
		})
	})

	t.Describe("RemoveContainer", func() {
		It("should fail on a running container without force", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			Expect(ts.sut.StartContainer(ctx, ctr.ID())).To(Succeed())

			// When
			err := ts.sut.RemoveContainer(ctx, ctr.ID(), false)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateRunning))
		})

		It("should remove a running container with force", func() {
			// Given
			sb, ctr := createTestContainer(ts, ctx)
			Expect(ts.sut.StartContainer(ctx, ctr.ID())).To(Succeed())
			ts.runner.setOutput("state", stateJSON(ctr.ID(), "stopped", 0))

			// When
			err := ts.sut.RemoveContainer(ctx, ctr.ID(), true)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateRemoved))
			Expect(sb.NumContainers()).To(BeZero())
			Expect(ctr.BundlePath()).NotTo(BeAnExistingFile())

			_, err = ts.sut.LookupContainer(ctr.ID())
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})
	})

	t.Describe("PauseContainer", func() {
		It("should pause and resume", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			Expect(ts.sut.StartContainer(ctx, ctr.ID())).To(Succeed())

			// When
			// Then
			Expect(ts.sut.PauseContainer(ctx, ctr.ID())).To(Succeed())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStatePaused))

			Expect(ts.sut.UnpauseContainer(ctx, ctr.ID())).To(Succeed())
			Expect(ctr.State().Status).To(Equal(oci.ContainerStateRunning))
		})
	})

	t.Describe("ExecSyncContainer", func() {
		It("should return the command output", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			Expect(ts.sut.StartContainer(ctx, ctr.ID())).To(Succeed())
			ts.runner.setOutput("exec", "hello")

			// When
			res, err := ts.sut.ExecSyncContainer(ctx, ctr.ID(), []string{"echo", "hello"}, false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(string(res.Stdout)).To(Equal("hello"))
		})
	})

	t.Describe("ContainerStats", func() {
		It("should return a parsed sample", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			Expect(ts.sut.StartContainer(ctx, ctr.ID())).To(Succeed())
			ts.runner.setOutput("events",
				`{"type":"stats","id":"`+ctr.ID()+`","data":{`+
					`"cpu":{"usage":{"total":1000}},`+
					`"memory":{"usage":{"usage":2048,"limit":4096}},`+
					`"pids":{"current":3}}}`)

			// When
			stats, err := ts.sut.ContainerStats(ctx, ctr.ID())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.CPUNanos).To(BeEquivalentTo(1000))
			Expect(stats.MemoryUsageBytes).To(BeEquivalentTo(2048))
			Expect(stats.MemoryLimitBytes).To(BeEquivalentTo(4096))
			Expect(stats.PidsCurrent).To(BeEquivalentTo(3))
		})
	})

	t.Describe("ContainerStatus", func() {
		It("should refresh the state from the runtime", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)
			ts.runner.setOutput("state", stateJSON(ctr.ID(), "running", 42))

			// When
			state, err := ts.sut.ContainerStatus(ctx, ctr.ID())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(state.Status).To(Equal(oci.ContainerStateRunning))
			Expect(state.Pid).To(Equal(42))
		})
	})

	t.Describe("Concurrent start and remove", func() {
		It("should yield exactly one winner", func() {
			// Given
			_, ctr := createTestContainer(ts, ctx)

			// When
			var (
				wg        sync.WaitGroup
				startErr  error
				removeErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				startErr = ts.sut.StartContainer(ctx, ctr.ID())
			}()
			go func() {
				defer wg.Done()
				removeErr = ts.sut.RemoveContainer(ctx, ctr.ID(), false)
			}()
			wg.Wait()

			// Then
			if startErr == nil {
				Expect(removeErr).To(HaveOccurred())
				Expect(errdefs.IsStateConflict(removeErr)).To(BeTrue())
				Expect(ctr.State().Status).To(Equal(oci.ContainerStateRunning))
			} else {
				Expect(removeErr).ToNot(HaveOccurred())
				Expect(errdefs.IsStateConflict(startErr) ||
					errdefs.IsNotFound(startErr)).To(BeTrue())
				Expect(ctr.State().Status).To(Equal(oci.ContainerStateRemoved))
			}
		})
	})
})
