package lib_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/containers/containrs/internal/config/nsmgr"
	"github.com/containers/containrs/internal/lib/sandbox"
	"github.com/containers/containrs/utils/cmdrunner"
	"github.com/containers/containrs/utils/errdefs"
)

// The actual test suite.
var _ = t.Describe("SandboxOps", func() {
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

	t.Describe("CreateSandbox", func() {
		It("should create a ready sandbox with pinned namespaces", func() {
			// Given
			cfg := getTestSandboxConfig("sandbox", nsmgr.NETNS, nsmgr.IPCNS, nsmgr.UTSNS)

			// When
			sb, err := ts.sut.CreateSandbox(ctx, cfg)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(sb.State()).To(Equal(sandbox.StateReady))
			Expect(sb.Namespaces()).To(HaveLen(3))
			Expect(sb.NetNSPath()).NotTo(BeEmpty())
			Expect(sb.IPs()).To(ContainElement("10.1.2.3"))
			Expect(ts.attacher.attached).To(Equal(1))
			Expect(ts.attacher.lastAttach.NetNSPath).To(Equal(sb.NetNSPath()))
		})

		It("should create a ready sandbox without namespaces", func() {
			// Given
			cfg := getTestSandboxConfig("sandbox")

			// When
			sb, err := ts.sut.CreateSandbox(ctx, cfg)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(sb.State()).To(Equal(sandbox.StateReady))
			Expect(sb.CNIState()).To(BeNil())
			Expect(ts.attacher.attached).To(BeZero())
		})

		It("should fail without configuration", func() {
			// Given
			// When
			sb, err := ts.sut.CreateSandbox(ctx, nil)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			Expect(sb).To(BeNil())
		})

		It("should fail with an already used name", func() {
			// Given
			_, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))
			Expect(err).ToNot(HaveOccurred())

			// When
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
			Expect(sb).To(BeNil())
		})

		It("should roll back when the network attach fails", func() {
			// Given
			ts.attacher.failAttach = true
			cfg := getTestSandboxConfig("sandbox", nsmgr.NETNS)

			// When
			sb, err := ts.sut.CreateSandbox(ctx, cfg)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsProcessFailed(err)).To(BeTrue())
			Expect(sb).To(BeNil())
			Expect(ts.sut.ListSandboxes()).To(BeEmpty())

			// And the name is available again
			ts.attacher.failAttach = false
			_, err = ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox", nsmgr.NETNS))
			Expect(err).ToNot(HaveOccurred())
		})
	})

	t.Describe("LookupSandbox", func() {
		It("should succeed with a shortened ID", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))
			Expect(err).ToNot(HaveOccurred())

			// When
			res, err := ts.sut.LookupSandbox(sb.ID()[:12])

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(res.ID()).To(Equal(sb.ID()))
		})

		It("should fail with an unknown ID", func() {
			// Given
			// When
			res, err := ts.sut.LookupSandbox("unknown")

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
			Expect(res).To(BeNil())
		})

		It("should fail with an empty ID", func() {
			// Given
			// When
			res, err := ts.sut.LookupSandbox("")

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			Expect(res).To(BeNil())
		})
	})

	t.Describe("RemoveSandbox", func() {
		It("should remove a ready sandbox and detach its networks", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox", nsmgr.NETNS))
			Expect(err).ToNot(HaveOccurred())

			// When
			err = ts.sut.RemoveSandbox(ctx, sb.ID())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(sb.Removed()).To(BeTrue())
			Expect(ts.sut.ListSandboxes()).To(BeEmpty())
			Expect(ts.attacher.detached).To(Equal(1))
		})

		It("should fail with an unknown ID", func() {
			// Given
			// When
			err := ts.sut.RemoveSandbox(ctx, "unknown")

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})

		It("should fail while containers exist", func() {
			// Given
			sb, ctr := createTestContainer(ts, ctx)

			// When
			err := ts.sut.RemoveSandbox(ctx, sb.ID())

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
			Expect(sb.Removed()).To(BeFalse())

			// And it succeeds once the container is gone
			Expect(ts.sut.RemoveContainer(ctx, ctr.ID(), false)).To(Succeed())
			Expect(ts.sut.RemoveSandbox(ctx, sb.ID())).To(Succeed())
		})
	})

	t.Describe("SetSandboxReady", func() {
		It("should recover a not ready sandbox without re-attaching", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox", nsmgr.NETNS))
			Expect(err).ToNot(HaveOccurred())
			Expect(ts.sut.SetSandboxNotReady(ctx, sb.ID())).To(Succeed())
			Expect(sb.Ready()).To(BeFalse())

			// When
			err = ts.sut.SetSandboxReady(ctx, sb.ID())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(sb.Ready()).To(BeTrue())
			Expect(ts.attacher.attached).To(Equal(1))
		})

		It("should fail when the network attacher is unhealthy", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox", nsmgr.NETNS))
			Expect(err).ToNot(HaveOccurred())
			Expect(ts.sut.SetSandboxNotReady(ctx, sb.ID())).To(Succeed())
			ts.attacher.failStatus = true

			// When
			err = ts.sut.SetSandboxReady(ctx, sb.ID())

			// Then
			Expect(err).To(HaveOccurred())
			Expect(sb.Ready()).To(BeFalse())
		})

		It("should fail on a ready sandbox", func() {
			// Given
			sb, err := ts.sut.CreateSandbox(ctx, getTestSandboxConfig("sandbox"))
			Expect(err).ToNot(HaveOccurred())

			// When
			err = ts.sut.SetSandboxReady(ctx, sb.ID())

			// Then
			Expect(err).To(HaveOccurred())
			Expect(errdefs.IsStateConflict(err)).To(BeTrue())
		})
	})
})
