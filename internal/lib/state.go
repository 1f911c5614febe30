package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	rspec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/containers/containrs/internal/config/nsmgr"
	"github.com/containers/containrs/internal/hostport"
	"github.com/containers/containrs/internal/lib/sandbox"
	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/internal/network/cni"
	"github.com/containers/containrs/internal/oci"
	"github.com/containers/containrs/utils/errdefs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sandboxKeyPrefix   = "sandbox/"
	containerKeyPrefix = "container/"
	sandboxIndexKey    = "sandboxes"
	containerIndexKey  = "containers"
)

// sandboxRecord is the durable representation of a sandbox.
type sandboxRecord struct {
	ID         string                `json:"id"`
	State      sandbox.State         `json:"state"`
	CreatedAt  time.Time             `json:"createdAt"`
	Config     sandboxConfigRecord   `json:"config"`
	CNIState   *cni.CNIState         `json:"cniState,omitempty"`
	Namespaces []pinnedNamespaceInfo `json:"namespaces,omitempty"`
}

type sandboxConfigRecord struct {
	Name           string                  `json:"name"`
	Namespace      string                  `json:"namespace"`
	Hostname       string                  `json:"hostname,omitempty"`
	LogDir         string                  `json:"logDir,omitempty"`
	Attempt        uint32                  `json:"attempt,omitempty"`
	Namespaces     []nsmgr.NSType          `json:"namespaces,omitempty"`
	Capabilities   []string                `json:"capabilities,omitempty"`
	SeccompProfile string                  `json:"seccompProfile,omitempty"`
	SelinuxLabel   string                  `json:"selinuxLabel,omitempty"`
	Privileged     bool                    `json:"privileged,omitempty"`
	DNS            *sandbox.DNSConfig      `json:"dns,omitempty"`
	PortMappings   []*hostport.PortMapping `json:"portMappings,omitempty"`
	Labels         map[string]string       `json:"labels,omitempty"`
	Annotations    map[string]string       `json:"annotations,omitempty"`
}

type pinnedNamespaceInfo struct {
	Type nsmgr.NSType `json:"type"`
	Path string       `json:"path"`
}

// containerRecord is the durable representation of a container.
type containerRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	SandboxID   string            `json:"sandboxID"`
	BundlePath  string            `json:"bundlePath"`
	LogPath     string            `json:"logPath,omitempty"`
	StopSignal  string            `json:"stopSignal,omitempty"`
	Terminal    bool              `json:"terminal,omitempty"`
	Stdin       bool              `json:"stdin,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func sandboxKey(id string) string {
	return sandboxKeyPrefix + id
}

func containerKey(id string) string {
	return containerKeyPrefix + id
}

// persistSandbox writes the current sandbox state to the metadata store.
func (c *ContainerServer) persistSandbox(sb *sandbox.Sandbox) error {
	cfg := sb.Config()

	record := sandboxRecord{
		ID:        sb.ID(),
		State:     sb.State(),
		CreatedAt: sb.CreatedAt(),
		CNIState:  sb.CNIState(),
		Config: sandboxConfigRecord{
			Name:           cfg.Name(),
			Namespace:      cfg.Namespace(),
			Hostname:       cfg.Hostname(),
			LogDir:         cfg.LogDir(),
			Attempt:        cfg.Attempt(),
			Namespaces:     cfg.Namespaces(),
			Capabilities:   cfg.Security().Capabilities(),
			SeccompProfile: cfg.Security().SeccompProfile(),
			SelinuxLabel:   cfg.Security().SelinuxLabel(),
			Privileged:     cfg.Security().Privileged(),
			DNS:            cfg.DNS(),
			PortMappings:   cfg.PortMappings(),
			Labels:         cfg.Labels(),
			Annotations:    cfg.Annotations(),
		},
	}

	for _, ns := range sb.Namespaces() {
		record.Namespaces = append(record.Namespaces, pinnedNamespaceInfo{
			Type: ns.Type(),
			Path: ns.Path(),
		})
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encode sandbox record: %w", err)
	}

	if err := c.store.Put(sandboxKey(sb.ID()), data); err != nil {
		return fmt.Errorf("persist sandbox record: %w", err)
	}

	return c.addToIndex(sandboxIndexKey, sb.ID())
}

// deleteSandboxRecord removes the sandbox from the metadata store.
func (c *ContainerServer) deleteSandboxRecord(id string) error {
	if err := c.store.Delete(sandboxKey(id)); err != nil {
		return fmt.Errorf("delete sandbox record: %w", err)
	}

	return c.removeFromIndex(sandboxIndexKey, id)
}

// persistContainer writes the current container state to the metadata
// store. The OCI spec is not part of the record, it lives in the bundle.
func (c *ContainerServer) persistContainer(ctr *oci.Container) error {
	record := containerRecord{
		ID:          ctr.ID(),
		Name:        ctr.Name(),
		SandboxID:   ctr.SandboxID(),
		BundlePath:  ctr.BundlePath(),
		LogPath:     ctr.LogPath(),
		StopSignal:  ctr.RawStopSignal(),
		Terminal:    ctr.Terminal(),
		Stdin:       ctr.Stdin(),
		CreatedAt:   ctr.CreatedAt(),
		Labels:      ctr.Labels(),
		Annotations: ctr.Annotations(),
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encode container record: %w", err)
	}

	if err := c.store.Put(containerKey(ctr.ID()), data); err != nil {
		return fmt.Errorf("persist container record: %w", err)
	}

	return c.addToIndex(containerIndexKey, ctr.ID())
}

// deleteContainerRecord removes the container from the metadata store.
func (c *ContainerServer) deleteContainerRecord(id string) error {
	if err := c.store.Delete(containerKey(id)); err != nil {
		return fmt.Errorf("delete container record: %w", err)
	}

	return c.removeFromIndex(containerIndexKey, id)
}

// loadIndex returns the persisted entity ID index for the key. A missing
// index is an empty one.
func (c *ContainerServer) loadIndex(key string) ([]string, error) {
	data, err := c.store.Get(key)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("load index %s: %w", key, err)
	}

	ids := []string{}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", key, err)
	}

	return ids, nil
}

func (c *ContainerServer) saveIndex(key string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode index %s: %w", key, err)
	}

	return c.store.Put(key, data)
}

func (c *ContainerServer) addToIndex(key, id string) error {
	ids, err := c.loadIndex(key)
	if err != nil {
		return err
	}

	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}

	return c.saveIndex(key, append(ids, id))
}

func (c *ContainerServer) removeFromIndex(key, id string) error {
	ids, err := c.loadIndex(key)
	if err != nil {
		return err
	}

	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}

	return c.saveIndex(key, filtered)
}

// Restore rebuilds the in-memory state from the metadata store. Records
// which cannot be restored any more are dropped with a log line, restore
// never fails the startup because of a single broken entity.
func (c *ContainerServer) Restore(ctx context.Context) error {
	sandboxIDs, err := c.loadIndex(sandboxIndexKey)
	if err != nil {
		return err
	}

	for _, id := range sandboxIDs {
		if err := c.restoreSandbox(ctx, id); err != nil {
			log.Warnf(ctx, "Dropping unrestorable sandbox %s: %v", id, err)

			if err := c.deleteSandboxRecord(id); err != nil {
				log.Warnf(ctx, "Unable to remove record of sandbox %s: %v", id, err)
			}
		}
	}

	containerIDs, err := c.loadIndex(containerIndexKey)
	if err != nil {
		return err
	}

	for _, id := range containerIDs {
		if err := c.restoreContainer(ctx, id); err != nil {
			log.Warnf(ctx, "Dropping unrestorable container %s: %v", id, err)

			if err := c.deleteContainerRecord(id); err != nil {
				log.Warnf(ctx, "Unable to remove record of container %s: %v", id, err)
			}
		}
	}

	return nil
}

func (c *ContainerServer) restoreSandbox(ctx context.Context, id string) error {
	data, err := c.store.Get(sandboxKey(id))
	if err != nil {
		return err
	}

	record := sandboxRecord{}
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode sandbox record: %w", err)
	}

	security, err := sandbox.NewSecurityConfig(
		record.Config.Capabilities,
		record.Config.SeccompProfile,
		record.Config.SelinuxLabel,
		record.Config.Privileged,
	)
	if err != nil {
		return err
	}

	cfg, err := sandbox.NewConfig(
		record.Config.Name,
		record.Config.Namespace,
		record.Config.Hostname,
		record.Config.LogDir,
		record.Config.Namespaces,
		security,
		record.Config.DNS,
		record.Config.PortMappings,
		record.Config.Labels,
		record.Config.Annotations,
	)
	if err != nil {
		return err
	}
	cfg.SetAttempt(record.Config.Attempt)

	sb, err := sandbox.New(record.ID, cfg, record.CreatedAt)
	if err != nil {
		return err
	}

	sb.RestoreState(record.State)
	sb.SetCNIState(record.CNIState)

	// Re-open the pinned namespaces, a lost one degrades the sandbox.
	namespaces := []nsmgr.Namespace{}
	lost := false
	for _, info := range record.Namespaces {
		ns, err := nsmgr.GetNamespace(info.Path, info.Type)
		if err != nil {
			log.Warnf(ctx, "Pinned %s namespace of sandbox %s lost: %v", info.Type, id, err)
			lost = true

			continue
		}
		namespaces = append(namespaces, ns)
	}
	sb.SetNamespaces(namespaces)

	if lost && record.State == sandbox.StateReady {
		sb.RestoreState(sandbox.StateNotReady)
	}

	if err := c.podNameIndex.Reserve(podName(cfg), sb.ID()); err != nil {
		return fmt.Errorf("reserve sandbox name: %w", err)
	}

	if err := c.addSandbox(sb); err != nil {
		c.podNameIndex.Release(podName(cfg))

		return err
	}

	log.Infof(ctx, "Restored sandbox %s (state %s)", sb.ID(), sb.State())

	return nil
}

func (c *ContainerServer) restoreContainer(ctx context.Context, id string) error {
	data, err := c.store.Get(containerKey(id))
	if err != nil {
		return err
	}

	record := containerRecord{}
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode container record: %w", err)
	}

	sb, err := c.LookupSandbox(record.SandboxID)
	if err != nil {
		return fmt.Errorf("parent sandbox gone: %w", err)
	}

	specData, err := os.ReadFile(filepath.Join(record.BundlePath, "config.json"))
	if err != nil {
		return fmt.Errorf("read bundle spec: %w", err)
	}

	spec := rspec.Spec{}
	if err := json.Unmarshal(specData, &spec); err != nil {
		return fmt.Errorf("decode bundle spec: %w", err)
	}

	ctr, err := oci.NewContainer(
		record.ID, record.Name, record.SandboxID, record.BundlePath,
		record.LogPath, record.Labels, record.Annotations, &spec,
		record.Terminal, record.Stdin, record.StopSignal, record.CreatedAt,
	)
	if err != nil {
		return err
	}

	// The runtime is the source of truth for the container state.
	if err := c.runtime.UpdateContainerStatus(ctx, ctr); err != nil {
		return fmt.Errorf("refresh container state: %w", err)
	}

	if err := c.ctrNameIndex.Reserve(ctrName(sb, ctr.Name()), ctr.ID()); err != nil {
		return fmt.Errorf("reserve container name: %w", err)
	}

	if err := c.addContainer(sb, ctr); err != nil {
		c.ctrNameIndex.Release(ctrName(sb, ctr.Name()))

		return err
	}

	log.Infof(ctx, "Restored container %s (state %s)", ctr.ID(), ctr.State().Status)

	return nil
}
