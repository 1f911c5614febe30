package oci

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"

	"github.com/containers/containrs/utils/errdefs"
)

// ContainerStats holds a single resource usage sample of a container.
type ContainerStats struct {
	ID               string
	SampledAt        time.Time
	CPUNanos         uint64
	MemoryUsageBytes uint64
	MemoryLimitBytes uint64
	PidsCurrent      uint64
}

// runtimeEvent is the JSON shape runc emits on its events subcommand. Only
// the stats event type carries a data payload.
type runtimeEvent struct {
	Type string            `json:"type"`
	ID   string            `json:"id"`
	Data *runtimeEventData `json:"data,omitempty"`
}

type runtimeEventData struct {
	CPU struct {
		Usage struct {
			Total uint64 `json:"total"`
		} `json:"usage"`
	} `json:"cpu"`
	Memory struct {
		Usage struct {
			Usage uint64 `json:"usage"`
			Limit uint64 `json:"limit"`
		} `json:"usage"`
	} `json:"memory"`
	Pids struct {
		Current uint64 `json:"current"`
	} `json:"pids"`
}

// ContainerStats requests a single stats sample for a running container.
func (r *Runtime) ContainerStats(ctx context.Context, c *Container) (*ContainerStats, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()

	if c.state.Status != ContainerStateRunning && c.state.Status != ContainerStatePaused {
		return nil, errdefs.Conflictf("stats for container %s in state %q", c.ID(), c.state.Status)
	}

	stdout, err := r.Invoke(ctx, &EventsSubcommand{ID: c.ID(), Stats: true})
	if err != nil {
		return nil, err
	}

	event := runtimeEvent{}
	if err := json.Unmarshal(stdout, &event); err != nil {
		return nil, fmt.Errorf("parse runtime events output: %v: %w", err, errdefs.ErrProcessFailed)
	}
	if event.Type != "stats" || event.Data == nil {
		return nil, fmt.Errorf("unexpected runtime event %q: %w", event.Type, errdefs.ErrProcessFailed)
	}

	return &ContainerStats{
		ID:               c.ID(),
		SampledAt:        time.Now(),
		CPUNanos:         event.Data.CPU.Usage.Total,
		MemoryUsageBytes: event.Data.Memory.Usage.Usage,
		MemoryLimitBytes: event.Data.Memory.Usage.Limit,
		PidsCurrent:      event.Data.Pids.Current,
	}, nil
}
