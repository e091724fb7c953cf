// Package registry defines the Coordination Registry abstraction: the
// tiny key/value capability set the engine requires from an external
// linearizable store (§4.4). Only the bootstrap primitive must be
// strongly consistent; node presence and slot health may be eventually
// consistent.
package registry

import (
	"context"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/types"
)

// HealthReport is one replica's self-reported progress on a slot.
type HealthReport struct {
	NodeID        string
	ProgressToken string
}

// SlotEventKind distinguishes what changed in a SlotEvent.
type SlotEventKind string

const (
	SlotEventAssignment SlotEventKind = "assignment"
	SlotEventHealth     SlotEventKind = "health"
)

// SlotEvent is one change observed on the watch stream.
type SlotEvent struct {
	Kind   SlotEventKind
	SlotID uint32
}

// Registry is the capability set every coordination-store backend must
// provide. Implementations must be safe under concurrent use and
// maintain a single watch stream per process.
type Registry interface {
	// RegisterNode upserts this node's presence record.
	RegisterNode(ctx context.Context, info types.NodeInfo) error

	// GetNodes returns the eventually-consistent node set.
	GetNodes(ctx context.Context) ([]types.NodeInfo, error)

	// SetSlotAssignment sets the ordered replica list for a slot.
	SetSlotAssignment(ctx context.Context, slotID uint32, replicas []string) error

	// GetSlot returns the current assignment for a slot, if any.
	GetSlot(ctx context.Context, slotID uint32) (*types.SlotInfo, error)

	// ReportHealth records this node's progress on a slot, last-writer-wins
	// per (slot, node).
	ReportHealth(ctx context.Context, slotID uint32, nodeID string, progressToken string) error

	// GetHealthyReplicas returns the last-reported progress of every
	// replica that has reported health for a slot.
	GetHealthyReplicas(ctx context.Context, slotID uint32) ([]HealthReport, error)

	// CreateBootstrapStateIfAbsent is the registry's only linearizable,
	// first-writer-wins primitive. Returns won=true iff this call's
	// payload became the persisted value.
	CreateBootstrapStateIfAbsent(ctx context.Context, payload config.BootstrapState) (won bool, err error)

	// GetBootstrapState returns the persisted bootstrap record, if any.
	GetBootstrapState(ctx context.Context) (*config.BootstrapState, error)

	// Watch produces a channel of SlotEvent until ctx is cancelled. The
	// channel is finite only on shutdown; callers must resync on
	// reconnect rather than expect replay across connection loss.
	Watch(ctx context.Context) (<-chan SlotEvent, error)

	// Close releases the registry's resources (watch stream, connections).
	Close() error
}

// Builder constructs a Registry from configuration, grounded on
// rimio-core's RegistryBuilder::build: it fails closed on any backend
// it cannot actually construct, rather than silently falling back.
type Builder func(cfg config.RegistryConfig, nodeID string) (Registry, error)
