// Package slotmanager tracks which slots this node currently owns and
// lazily materializes their on-disk roots and metadata stores. Placement
// is never decided here — it is pushed in by bootstrap/the registry.
package slotmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/rimio/pkg/metastore"
	"github.com/cuemby/rimio/pkg/partstore"
	"github.com/cuemby/rimio/pkg/rimerr"
)

// Slot is one locally-initialized slot: its root directory and the
// handles to its part store and metadata store.
type Slot struct {
	ID    uint32
	Root  string
	Parts *partstore.Store
	Meta  *metastore.Store
	mu    sync.Mutex // per-slot logical lock, see Lock
}

// Lock acquires the slot's logical lock. The 2PC participant and the repair
// engine do not take it when they apply heads; those updates are serialized
// only by the metadata store's own compare-and-insert lock.
func (s *Slot) Lock()   { s.mu.Lock() }
func (s *Slot) Unlock() { s.mu.Unlock() }

// Manager owns every slot this node has materialized so far.
type Manager struct {
	disksRoot string // the configured disk root this node stores slots under

	mu       sync.Mutex
	slots    map[uint32]*Slot
	assigned map[uint32]struct{}
}

// New creates a Manager rooted at disksRoot (e.g. the first configured
// disk in this node's InitialNodeConfig).
func New(disksRoot string) *Manager {
	return &Manager{
		disksRoot: disksRoot,
		slots:     make(map[uint32]*Slot),
		assigned:  make(map[uint32]struct{}),
	}
}

// Assign records that slotID is assigned to this node, without
// materializing its storage — materialization happens lazily on first
// GetSlot/InitSlot call.
func (m *Manager) Assign(slotID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned[slotID] = struct{}{}
}

// HasSlot reports whether slotID is assigned to this node.
func (m *Manager) HasSlot(slotID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.assigned[slotID]
	return ok
}

// AssignedSlots returns every slot ID currently assigned to this node.
func (m *Manager) AssignedSlots() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, len(m.assigned))
	for id := range m.assigned {
		out = append(out, id)
	}
	return out
}

// slotRoot returns this node's on-disk directory for a slot, per the
// layout in spec §6: <disk>/<service>/slots/<slot_id>/
func (m *Manager) slotRoot(slotID uint32) string {
	return filepath.Join(m.disksRoot, "rimio", "slots", fmt.Sprintf("%d", slotID))
}

// InitSlot lazily creates the on-disk root and opens the metadata and
// part stores for slotID. Safe under concurrent callers: at most one
// directory creation and one DB open happens per slot.
func (m *Manager) InitSlot(slotID uint32) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot, ok := m.slots[slotID]; ok {
		return slot, nil
	}

	root := m.slotRoot(slotID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating slot root directory")
	}

	parts, err := partstore.Open(root)
	if err != nil {
		return nil, err
	}

	meta, err := metastore.Open(root, slotID)
	if err != nil {
		return nil, err
	}

	slot := &Slot{ID: slotID, Root: root, Parts: parts, Meta: meta}
	m.slots[slotID] = slot
	m.assigned[slotID] = struct{}{}
	return slot, nil
}

// GetSlot returns the locally-materialized Slot for slotID, initializing
// it on first use if slotID is assigned to this node.
func (m *Manager) GetSlot(slotID uint32) (*Slot, error) {
	if !m.HasSlot(slotID) {
		return nil, rimerr.Newf(rimerr.KindInvalidRequest, "slot %d is not assigned to this node", slotID)
	}
	return m.InitSlot(slotID)
}

// Close closes every materialized slot's metadata store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, slot := range m.slots {
		if err := slot.Meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
