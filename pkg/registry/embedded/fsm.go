// Package embedded implements the Coordination Registry on a single
// raft-replicated key/value FSM, exactly the capability set required by
// pkg/registry.Registry. It is the only registry backend shipped in this
// build; etcd and redis are selectors declared in pkg/config and rejected
// as unimplemented by pkg/registry.Build.
package embedded

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/types"
)

// command is a single mutating operation in the raft log.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterNode      = "register_node"
	opSetSlotAssignment = "set_slot_assignment"
	opReportHealth      = "report_health"
	opCreateBootstrap   = "create_bootstrap_if_absent"
)

// state is the FSM's in-memory materialization of the registry's keyspace,
// mirroring the coordination-store key layout from §6.
type state struct {
	nodes     map[string]types.NodeInfo
	slots     map[uint32][]string
	health    map[uint32]map[string]string // slotID -> nodeID -> progress_token
	bootstrap *config.BootstrapState
}

func newState() *state {
	return &state{
		nodes:  make(map[string]types.NodeInfo),
		slots:  make(map[uint32][]string),
		health: make(map[uint32]map[string]string),
	}
}

// FSM implements raft.FSM over the registry's keyspace. Apply is called
// by raft when a log entry is committed; all registry mutation flows
// through this single path so every replica's state stays agreed.
type FSM struct {
	mu    sync.RWMutex
	state *state
}

// NewFSM creates an empty registry FSM.
func NewFSM() *FSM {
	return &FSM{state: newState()}
}

// Apply applies one raft log entry to the FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opRegisterNode:
		var info types.NodeInfo
		if err := json.Unmarshal(cmd.Data, &info); err != nil {
			return err
		}
		f.state.nodes[info.NodeID] = info
		return nil

	case opSetSlotAssignment:
		var req struct {
			SlotID   uint32   `json:"slot_id"`
			Replicas []string `json:"replicas"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		f.state.slots[req.SlotID] = req.Replicas
		return nil

	case opReportHealth:
		var req struct {
			SlotID        uint32 `json:"slot_id"`
			NodeID        string `json:"node_id"`
			ProgressToken string `json:"progress_token"`
		}
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		if f.state.health[req.SlotID] == nil {
			f.state.health[req.SlotID] = make(map[string]string)
		}
		f.state.health[req.SlotID][req.NodeID] = req.ProgressToken
		return nil

	case opCreateBootstrap:
		var proposed config.BootstrapState
		if err := json.Unmarshal(cmd.Data, &proposed); err != nil {
			return err
		}
		if f.state.bootstrap == nil {
			f.state.bootstrap = &proposed
			return true
		}
		return false

	default:
		return fmt.Errorf("unknown registry command: %s", cmd.Op)
	}
}

// Snapshot captures a point-in-time copy of the FSM state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &fsmSnapshot{
		Nodes:     f.state.nodes,
		Slots:     f.state.slots,
		Health:    f.state.health,
		Bootstrap: f.state.bootstrap,
	}
	return snap, nil
}

// Restore replaces the FSM's state with a previously captured snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode registry snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = &state{
		nodes:     snap.Nodes,
		slots:     snap.Slots,
		health:    snap.Health,
		bootstrap: snap.Bootstrap,
	}
	if f.state.nodes == nil {
		f.state.nodes = make(map[string]types.NodeInfo)
	}
	if f.state.slots == nil {
		f.state.slots = make(map[uint32][]string)
	}
	if f.state.health == nil {
		f.state.health = make(map[uint32]map[string]string)
	}
	return nil
}

type fsmSnapshot struct {
	Nodes     map[string]types.NodeInfo    `json:"nodes"`
	Slots     map[uint32][]string          `json:"slots"`
	Health    map[uint32]map[string]string `json:"health"`
	Bootstrap *config.BootstrapState       `json:"bootstrap,omitempty"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

// snapshotState returns a defensive read-only view used by Registry's
// read methods, which bypass raft.Apply (consistent with the spec's
// "eventually consistent" allowance for everything but bootstrap).
func (f *FSM) snapshotState() *state {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes := make(map[string]types.NodeInfo, len(f.state.nodes))
	for k, v := range f.state.nodes {
		nodes[k] = v
	}
	slots := make(map[uint32][]string, len(f.state.slots))
	for k, v := range f.state.slots {
		cp := make([]string, len(v))
		copy(cp, v)
		slots[k] = cp
	}
	health := make(map[uint32]map[string]string, len(f.state.health))
	for k, v := range f.state.health {
		inner := make(map[string]string, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		health[k] = inner
	}
	var bootstrap *config.BootstrapState
	if f.state.bootstrap != nil {
		b := *f.state.bootstrap
		bootstrap = &b
	}

	return &state{nodes: nodes, slots: slots, health: health, bootstrap: bootstrap}
}
