package embedded

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/log"
	"github.com/cuemby/rimio/pkg/registry"
	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

var _ registry.Registry = (*Registry)(nil)

// Registry is the raft+bbolt backed Coordination Registry. One instance
// runs per node; the raft group spans the founding node set.
type Registry struct {
	nodeID   string
	bindAddr string
	raftDir  string

	raft *raft.Raft
	fsm  *FSM

	watchMu  sync.Mutex
	watchers []chan registry.SlotEvent
}

// Open starts (or rejoins) the embedded raft group for this node. When
// cfg.Bootstrap is set, it bootstraps a configuration made of this node plus
// every address in cfg.JoinPeers (each peer's address doubles as its raft
// server ID); raft state that already holds a configuration keeps it.
// Without cfg.Bootstrap, cfg.JoinPeers is not used and the node starts with
// whatever configuration its raft state already holds.
func Open(nodeID, bindAddr string, cfg config.EmbeddedConfig) (*Registry, error) {
	if err := os.MkdirAll(cfg.RaftDir, 0755); err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating raft directory")
	}

	fsm := NewFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(nodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindConfig, err, "resolving registry bind address")
	}

	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating raft transport")
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.RaftDir, 2, os.Stderr)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating raft snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.RaftDir, "raft-log.db"))
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating raft log store")
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.RaftDir, "raft-stable.db"))
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating raft stable store")
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "starting raft")
	}

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		for _, peer := range cfg.JoinPeers {
			servers = append(servers, raft.Server{ID: raft.ServerID(peer), Address: raft.ServerAddress(peer)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, rimerr.Wrap(rimerr.KindBootstrap, err, "bootstrapping raft cluster")
		}
	}

	return &Registry{
		nodeID:   nodeID,
		bindAddr: bindAddr,
		raftDir:  cfg.RaftDir,
		raft:     r,
		fsm:      fsm,
	}, nil
}

// Close shuts down the raft instance.
func (r *Registry) Close() error {
	if r.raft == nil {
		return nil
	}
	future := r.raft.Shutdown()
	if err := future.Error(); err != nil {
		return rimerr.Wrap(rimerr.KindStorage, err, "shutting down raft")
	}
	return nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (r *Registry) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// AddVoter adds a peer to the raft configuration. Must be called against
// the current leader.
func (r *Registry) AddVoter(nodeID, addr string) error {
	if !r.IsLeader() {
		return rimerr.Newf(rimerr.KindTransport, "not the registry leader, current leader is %s", r.raft.Leader())
	}
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return rimerr.Wrap(rimerr.KindTransport, err, "adding raft voter")
	}
	return nil
}

func (r *Registry) apply(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return rimerr.Wrap(rimerr.KindInvalidRequest, err, "encoding registry command")
	}
	cmd := command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return rimerr.Wrap(rimerr.KindInvalidRequest, err, "encoding registry command envelope")
	}

	future := r.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return rimerr.Wrap(rimerr.KindTransport, err, "applying registry command")
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return rimerr.Wrap(rimerr.KindStorage, err, "registry command rejected by FSM")
		}
	}
	return nil
}

// RegisterNode upserts this node's presence record.
func (r *Registry) RegisterNode(ctx context.Context, info types.NodeInfo) error {
	if err := r.apply(opRegisterNode, info); err != nil {
		return err
	}
	r.notify(registry.SlotEvent{Kind: registry.SlotEventHealth})
	return nil
}

// GetNodes returns every known node.
func (r *Registry) GetNodes(ctx context.Context) ([]types.NodeInfo, error) {
	st := r.fsm.snapshotState()
	out := make([]types.NodeInfo, 0, len(st.nodes))
	for _, n := range st.nodes {
		out = append(out, n)
	}
	return out, nil
}

// SetSlotAssignment sets the ordered replica list for a slot.
func (r *Registry) SetSlotAssignment(ctx context.Context, slotID uint32, replicas []string) error {
	req := struct {
		SlotID   uint32   `json:"slot_id"`
		Replicas []string `json:"replicas"`
	}{slotID, replicas}
	if err := r.apply(opSetSlotAssignment, req); err != nil {
		return err
	}
	r.notify(registry.SlotEvent{Kind: registry.SlotEventAssignment, SlotID: slotID})
	return nil
}

// GetSlot returns the current assignment for a slot, if any.
func (r *Registry) GetSlot(ctx context.Context, slotID uint32) (*types.SlotInfo, error) {
	st := r.fsm.snapshotState()
	replicas, ok := st.slots[slotID]
	if !ok {
		return nil, nil
	}
	return &types.SlotInfo{SlotID: slotID, Replicas: replicas}, nil
}

// ReportHealth records this node's progress on a slot.
func (r *Registry) ReportHealth(ctx context.Context, slotID uint32, nodeID string, progressToken string) error {
	req := struct {
		SlotID        uint32 `json:"slot_id"`
		NodeID        string `json:"node_id"`
		ProgressToken string `json:"progress_token"`
	}{slotID, nodeID, progressToken}
	if err := r.apply(opReportHealth, req); err != nil {
		return err
	}
	r.notify(registry.SlotEvent{Kind: registry.SlotEventHealth, SlotID: slotID})
	return nil
}

// GetHealthyReplicas returns the last-reported progress of every replica
// that has reported health for a slot.
func (r *Registry) GetHealthyReplicas(ctx context.Context, slotID uint32) ([]registry.HealthReport, error) {
	st := r.fsm.snapshotState()
	reports := make([]registry.HealthReport, 0, len(st.health[slotID]))
	for nodeID, token := range st.health[slotID] {
		reports = append(reports, registry.HealthReport{NodeID: nodeID, ProgressToken: token})
	}
	return reports, nil
}

// CreateBootstrapStateIfAbsent proposes payload as the cluster's bootstrap
// record. Because Apply on this FSM is linearizable (every node applies
// the same raft log in the same order), the first proposal to reach the
// log wins cluster-wide; the FSM's Apply return value tells the caller
// whether this particular proposal was the one that won.
func (r *Registry) CreateBootstrapStateIfAbsent(ctx context.Context, payload config.BootstrapState) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, rimerr.Wrap(rimerr.KindInvalidRequest, err, "encoding bootstrap proposal")
	}
	raw, err := json.Marshal(command{Op: opCreateBootstrap, Data: data})
	if err != nil {
		return false, rimerr.Wrap(rimerr.KindInvalidRequest, err, "encoding registry command envelope")
	}

	future := r.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return false, rimerr.Wrap(rimerr.KindTransport, err, "applying bootstrap proposal")
	}

	won, ok := future.Response().(bool)
	if !ok {
		return false, rimerr.New(rimerr.KindBootstrap, "bootstrap FSM returned unexpected response type")
	}
	return won, nil
}

// GetBootstrapState returns the persisted bootstrap record, if any.
func (r *Registry) GetBootstrapState(ctx context.Context) (*config.BootstrapState, error) {
	st := r.fsm.snapshotState()
	return st.bootstrap, nil
}

// Watch returns a channel of SlotEvent until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) (<-chan registry.SlotEvent, error) {
	ch := make(chan registry.SlotEvent, 64)

	r.watchMu.Lock()
	r.watchers = append(r.watchers, ch)
	r.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (r *Registry) notify(ev registry.SlotEvent) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, w := range r.watchers {
		select {
		case w <- ev:
		default:
			lg := log.WithComponent("registry")
			lg.Warn().Uint32("slot_id", ev.SlotID).Msg("watch channel full, dropping event")
		}
	}
}
