// Package bootstrap runs the once-per-cluster init operation: deciding the
// cluster topology via the registry's first-writer-wins primitive,
// materializing this node's on-disk slot layout, computing slot
// assignment, and optionally importing a cold catalog feed (§4.8).
package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/log"
	"github.com/cuemby/rimio/pkg/registry"
	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/types"
)

// Result is the outcome of Run: the agreed cluster state, whether this
// node won the bootstrap race (only meaningful the first time the cluster
// is ever initialized), and the slot assignment of every slot in the
// cluster.
type Result struct {
	State      *config.BootstrapState
	Won        bool
	Assignment map[uint32][]string // every slot in the cluster, not just local ones
}

// Run executes the bootstrap operation against reg, materializing local
// slot-root directories on both the winning and losing branch. If cfg's
// init scan is enabled and this node won the race, the cold catalog feed
// is drained into locally-assigned slots.
func Run(ctx context.Context, cfg *config.Config, reg registry.Registry, slots *slotmanager.Manager, scan ScanSource, now func() time.Time) (*Result, error) {
	nodeCfg, err := cfg.CurrentNodeConfig()
	if err != nil {
		return nil, err
	}

	existing, err := reg.GetBootstrapState(ctx)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "reading bootstrap state")
	}

	var state *config.BootstrapState
	won := false

	if existing != nil {
		state = existing
	} else {
		proposal := cfg.LocalBootstrapState(now().UTC().Format(time.RFC3339Nano))
		won, err = reg.CreateBootstrapStateIfAbsent(ctx, proposal)
		if err != nil {
			return nil, rimerr.Wrap(rimerr.KindStorage, err, "proposing bootstrap state")
		}

		state, err = reg.GetBootstrapState(ctx)
		if err != nil {
			return nil, rimerr.Wrap(rimerr.KindStorage, err, "re-reading bootstrap state")
		}
		if state == nil {
			return nil, rimerr.New(rimerr.KindStorage, "bootstrap state absent immediately after create_bootstrap_state_if_absent")
		}
	}

	if !nodeInList(cfg.CurrentNode, state.Nodes) {
		return nil, rimerr.Newf(rimerr.KindBootstrap, "node %q lost the bootstrap race and is not in the winning set", cfg.CurrentNode)
	}

	if err := materializeDiskLayout(nodeCfg); err != nil {
		return nil, err
	}

	assignment := AssignSlots(state.Nodes, state.Replication)
	for slotID, replicas := range assignment {
		if containsNode(replicas, cfg.CurrentNode) {
			slots.Assign(slotID)
		}
	}

	if won {
		lg := log.WithComponent("bootstrap")
		lg.Info().Str("node_id", cfg.CurrentNode).Msg("bootstrap race won, publishing slot assignment")
		for slotID, replicas := range assignment {
			if err := reg.SetSlotAssignment(ctx, slotID, replicas); err != nil {
				return nil, rimerr.Wrap(rimerr.KindStorage, err, "publishing slot assignment")
			}
		}

		if cfg.InitScan != nil && cfg.InitScan.Enabled && scan != nil {
			imported, err := ImportColdCatalog(ctx, scan, slots, state.Replication.TotalSlots, now)
			if err != nil {
				return nil, rimerr.Wrap(rimerr.KindStorage, err, "importing cold catalog")
			}
			lg := log.WithComponent("bootstrap")
			lg.Info().Int("entries", imported).Msg("cold catalog import complete")
		}
	}

	return &Result{State: state, Won: won, Assignment: assignment}, nil
}

func nodeInList(nodeID string, nodes []config.InitialNodeConfig) bool {
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return true
		}
	}
	return false
}

func containsNode(replicas []string, nodeID string) bool {
	for _, r := range replicas {
		if r == nodeID {
			return true
		}
	}
	return false
}

// materializeDiskLayout creates the slot-root base directory under every
// configured disk for nodeCfg, on both the winning and losing branch of
// the bootstrap race — restoring the original implementation's symmetry
// that the distilled spec only states for the "already bootstrapped"
// branch.
func materializeDiskLayout(nodeCfg config.InitialNodeConfig) error {
	for _, disk := range nodeCfg.Disks {
		root := filepath.Join(disk.Path, "rimio", "slots")
		if err := os.MkdirAll(root, 0755); err != nil {
			return rimerr.Wrap(rimerr.KindStorage, err, "creating slot root directory")
		}
	}
	return nil
}

// AssignSlots implements the deterministic partition from §4.8: nodes
// sorted by node_id, TOTAL_SLOTS divided into contiguous ranges
// proportional to node count, each slot replicated to the next
// replication_factor-1 nodes in the ring (wrapping around). The
// replication factor is taken from min_write_replicas, capped at the
// node count.
func AssignSlots(nodes []config.InitialNodeConfig, repl config.ReplicationConfig) map[uint32][]string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.NodeID
	}
	sort.Strings(ids)

	n := len(ids)
	if n == 0 {
		return map[uint32][]string{}
	}
	replFactor := repl.MinWriteReplicas
	if replFactor > n {
		replFactor = n
	}
	if replFactor < 1 {
		replFactor = 1
	}

	total := repl.TotalSlots
	base := total / uint32(n)
	rem := total % uint32(n)

	assignment := make(map[uint32][]string, total)
	var slot uint32
	for i := 0; i < n; i++ {
		count := base
		if uint32(i) < rem {
			count++
		}
		for j := uint32(0); j < count; j++ {
			replicas := make([]string, 0, replFactor)
			for k := 0; k < replFactor; k++ {
				replicas = append(replicas, ids[(i+k)%n])
			}
			assignment[slot] = replicas
			slot++
		}
	}
	return assignment
}

// ImportColdCatalog drains scan and, for each entry whose computed slot is
// assigned to this node, allocates the next generation and inserts a
// BlobMeta with part_index_state=None — parts are only known via
// archive_url, never materialized locally by the import itself. Peers
// pick the resulting head up lazily via the Read/Repair Engine's
// peer-head discovery, and anti-entropy propagates it the rest of the
// way.
func ImportColdCatalog(ctx context.Context, scan ScanSource, slots *slotmanager.Manager, totalSlots uint32, now func() time.Time) (int, error) {
	imported := 0
	for {
		select {
		case <-ctx.Done():
			return imported, ctx.Err()
		default:
		}

		entry, ok, err := scan.Next(ctx)
		if err != nil {
			return imported, err
		}
		if !ok {
			return imported, nil
		}

		path, err := types.NormalizeBlobPath(entry.Path)
		if err != nil {
			return imported, err
		}

		slotID := types.SlotForKey(path, totalSlots)
		if !slots.HasSlot(slotID) {
			continue
		}
		slot, err := slots.GetSlot(slotID)
		if err != nil {
			return imported, err
		}

		gen, err := slot.Meta.NextGeneration(path)
		if err != nil {
			return imported, err
		}

		updatedAt := entry.UpdatedAt
		if updatedAt == nil {
			t := now()
			updatedAt = &t
		}

		meta := types.BlobMeta{
			Path:           path,
			SlotID:         slotID,
			Generation:     gen,
			Version:        gen,
			SizeBytes:      entry.SizeBytes,
			ETag:           entry.ETag,
			PartSize:       entry.PartSize,
			PartCount:      types.PartCountFor(entry.SizeBytes, entry.PartSize),
			PartIndexState: types.PartIndexNone,
			ArchiveURL:     entry.ArchiveURL,
			UpdatedAt:      *updatedAt,
		}
		headSHA, err := types.HeadPayloadSHA256(meta)
		if err != nil {
			return imported, err
		}
		if _, err := slot.Meta.UpsertMetaWithPayload(meta, headSHA); err != nil {
			return imported, err
		}
		imported++
	}
}
