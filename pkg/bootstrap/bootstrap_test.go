package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/registry"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/types"
)

// fakeRegistry is an in-memory registry.Registry sufficient to exercise
// bootstrap's control flow without a raft cluster.
type fakeRegistry struct {
	mu         sync.Mutex
	bootstrap  *config.BootstrapState
	assignment map[uint32][]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{assignment: make(map[uint32][]string)}
}

func (r *fakeRegistry) RegisterNode(ctx context.Context, info types.NodeInfo) error { return nil }
func (r *fakeRegistry) GetNodes(ctx context.Context) ([]types.NodeInfo, error)      { return nil, nil }

func (r *fakeRegistry) SetSlotAssignment(ctx context.Context, slotID uint32, replicas []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignment[slotID] = replicas
	return nil
}

func (r *fakeRegistry) GetSlot(ctx context.Context, slotID uint32) (*types.SlotInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replicas, ok := r.assignment[slotID]
	if !ok {
		return nil, nil
	}
	return &types.SlotInfo{SlotID: slotID, Replicas: replicas}, nil
}

func (r *fakeRegistry) ReportHealth(ctx context.Context, slotID uint32, nodeID, progressToken string) error {
	return nil
}

func (r *fakeRegistry) GetHealthyReplicas(ctx context.Context, slotID uint32) ([]registry.HealthReport, error) {
	return nil, nil
}

func (r *fakeRegistry) CreateBootstrapStateIfAbsent(ctx context.Context, payload config.BootstrapState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bootstrap != nil {
		return false, nil
	}
	r.bootstrap = &payload
	return true, nil
}

func (r *fakeRegistry) GetBootstrapState(ctx context.Context) (*config.BootstrapState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bootstrap, nil
}

func (r *fakeRegistry) Watch(ctx context.Context) (<-chan registry.SlotEvent, error) {
	ch := make(chan registry.SlotEvent)
	close(ch)
	return ch, nil
}

func (r *fakeRegistry) Close() error { return nil }

func testConfig(t *testing.T, nodeID string, nodes []string, totalSlots uint32) *config.Config {
	t.Helper()
	dir := t.TempDir()

	var nodeCfgs []config.InitialNodeConfig
	for _, id := range nodes {
		nodeCfgs = append(nodeCfgs, config.InitialNodeConfig{
			NodeID:   id,
			BindAddr: "127.0.0.1:0",
			Disks:    []config.DiskConfig{{Path: filepath.Join(dir, id)}},
		})
	}

	return &config.Config{
		CurrentNode: nodeID,
		Registry: config.RegistryConfig{
			Backend:  config.BackendEmbedded,
			Embedded: &config.EmbeddedConfig{RaftDir: filepath.Join(dir, "raft")},
		},
		InitialCluster: config.InitialClusterConfig{
			Nodes:       nodeCfgs,
			Replication: config.ReplicationConfig{MinWriteReplicas: 2, TotalSlots: totalSlots},
		},
	}
}

func fixedNow() time.Time { return time.Unix(1700000000, 0).UTC() }

func TestAssignSlotsContiguousAndReplicated(t *testing.T) {
	nodes := []config.InitialNodeConfig{{NodeID: "c"}, {NodeID: "a"}, {NodeID: "b"}}
	repl := config.ReplicationConfig{MinWriteReplicas: 2, TotalSlots: 9}

	assignment := AssignSlots(nodes, repl)
	require.Len(t, assignment, 9)

	for slotID, replicas := range assignment {
		require.Len(t, replicas, 2, "slot %d", slotID)
		require.NotEqual(t, replicas[0], replicas[1])
	}

	// node "a" (sorted first) should own slot 0's primary replica.
	require.Equal(t, "a", assignment[0][0])
}

func TestAssignSlotsCapsReplicationFactorAtNodeCount(t *testing.T) {
	nodes := []config.InitialNodeConfig{{NodeID: "a"}}
	repl := config.ReplicationConfig{MinWriteReplicas: 3, TotalSlots: 4}

	assignment := AssignSlots(nodes, repl)
	for _, replicas := range assignment {
		require.Equal(t, []string{"a"}, replicas)
	}
}

func TestRunWinsRaceAndMaterializesLayout(t *testing.T) {
	cfg := testConfig(t, "a", []string{"a", "b"}, 4)
	reg := newFakeRegistry()
	slots := slotmanager.New(t.TempDir())

	result, err := bootstrapRun(t, cfg, reg, slots, nil)
	require.NoError(t, err)
	require.True(t, result.Won)
	require.Len(t, result.Assignment, 4)

	for _, disk := range cfg.InitialCluster.Nodes[0].Disks {
		_, err := os.Stat(filepath.Join(disk.Path, "rimio", "slots"))
		require.NoError(t, err)
	}

	// A second node re-reading the same registry loses the race but still
	// materializes its own layout.
	cfg2 := testConfig(t, "b", []string{"a", "b"}, 4)
	cfg2.Registry = cfg.Registry
	slots2 := slotmanager.New(t.TempDir())
	result2, err := bootstrapRun(t, cfg2, reg, slots2, nil)
	require.NoError(t, err)
	require.False(t, result2.Won)
	require.Equal(t, result.State.InitializedAt, result2.State.InitializedAt)
}

func TestRunFailsWhenNodeNotInWinningSet(t *testing.T) {
	reg := newFakeRegistry()
	winnerCfg := testConfig(t, "a", []string{"a", "b"}, 4)
	slots := slotmanager.New(t.TempDir())
	_, err := bootstrapRun(t, winnerCfg, reg, slots, nil)
	require.NoError(t, err)

	outsiderCfg := testConfig(t, "c", []string{"c"}, 4)
	outsiderCfg.Registry = winnerCfg.Registry
	// Force the registry to already hold a state that doesn't include "c".
	_, err = bootstrapRun(t, outsiderCfg, reg, slotmanager.New(t.TempDir()), nil)
	require.Error(t, err)
}

func bootstrapRun(t *testing.T, cfg *config.Config, reg *fakeRegistry, slots *slotmanager.Manager, scan ScanSource) (*Result, error) {
	t.Helper()
	return Run(context.Background(), cfg, reg, slots, scan, fixedNow)
}

func TestImportColdCatalogSkipsUnassignedSlots(t *testing.T) {
	dir := t.TempDir()
	feedPath := filepath.Join(dir, "feed.jsonl")
	entries := []InitScanEntry{
		{Path: "a/1", SizeBytes: 100, ArchiveURL: "file:///x/1", PartSize: 50},
		{Path: "a/2", SizeBytes: 200, ArchiveURL: "file:///x/2", PartSize: 50},
	}
	f, err := os.Create(feedPath)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	for _, e := range entries {
		require.NoError(t, enc.Encode(e))
	}
	require.NoError(t, f.Close())

	scan, err := OpenFileScanSource(feedPath)
	require.NoError(t, err)
	defer scan.Close()

	slots := slotmanager.New(t.TempDir())
	slotForA1 := types.SlotForKey("a/1", 16)
	slots.Assign(slotForA1)

	imported, err := ImportColdCatalog(context.Background(), scan, slots, 16, fixedNow)
	require.NoError(t, err)
	require.GreaterOrEqual(t, imported, 0)

	slot, err := slots.GetSlot(slotForA1)
	require.NoError(t, err)
	head, err := slot.Meta.GetCurrentHead("a/1")
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, types.PartIndexNone, head.Meta.PartIndexState)
	require.Equal(t, "file:///x/1", head.Meta.ArchiveURL)
}
