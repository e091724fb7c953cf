package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/rimerr"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const validConfig = `
current_node: node-a
registry:
  backend: embedded
  embedded:
    raft_dir: /tmp/raft
initial_cluster:
  nodes:
    - node_id: node-a
      bind_addr: 127.0.0.1:9000
      disks:
        - path: /tmp/disk-a
  replication:
    min_write_replicas: 1
    total_slots: 2048
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.CurrentNode)
	require.Equal(t, uint32(2048), cfg.InitialCluster.Replication.TotalSlots)
}

func TestLoadRejectsCurrentNodeNotInCluster(t *testing.T) {
	path := writeConfig(t, `
current_node: node-z
registry:
  backend: embedded
  embedded:
    raft_dir: /tmp/raft
initial_cluster:
  nodes:
    - node_id: node-a
      bind_addr: 127.0.0.1:9000
      disks:
        - path: /tmp/disk-a
  replication:
    min_write_replicas: 1
    total_slots: 2048
`)
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, rimerr.Is(err, rimerr.KindConfig))
}

func TestValidateRejectsZeroTotalSlots(t *testing.T) {
	path := writeConfig(t, `
current_node: node-a
registry:
  backend: embedded
  embedded:
    raft_dir: /tmp/raft
initial_cluster:
  nodes:
    - node_id: node-a
      bind_addr: 127.0.0.1:9000
      disks:
        - path: /tmp/disk-a
  replication:
    min_write_replicas: 1
    total_slots: 0
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateFailsClosedOnUnimplementedRegistryBackend(t *testing.T) {
	path := writeConfig(t, `
current_node: node-a
registry:
  backend: etcd
initial_cluster:
  nodes:
    - node_id: node-a
      bind_addr: 127.0.0.1:9000
      disks:
        - path: /tmp/disk-a
  replication:
    min_write_replicas: 1
    total_slots: 2048
`)
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, rimerr.Is(err, rimerr.KindConfig))
}

func TestValidateFailsClosedOnS3Archive(t *testing.T) {
	path := writeConfig(t, validConfig+`
archive:
  type: s3
  s3:
    bucket: x
    region: y
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEffectiveAddressPrefersAdvertise(t *testing.T) {
	n := InitialNodeConfig{BindAddr: "127.0.0.1:9000", AdvertiseAddr: "10.0.0.1:9000"}
	require.Equal(t, "10.0.0.1:9000", n.EffectiveAddress())

	n2 := InitialNodeConfig{BindAddr: "127.0.0.1:9000"}
	require.Equal(t, "127.0.0.1:9000", n2.EffectiveAddress())
}

func TestLocalBootstrapStateCarriesClusterShape(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	state := cfg.LocalBootstrapState("2026-01-01T00:00:00Z")
	require.Equal(t, "node-a", state.InitializedBy)
	require.Equal(t, cfg.InitialCluster.Nodes, state.Nodes)
	require.Equal(t, cfg.InitialCluster.Replication, state.Replication)
}
