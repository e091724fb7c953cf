// Package config loads the node's static configuration: its own identity,
// the initial cluster shape used for bootstrap, replication parameters,
// the coordination registry backend, and optional archive settings. Once
// loaded a Config is treated as immutable for the life of the process, per
// the concurrency model's requirement that configuration never changes
// after bootstrap.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rimio/pkg/rimerr"
)

// RegistryBackend names which Coordination Registry implementation a node
// uses. Only BackendEmbedded is implemented; the others are accepted so
// config files can name an intended backend and fail closed with a clear
// error rather than being silently rejected by the YAML parser.
type RegistryBackend string

const (
	BackendEmbedded RegistryBackend = "embedded"
	BackendEtcd     RegistryBackend = "etcd"
	BackendRedis    RegistryBackend = "redis"
)

// RegistryConfig selects and configures the coordination registry backend.
type RegistryConfig struct {
	Backend   RegistryBackend `yaml:"backend"`
	Namespace string          `yaml:"namespace,omitempty"`
	Embedded  *EmbeddedConfig `yaml:"embedded,omitempty"`
	Etcd      *EtcdConfig     `yaml:"etcd,omitempty"`
	Redis     *RedisConfig    `yaml:"redis,omitempty"`
}

// NamespaceOrDefault returns the configured namespace, or "default" if unset.
func (r RegistryConfig) NamespaceOrDefault() string {
	if strings.TrimSpace(r.Namespace) == "" {
		return "default"
	}
	return r.Namespace
}

// EmbeddedConfig configures the raft+bbolt coordination registry.
type EmbeddedConfig struct {
	RaftDir   string   `yaml:"raft_dir"`
	Bootstrap bool     `yaml:"bootstrap"`
	JoinPeers []string `yaml:"join_peers,omitempty"`
}

// EtcdConfig is accepted but not implemented; see pkg/registry.Build.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// RedisConfig is accepted but not implemented; see pkg/registry.Build.
type RedisConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size,omitempty"`
}

// DiskConfig names a directory this node stores slot data under.
type DiskConfig struct {
	Path string `yaml:"path"`
}

// InitialNodeConfig is one member of the cluster as named in the bootstrap
// manifest every node starts from.
type InitialNodeConfig struct {
	NodeID        string       `yaml:"node_id"`
	BindAddr      string       `yaml:"bind_addr"`
	AdvertiseAddr string       `yaml:"advertise_addr,omitempty"`
	Disks         []DiskConfig `yaml:"disks"`
}

// EffectiveAddress returns AdvertiseAddr if set, else BindAddr.
func (n InitialNodeConfig) EffectiveAddress() string {
	if n.AdvertiseAddr != "" {
		return n.AdvertiseAddr
	}
	return n.BindAddr
}

// ReplicationConfig governs how many slots exist and how many replicas a
// write must reach before acknowledging.
type ReplicationConfig struct {
	MinWriteReplicas int    `yaml:"min_write_replicas"`
	TotalSlots       uint32 `yaml:"total_slots"`
}

// DefaultReplicationConfig mirrors the original implementation's defaults.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{MinWriteReplicas: 3, TotalSlots: 2048}
}

// InitialClusterConfig is the bootstrap manifest: who the founding members
// are and how replication is parameterized. Every founding node must load
// byte-identical copies, since the registry's first-writer-wins bootstrap
// only breaks ties between identical proposals gracefully.
type InitialClusterConfig struct {
	Nodes       []InitialNodeConfig `yaml:"nodes"`
	Replication ReplicationConfig   `yaml:"replication"`
}

// ArchiveConfig configures the optional archive fallback used by the
// Read/Repair Engine when local and peer copies of a part are unavailable.
type ArchiveConfig struct {
	Type string    `yaml:"type"` // "http", "file", "s3"
	S3   *S3Config `yaml:"s3,omitempty"`
}

// S3Config is accepted but not implemented; see pkg/archive.Open.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key_id"`
	SecretKey string `yaml:"secret_access_key"`
}

// SecurityConfig enables the mTLS "authenticated channel" required by
// §4.5 for every peer-RPC connection. ClusterID seeds the key that
// protects the local certificate authority's root key at rest; every
// founding node must configure the same value.
type SecurityConfig struct {
	EnableTLS bool   `yaml:"enable_tls"`
	ClusterID string `yaml:"cluster_id"`
	CertDir   string `yaml:"cert_dir,omitempty"`
}

// InitScanConfig enables cold-catalog import during bootstrap.
type InitScanConfig struct {
	Enabled bool            `yaml:"enabled"`
	File    *FileScanConfig `yaml:"file,omitempty"`
}

// FileScanConfig points at a JSON-lines file of InitScanEntry records,
// the concrete ScanSource implementation this repo ships (see
// pkg/bootstrap).
type FileScanConfig struct {
	Path string `yaml:"path"`
}

// Config is a node's full static configuration as loaded from disk.
type Config struct {
	CurrentNode    string               `yaml:"current_node"`
	Registry       RegistryConfig       `yaml:"registry"`
	InitialCluster InitialClusterConfig `yaml:"initial_cluster"`
	Archive        *ArchiveConfig       `yaml:"archive,omitempty"`
	InitScan       *InitScanConfig      `yaml:"init_scan,omitempty"`
	Security       *SecurityConfig      `yaml:"security,omitempty"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindConfig, err, "reading config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, rimerr.Wrap(rimerr.KindConfig, err, "parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants that must hold before this config
// is used to drive bootstrap or normal operation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CurrentNode) == "" {
		return rimerr.New(rimerr.KindConfig, "current_node is required")
	}
	if len(c.InitialCluster.Nodes) == 0 {
		return rimerr.New(rimerr.KindConfig, "initial_cluster.nodes must not be empty")
	}
	found := false
	for _, n := range c.InitialCluster.Nodes {
		if n.NodeID == c.CurrentNode {
			found = true
			break
		}
	}
	if !found {
		return rimerr.Newf(rimerr.KindConfig, "current_node %q not found in initial_cluster.nodes", c.CurrentNode)
	}
	if c.InitialCluster.Replication.TotalSlots == 0 {
		return rimerr.New(rimerr.KindConfig, "initial_cluster.replication.total_slots must be > 0")
	}
	if c.InitialCluster.Replication.MinWriteReplicas < 1 {
		return rimerr.New(rimerr.KindConfig, "initial_cluster.replication.min_write_replicas must be >= 1")
	}

	switch c.Registry.Backend {
	case BackendEmbedded:
		if c.Registry.Embedded == nil {
			return rimerr.New(rimerr.KindConfig, "registry.embedded is required when backend is \"embedded\"")
		}
	case BackendEtcd, BackendRedis:
		return rimerr.Newf(rimerr.KindConfig, "registry backend %q is named but not implemented in this build", c.Registry.Backend)
	default:
		return rimerr.Newf(rimerr.KindConfig, "unknown registry backend %q", c.Registry.Backend)
	}

	if c.Security != nil && c.Security.EnableTLS && strings.TrimSpace(c.Security.ClusterID) == "" {
		return rimerr.New(rimerr.KindConfig, "security.cluster_id is required when security.enable_tls is true")
	}

	if c.Archive != nil {
		switch c.Archive.Type {
		case "http", "https", "file":
		case "s3":
			return rimerr.New(rimerr.KindConfig, "archive type \"s3\" is named but not implemented in this build")
		default:
			return rimerr.Newf(rimerr.KindConfig, "unknown archive type %q", c.Archive.Type)
		}
	}

	return nil
}

// CurrentNodeConfig returns the InitialNodeConfig matching CurrentNode.
func (c *Config) CurrentNodeConfig() (InitialNodeConfig, error) {
	for _, n := range c.InitialCluster.Nodes {
		if n.NodeID == c.CurrentNode {
			return n, nil
		}
	}
	return InitialNodeConfig{}, rimerr.Newf(rimerr.KindConfig, "current_node %q not found in initial_cluster.nodes", c.CurrentNode)
}

// BootstrapState is the single value the Coordination Registry's
// first-writer-wins bootstrap race decides between all founding nodes'
// proposals. Whichever proposal is accepted becomes binding for every
// node, including ones that proposed a different (but presumably
// identical, if operators configured the cluster correctly) value.
type BootstrapState struct {
	InitializedAt string              `yaml:"initialized_at" json:"initialized_at"`
	CurrentNode   string              `yaml:"current_node" json:"current_node"`
	Nodes         []InitialNodeConfig `yaml:"nodes" json:"nodes"`
	Replication   ReplicationConfig   `yaml:"replication" json:"replication"`
	Archive       *ArchiveConfig      `yaml:"archive,omitempty" json:"archive,omitempty"`
	InitializedBy string              `yaml:"initialized_by" json:"initialized_by"`
}

// LocalBootstrapState builds the proposal this node submits to the
// registry during bootstrap, stamped with initializedAt (caller-supplied
// since this package never calls time.Now() on behalf of the caller's
// clock policy).
func (c *Config) LocalBootstrapState(initializedAt string) BootstrapState {
	return BootstrapState{
		InitializedAt: initializedAt,
		CurrentNode:   c.CurrentNode,
		Nodes:         c.InitialCluster.Nodes,
		Replication:   c.InitialCluster.Replication,
		Archive:       c.Archive,
		InitializedBy: c.CurrentNode,
	}
}
