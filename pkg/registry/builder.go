package registry

import (
	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/rimerr"
)

// EmbeddedOpener constructs the embedded raft+bbolt Registry. It is a
// function value rather than a direct import so this package does not
// depend on pkg/registry/embedded (which itself depends on this package
// for the Registry/SlotEvent types).
type EmbeddedOpener func(nodeID, bindAddr string, cfg config.EmbeddedConfig) (Registry, error)

// Build constructs a Registry for the configured backend, failing closed
// on any backend this build does not actually implement. Grounded on
// rimio-core's RegistryBuilder::build, which rejects unconfigured or
// unrecognized backends rather than silently degrading.
func Build(cfg config.RegistryConfig, nodeID, bindAddr string, openEmbedded EmbeddedOpener) (Registry, error) {
	switch cfg.Backend {
	case config.BackendEmbedded:
		if cfg.Embedded == nil {
			return nil, rimerr.New(rimerr.KindConfig, "registry.embedded configuration is required for backend \"embedded\"")
		}
		return openEmbedded(nodeID, bindAddr, *cfg.Embedded)

	case config.BackendEtcd:
		return nil, rimerr.New(rimerr.KindConfig, "registry backend \"etcd\" is named but not implemented in this build")

	case config.BackendRedis:
		return nil, rimerr.New(rimerr.KindConfig, "registry backend \"redis\" is named but not implemented in this build")

	default:
		return nil, rimerr.Newf(rimerr.KindConfig, "unsupported registry backend %q", cfg.Backend)
	}
}
