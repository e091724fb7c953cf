package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rimio/pkg/antientropy"
	"github.com/cuemby/rimio/pkg/archive"
	"github.com/cuemby/rimio/pkg/bootstrap"
	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/httpapi"
	"github.com/cuemby/rimio/pkg/log"
	"github.com/cuemby/rimio/pkg/metrics"
	"github.com/cuemby/rimio/pkg/registry"
	"github.com/cuemby/rimio/pkg/registry/embedded"
	"github.com/cuemby/rimio/pkg/repair"
	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/security"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/twopc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node: bootstrap if needed, then serve client and peer traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		return runServe(configPath, apiAddr)
	},
}

func init() {
	serveCmd.Flags().String("config", "rimio.yaml", "Path to the node's config file")
	serveCmd.Flags().String("api-addr", "0.0.0.0:7070", "Address the client/peer HTTP surface listens on")
}

func runServe(configPath, apiAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	nodeCfg, err := cfg.CurrentNodeConfig()
	if err != nil {
		return err
	}
	if len(nodeCfg.Disks) == 0 {
		return rimerr.New(rimerr.KindConfig, "current node has no disks configured")
	}

	nodeLog := log.WithNodeID(cfg.CurrentNode)
	nodeLog.Info().Msg("starting rimio node")
	metrics.SetNodeInfo(cfg.CurrentNode, Version)

	reg, err := registry.Build(cfg.Registry, cfg.CurrentNode, nodeCfg.BindAddr, func(nodeID, bindAddr string, ecfg config.EmbeddedConfig) (registry.Registry, error) {
		return embedded.Open(nodeID, bindAddr, ecfg)
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	slots := slotmanager.New(nodeCfg.Disks[0].Path)

	scan, err := bootstrap.OpenScanSource(cfg.InitScan)
	if err != nil {
		return err
	}
	if scan != nil {
		defer scan.Close()
	}

	result, err := bootstrap.Run(context.Background(), cfg, reg, slots, scan, time.Now)
	if err != nil {
		return err
	}
	nodeLog.Info().Bool("won_bootstrap_race", result.Won).Int("slots_owned", len(slots.AssignedSlots())).Msg("bootstrap complete")

	serverTLS, clientTLS, err := buildTLS(cfg, nodeCfg)
	if err != nil {
		return err
	}

	var client *clusterclient.Client
	if clientTLS != nil {
		client = clusterclient.NewTLS(clientTLS)
	} else {
		client = clusterclient.New()
	}

	resolve, addrResolve := peerResolvers(cfg.CurrentNode, result.State.Nodes)

	archiveStore, err := archive.Open(result.State.Archive)
	if err != nil {
		return err
	}

	participant := twopc.NewManager(cfg.CurrentNode, slots, twopc.DefaultPrepareTTL)
	if err := participant.Recover(); err != nil {
		return rimerr.Wrap(rimerr.KindStorage, err, "recovering staged transactions")
	}
	coordinator := twopc.NewCoordinator(cfg.CurrentNode, participant, client, resolve)
	repairEngine := repair.NewEngine(client, archiveStore, addrResolve)

	srv := httpapi.NewServer(cfg.CurrentNode, result.State.Replication.TotalSlots, result.State.Replication.MinWriteReplicas,
		slots, reg, coordinator, participant, repairEngine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := antientropy.NewLoop(cfg.CurrentNode, reg, slots, client, repairEngine, addrResolve)
	go func() {
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			nodeLog.Warn().Err(err).Msg("anti-entropy loop stopped")
		}
	}()

	go func() {
		ticker := time.NewTicker(twopc.DefaultPrepareTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				participant.ExpireStale(ctx)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(apiAddr, serverTLS)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return rimerr.Wrap(rimerr.KindStorage, err, "http server exited")
		}
	case <-sigCh:
		nodeLog.Info().Msg("shutdown signal received")
	}
	return nil
}

// buildTLS provisions (or loads) this node's certificate authority and
// node certificate when cfg.Security.EnableTLS is set, returning the
// server- and client-side TLS configs used for the authenticated channel
// required by §4.5. Returns (nil, nil, nil) when TLS is disabled, which
// leaves the node on plain HTTP for single-machine or test deployments.
func buildTLS(cfg *config.Config, nodeCfg config.InitialNodeConfig) (server, client *tls.Config, err error) {
	if cfg.Security == nil || !cfg.Security.EnableTLS {
		return nil, nil, nil
	}

	if serr := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.Security.ClusterID)); serr != nil {
		return nil, nil, rimerr.Wrap(rimerr.KindConfig, serr, "setting cluster encryption key")
	}

	certDir := cfg.Security.CertDir
	if certDir == "" {
		dir, derr := security.GetCertDir(cfg.CurrentNode)
		if derr != nil {
			return nil, nil, rimerr.Wrap(rimerr.KindConfig, derr, "resolving default cert directory")
		}
		certDir = dir
	}
	caDir := filepath.Join(certDir, "..", "ca")

	ca := security.NewCertAuthority()
	if lerr := ca.LoadFromDir(caDir); lerr != nil {
		if ierr := ca.Initialize(); ierr != nil {
			return nil, nil, rimerr.Wrap(rimerr.KindConfig, ierr, "initializing certificate authority")
		}
		if serr := ca.SaveToDir(caDir); serr != nil {
			return nil, nil, rimerr.Wrap(rimerr.KindStorage, serr, "persisting certificate authority")
		}
	}

	var ips []net.IP
	host, _, herr := net.SplitHostPort(nodeCfg.BindAddr)
	if herr == nil {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		}
	}
	nodeCert, cerr := ca.IssueNodeCertificate(cfg.CurrentNode, []string{host}, ips)
	if cerr != nil {
		return nil, nil, rimerr.Wrap(rimerr.KindConfig, cerr, "issuing node certificate")
	}
	if serr := security.SaveCertToFile(nodeCert, certDir); serr != nil {
		return nil, nil, rimerr.Wrap(rimerr.KindStorage, serr, "saving node certificate")
	}

	rootCert, perr := x509.ParseCertificate(ca.GetRootCACert())
	if perr != nil {
		return nil, nil, rimerr.Wrap(rimerr.KindConfig, perr, "parsing root CA certificate")
	}

	return security.ServerTLSConfig(nodeCert, rootCert), security.ClientTLSConfig(nodeCert, rootCert), nil
}

// peerResolvers builds the two address-resolution views the core needs
// from the agreed node list: the 2PC coordinator's resolver, whose second
// return distinguishes this process from a remote peer, and the plain
// node-to-address lookup repair and anti-entropy use.
func peerResolvers(localNodeID string, nodes []config.InitialNodeConfig) (twopc.Resolver, func(nodeID string) (string, bool)) {
	byID := make(map[string]string, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n.EffectiveAddress()
	}
	resolve := func(nodeID string) (string, bool, error) {
		addr, ok := byID[nodeID]
		if !ok {
			return "", false, rimerr.Newf(rimerr.KindTransport, "unknown node %q", nodeID)
		}
		return addr, nodeID == localNodeID, nil
	}
	addrResolve := func(nodeID string) (string, bool) {
		addr, ok := byID[nodeID]
		return addr, ok
	}
	return resolve, addrResolve
}
