package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/rimio/pkg/bootstrap"
	"github.com/cuemby/rimio/pkg/config"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and preview cluster topology",
}

func init() {
	clusterInitCmd.Flags().String("config", "rimio.yaml", "Path to the node's config file")
	clusterNodesCmd.Flags().String("addr", "localhost:7070", "Node API address")

	clusterCmd.AddCommand(clusterInitCmd, clusterNodesCmd)
}

// clusterInitCmd validates a config file and previews the slot assignment
// §4.8's AssignSlots would produce for it, without contacting the
// coordination registry. The actual bootstrap race runs automatically the
// first time a node executes `rimio serve`; this is an operator's
// pre-flight check that every founding node's config agrees before any of
// them race to propose it.
var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Validate a config file and preview its slot assignment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		assignment := bootstrap.AssignSlots(cfg.InitialCluster.Nodes, cfg.InitialCluster.Replication)
		perNode := make(map[string]int)
		for _, replicas := range assignment {
			for _, nodeID := range replicas {
				perNode[nodeID]++
			}
		}

		fmt.Printf("config valid: %d founding nodes, %d total slots, min_write_replicas=%d\n",
			len(cfg.InitialCluster.Nodes), cfg.InitialCluster.Replication.TotalSlots, cfg.InitialCluster.Replication.MinWriteReplicas)

		nodeIDs := make([]string, 0, len(perNode))
		for id := range perNode {
			nodeIDs = append(nodeIDs, id)
		}
		sort.Strings(nodeIDs)
		for _, id := range nodeIDs {
			fmt.Printf("  %s: %d slot replicas\n", id, perNode[id])
		}
		return nil
	},
}

var clusterNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the node set a running node sees in the coordination registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		u := fmt.Sprintf("http://%s/nodes", addr)
		resp, err := apiRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return drainError(resp)
		}

		var out struct {
			Nodes []struct {
				NodeID  string `json:"node_id"`
				Address string `json:"address"`
				Status  string `json:"status"`
			} `json:"nodes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		for _, n := range out.Nodes {
			fmt.Printf("%s\t%s\t%s\n", n.NodeID, n.Address, n.Status)
		}
		return nil
	},
}
