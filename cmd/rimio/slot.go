package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Inspect slot assignment",
}

func init() {
	slotInspectCmd.Flags().String("addr", "localhost:7070", "Node API address")
	slotCmd.AddCommand(slotInspectCmd)
}

var slotInspectCmd = &cobra.Command{
	Use:   "inspect <slot_id>",
	Short: "Show a slot's replica assignment, per the registry queried through addr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if _, err := strconv.ParseUint(args[0], 10, 32); err != nil {
			return fmt.Errorf("slot_id must be an integer: %w", err)
		}

		u := fmt.Sprintf("http://%s/slots/%s", addr, args[0])
		resp, err := apiRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return drainError(resp)
		}

		var info struct {
			SlotID   uint32   `json:"slot_id"`
			Replicas []string `json:"replicas"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		fmt.Printf("slot %d replicas: %v\n", info.SlotID, info.Replicas)
		return nil
	},
}
