package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/openbis/dropboxd/pkg/api"
	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/config"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/spf13/cobra"
)

// Marker commands
var markersCmd = &cobra.Command{
	Use:   "markers",
	Short: "Inspect recovery markers",
}

var markersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active and quarantined recovery markers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		markers, err := openMarkers(cfg)
		if err != nil {
			return err
		}

		infos, err := api.ListMarkers(markers)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No recovery markers")
			return nil
		}

		fmt.Printf("%-30s %-12s %-18s %-8s %-6s %s\n", "INCOMING", "STATE", "STAGE", "REG ID", "TRIES", "LAST TRY")
		for _, info := range infos {
			if info.Error != "" {
				fmt.Printf("%-30s %-12s unreadable: %s\n", info.Incoming, info.State, info.Error)
				continue
			}
			lastTry := "never"
			if info.LastTry != nil {
				lastTry = humanize.Time(*info.LastTry)
			}
			fmt.Printf("%-30s %-12s %-18s %-8d %-6d %s\n",
				info.Incoming, info.State, info.Stage, info.RegistrationID, info.TryCount, lastTry)
		}
		return nil
	},
}

var markersShowCmd = &cobra.Command{
	Use:   "show INCOMING",
	Short: "Print the checkpoint of an incoming unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		markers, err := openMarkers(cfg)
		if err != nil {
			return err
		}

		marker := markers.MarkerPath(args[0])
		if !fsops.Exists(marker) {
			marker = checkpoint.ErrorMarkerPath(marker)
		}
		cp, err := markers.ExtractRecoveryCheckpoint(marker)
		if err != nil {
			return fmt.Errorf("no readable recovery marker for %s: %v", args[0], err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	},
}

func init() {
	markersCmd.AddCommand(markersListCmd)
	markersCmd.AddCommand(markersShowCmd)
}

func openMarkers(cfg *config.Config) (*checkpoint.Manager, error) {
	return checkpoint.NewManager(checkpoint.Config{
		Dir:           cfg.Paths.Recovery,
		MaxRetryCount: cfg.Retry.RecoveryMaxRetryCount,
		RetryPeriod:   cfg.Retry.RecoveryRetryPeriod,
	})
}
