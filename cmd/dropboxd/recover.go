package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one recovery pass over the pending attempts",
	Long: `Run one recovery pass and exit.

Every active recovery marker is examined once. Markers whose retry period
has not elapsed yet are skipped unless --force is given. Use this after
fixing whatever kept the entity store or the data store from finishing the
attempts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if force, _ := cmd.Flags().GetBool("force"); force {
			cfg.Retry.RecoveryRetryPeriod = 0
		}

		d, err := newDaemon(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		summary, err := d.driver.RunOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("recovery pass failed: %v", err)
		}

		if len(summary) == 0 {
			fmt.Println("No pending attempts")
			return nil
		}
		results := make([]string, 0, len(summary))
		for result := range summary {
			results = append(results, result)
		}
		sort.Strings(results)
		for _, result := range results {
			fmt.Printf("%-12s %d\n", result, summary[result])
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().Bool("force", false, "Ignore the retry period")
}
