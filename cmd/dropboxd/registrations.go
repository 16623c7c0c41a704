package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/openbis/dropboxd/pkg/audit"
	"github.com/spf13/cobra"
)

// Registration history commands
var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "Browse the registration audit log",
}

var registrationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registration attempts, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		journal, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer journal.Close()

		records, err := journal.List(cmd.Context(), state, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No registrations")
			return nil
		}

		fmt.Printf("%-36s %-24s %-17s %-8s %-5s %s\n", "ATTEMPT", "INCOMING", "STATE", "REG ID", "TRIES", "STARTED")
		for _, r := range records {
			fmt.Printf("%-36s %-24s %-17s %-8d %-5d %s\n",
				r.AttemptID, r.Incoming, r.State, r.RegistrationID, r.Attempts, humanize.Time(r.StartedAt))
			if r.LastError != "" {
				fmt.Printf("  error: %s\n", r.LastError)
			}
		}
		return nil
	},
}

var registrationsShowCmd = &cobra.Command{
	Use:   "show ATTEMPT",
	Short: "Print the event log of one attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		journal, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer journal.Close()

		events, err := journal.Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no events for attempt %s", args[0])
		}
		for _, e := range events {
			fmt.Printf("%s  %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Message)
		}
		return nil
	},
}

func init() {
	registrationsListCmd.Flags().String("state", "", "Only list attempts in this state (running, committed, rolled_back, recovery_pending, abandoned)")
	registrationsListCmd.Flags().Int("limit", 50, "Maximum number of attempts to list")

	registrationsCmd.AddCommand(registrationsListCmd)
	registrationsCmd.AddCommand(registrationsShowCmd)
}
