package main

import (
	"fmt"
	"path/filepath"

	"github.com/openbis/dropboxd/pkg/config"
	"github.com/openbis/dropboxd/pkg/faulty"
	"github.com/spf13/cobra"
)

// Faulty path commands
var faultyCmd = &cobra.Command{
	Use:   "faulty",
	Short: "Manage incoming paths the scanner skips",
}

var faultyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List faulty paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openFaulty(cmd)
		if err != nil {
			return err
		}
		for _, path := range list.Paths() {
			fmt.Println(path)
		}
		return nil
	},
}

var faultyAddCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Keep an incoming path from being picked up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openFaulty(cmd)
		if err != nil {
			return err
		}
		return list.Add(args[0])
	},
}

var faultyRemoveCmd = &cobra.Command{
	Use:   "remove PATH",
	Short: "Let the scanner pick an incoming path up again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openFaulty(cmd)
		if err != nil {
			return err
		}
		return list.Remove(args[0])
	},
}

func init() {
	faultyCmd.AddCommand(faultyListCmd)
	faultyCmd.AddCommand(faultyAddCmd)
	faultyCmd.AddCommand(faultyRemoveCmd)
}

func openFaulty(cmd *cobra.Command) (*faulty.List, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return faulty.Open(faultyPath(cfg))
}

func faultyPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.Incoming, faulty.FileName)
}
