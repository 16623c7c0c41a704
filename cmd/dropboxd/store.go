package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/storage"
	"github.com/spf13/cobra"
)

// Entity store commands
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Run or inspect the entity store ledger",
}

var storeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the entity store ledger over gRPC",
	Long: `Serve the BoltDB entity store ledger over gRPC, so that dropbox daemons
configured with remote.address share one ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		addr, _ := cmd.Flags().GetString("addr")
		level, _ := cmd.Flags().GetString("log-level")
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOutput, Output: os.Stderr})

		if _, err := fsops.MkdirAll(dataDir); err != nil {
			return err
		}
		ledger, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open entity store: %v", err)
		}
		defer ledger.Close()

		server := remote.NewServer(ledger)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(addr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutting down entity store")
			server.Stop()
			return nil
		case err := <-errCh:
			return err
		}
	},
}

var storeDataSetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List the data sets of a local ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		ledger, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open entity store: %v", err)
		}
		defer ledger.Close()

		records, err := ledger.ListDataSets()
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-12s %-8s %-10s %s\n", "CODE", "TYPE", "REG ID", "STORED", "SAMPLE")
		for _, r := range records {
			fmt.Printf("%-24s %-12s %-8d %-10t %s\n", r.Code, r.Type, r.RegistrationID, r.StorageConfirmed, r.SampleIdentifier)
		}
		return nil
	},
}

func init() {
	storeServeCmd.Flags().String("data-dir", "/var/lib/dropboxd/entities", "Directory of the ledger database")
	storeServeCmd.Flags().String("addr", "127.0.0.1:7070", "gRPC listen address")
	storeDataSetsCmd.Flags().String("data-dir", "/var/lib/dropboxd/entities", "Directory of the ledger database")

	storeCmd.AddCommand(storeServeCmd)
	storeCmd.AddCommand(storeDataSetsCmd)
}
