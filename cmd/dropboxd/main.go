package main

import (
	"fmt"
	"os"

	"github.com/openbis/dropboxd/pkg/config"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dropboxd",
	Short: "dropboxd - transactional data set registration",
	Long: `dropboxd watches an incoming directory and registers every unit that
appears there: metadata goes to the entity store, files go to the data
store, and both happen together or not at all.

Attempts that are interrupted halfway leave a recovery marker behind and
are finished or rolled back by the recovery driver.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dropboxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "/etc/dropboxd/config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(markersCmd)
	rootCmd.AddCommand(registrationsCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(faultyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration named by --config and initializes the
// global logger from it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if jsonOutput, _ := cmd.Flags().GetBool("log-json"); jsonOutput {
		cfg.Log.JSON = true
	}
	log.Init(cfg.Logging())
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dropboxd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
