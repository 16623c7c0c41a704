package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbis/dropboxd/pkg/api"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/openbis/dropboxd/pkg/scanner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the registration daemon",
	Long: `Run the registration daemon.

On startup the daemon rolls back the dead transactions of earlier runs
that left no recovery marker, then scans the incoming directory, serves
the operator API and retries interrupted attempts until it is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
			cfg.API.Addr = addr
		}

		d, err := newDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to start dropbox %s: %v", cfg.Dropbox.Name, err)
		}
		defer d.Close()

		logger := log.WithComponent("daemon").With().Str("dropbox", cfg.Dropbox.Name).Logger()
		metrics.SetVersion(Version)
		metrics.SetCriticalComponents("scanner", "recovery")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cleaned, err := d.service.CleanupDeadAttempts(ctx)
		if err != nil {
			return fmt.Errorf("failed to clean up dead transactions: %v", err)
		}
		logger.Info().Int("rolled_back", cleaned).Msg("Dead transactions cleaned up")

		d.monitor.Start()
		defer d.monitor.Stop()

		collector := metrics.NewCollector(d.markers, 15*time.Second, log.WithComponent("metrics"))
		collector.Start()
		defer collector.Stop()

		d.driver.Start(ctx)
		defer d.driver.Stop()
		metrics.UpdateComponent("recovery", true, "running")

		scan := scanner.New(scanner.Config{
			Dir:                 cfg.Paths.Incoming,
			Interval:            cfg.Scan.Interval,
			UseIsFinishedMarker: cfg.Dropbox.UseIsFinishedMarker,
		}, d.service, d.faulty)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			metrics.UpdateComponent("scanner", true, "running")
			err := scan.Run(ctx)
			if err != nil {
				metrics.UpdateComponent("scanner", false, err.Error())
			}
			return err
		})
		g.Go(func() error {
			server := api.NewHealthServer(d.monitor, d.markers, Version)
			logger.Info().Str("addr", cfg.API.Addr).Msg("Operator API listening")
			return server.Serve(ctx, cfg.API.Addr)
		})

		logger.Info().
			Str("incoming", cfg.Paths.Incoming).
			Bool("prestage", cfg.Prestage()).
			Msg("Dropbox is running")

		if err := g.Wait(); err != nil {
			logger.Error().Err(err).Msg("Stopped with error")
			return err
		}

		logger.Info().Msg("Shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("api-addr", "", "Operator API address; overrides the configuration")
}
