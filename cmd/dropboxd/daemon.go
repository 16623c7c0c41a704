package main

import (
	"github.com/openbis/dropboxd/pkg/audit"
	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/config"
	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/faulty"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/health"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/registrator"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/script"
	"github.com/openbis/dropboxd/pkg/storage"
	"github.com/zeebo/errs"
)

// entityStore is what the daemon needs from either the remote client or the
// embedded ledger
type entityStore interface {
	remote.EntityStore
	Close() error
}

// daemon is the fully wired registration pipeline of one dropbox
type daemon struct {
	cfg     *config.Config
	store   entityStore
	markers *checkpoint.Manager
	journal *audit.Log
	faulty  *faulty.List
	monitor *health.Monitor
	service *registrator.Service
	driver  *registrator.RecoveryDriver
}

func newDaemon(cfg *config.Config) (_ *daemon, err error) {
	layout := cfg.Layout()
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if d.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	d.markers, err = checkpoint.NewManager(checkpoint.Config{
		Dir:           layout.Recovery,
		MaxRetryCount: cfg.Retry.RecoveryMaxRetryCount,
		RetryPeriod:   cfg.Retry.RecoveryRetryPeriod,
	})
	if err != nil {
		return nil, err
	}

	if d.journal, err = audit.Open(cfg.Audit.Path); err != nil {
		return nil, err
	}
	if d.faulty, err = faulty.Open(faultyPath(cfg)); err != nil {
		return nil, err
	}

	healthCfg := health.DefaultConfig()
	healthCfg.Interval = cfg.Health.CheckInterval
	d.monitor = health.NewMonitor(healthCfg)
	d.monitor.Add("directories", health.NewDirectoryChecker(layout.Dirs()...))
	d.monitor.Add("disk", health.NewDiskSpaceChecker(layout.Store, cfg.Health.MinFreeBytes))
	d.monitor.Add("entity-store", health.NewStoreChecker(d.store))

	program, err := loadProgram(cfg)
	if err != nil {
		return nil, err
	}
	onError, err := cfg.UnstoreActions()
	if err != nil {
		return nil, err
	}

	env := &registrator.Environment{
		DropboxName: cfg.Dropbox.Name,
		Layout:      layout,
		Store:       d.store,
		Markers:     d.markers,
		Health:      d.monitor,
		Policy:      cfg.Policy(),
		OnError:     onError,
		Faulty:      d.faulty,
		Journal:     d.journal,
	}
	d.service, err = registrator.NewService(env, program, registrator.Options{Prestage: cfg.Prestage()})
	if err != nil {
		return nil, err
	}
	d.driver = registrator.NewRecoveryDriver(d.service, cfg.Retry.RecoveryRetryPeriod)
	return d, nil
}

// openStore connects to the configured entity store, or opens the embedded
// ledger when no address is set
func openStore(cfg *config.Config) (entityStore, error) {
	logger := log.WithComponent("daemon")
	if cfg.Remote.Address != "" {
		logger.Info().Str("addr", cfg.Remote.Address).Msg("Using remote entity store")
		client, err := remote.NewClient(cfg.Remote.Address, cfg.Remote.Timeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	logger.Info().Str("data_dir", cfg.Remote.DataDir).Msg("Using embedded entity store")
	if _, err := fsops.MkdirAll(cfg.Remote.DataDir); err != nil {
		return nil, err
	}
	store, err := storage.NewBoltStore(cfg.Remote.DataDir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func loadProgram(cfg *config.Config) (dropbox.Program, error) {
	if cfg.Dropbox.Kind != config.KindScript {
		return dropbox.Lookup(cfg.Dropbox.Program)
	}
	program, err := script.Load(cfg.Dropbox.Script)
	if err != nil {
		return nil, err
	}
	return program, nil
}

// Close releases the store and the audit log
func (d *daemon) Close() error {
	var group errs.Group
	if d.journal != nil {
		group.Add(d.journal.Close())
	}
	if d.store != nil {
		group.Add(d.store.Close())
	}
	return group.Err()
}
