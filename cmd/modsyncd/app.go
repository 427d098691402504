package main

import (
	"errors"
	"fmt"

	"github.com/danmuck/modsync/src/audit"
	"github.com/danmuck/modsync/src/config"
	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/finder"
	"github.com/danmuck/modsync/src/listener"
	"github.com/danmuck/modsync/src/module_store"
	"github.com/danmuck/modsync/src/staging"
)

// app holds the components of a running node.
type app struct {
	cfg       config.Config
	store     *module_store.Store
	auditFile *audit.FileSink
	installer *staging.Installer
	registry  *finder.Registry
	listener  *listener.Listener
	bus       *events.Bus
}

func openStore(cfg config.Config) (*module_store.Store, error) {
	storeCfg := module_store.DefaultConfig(cfg.StorageDir, cfg.NodeID)
	storeCfg.UploadEnabled = cfg.UploadEnabled
	storeCfg.Verbose = cfg.Verbose
	return module_store.Open(storeCfg)
}

func newApp(cfg config.Config) (*app, error) {
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open module store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		registry: finder.NewRegistry(),
		bus:      events.NewBus(cfg.EventBuffer),
	}

	var sink audit.Sink = audit.LogSink{}
	if cfg.AuditLog != "" {
		fileSink, err := audit.OpenFileSink(cfg.AuditLog)
		if err != nil {
			return nil, err
		}
		a.auditFile = fileSink
		sink = audit.Multi(audit.LogSink{}, fileSink)
	}

	a.installer = staging.NewInstaller(cfg, store,
		staging.WithAudit(sink),
		staging.WithNodeID(cfg.NodeID),
	)
	a.listener = listener.New(store, a.installer, a.registry,
		listener.WithTransactor(store),
		listener.WithAudit(sink),
		listener.WithNodeID(cfg.NodeID),
	)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	a.bus.Close()
	if err := a.installer.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.auditFile != nil {
		if err := a.auditFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
