package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/modsync/src/config"
	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/finder"
	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Reconcile modules and serve the admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "admin API listen address (empty disables it)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logs.Warnf("shutdown: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bus.Run(gctx, a.listener) })

	if cfg.WatchDeployDirs {
		watcher, err := finder.NewWatcher(a.registry, finder.WatcherConfig{
			Dirs:         cfg.DeployDirs(),
			OnRegistered: publishRegistered(gctx, a.bus),
		})
		if err != nil {
			a.bus.Close()
			return errors.Join(err, g.Wait())
		}
		// registrations found by the initial scan queue ahead of Started,
		// so startup reconciliation sees what the runtime already runs
		watcher.Scan()
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if err := a.bus.Publish(gctx, events.Started{}); err != nil {
		a.bus.Close()
		return errors.Join(err, g.Wait())
	}

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           newAPI(a.store, a.bus, a.registry).routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logs.Infof("Admin API listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logs.Infof("Node %s serving modules (staging %s)", cfg.NodeID, cfg.StagingDir)
	err = g.Wait()
	logs.Infof("Node %s stopped", cfg.NodeID)
	return err
}

// publishRegistered turns watcher registrations into bus events so the
// listener handles them in order with every other event.
func publishRegistered(ctx context.Context, bus publisher) func(string, module.Type) {
	return func(fileName string, t module.Type) {
		ev := events.ModuleRegistered{FileName: fileName, Type: t}
		if err := bus.Publish(ctx, ev); err != nil {
			logs.Warnf("failed to publish %s: %v", ev, err)
		}
	}
}
