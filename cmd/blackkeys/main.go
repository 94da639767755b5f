// Command blackkeys forwards MIDI from the selected keyboards to a virtual bus,
// scaling down the velocity of notes played on black keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
	"github.com/leafo/blackkeys/internal/bridge"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/lockfile"
	"github.com/leafo/blackkeys/internal/metrics"
	"github.com/leafo/blackkeys/internal/mididrv"
	"github.com/leafo/blackkeys/internal/router"
	"github.com/leafo/blackkeys/internal/selection"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"golang.org/x/sync/errgroup"
)

func main() {
	err := realMain()
	if err != nil && !errors.Is(err, errHelp) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	var stdOut io.Writer
	if !cfg.Quiet && !cfg.List {
		stdOut = os.Stdout
	}
	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, stdOut)
	if err != nil {
		return err
	}
	defer logBknd.Close()
	log := logBknd.logger(subsysMain)
	if log.Level() <= slog.LevelDebug {
		log.Debugf("Config: %s", spew.Sdump(cfg))
	}

	ctx, cancel := shutdownListener()
	defer cancel()

	// A second instance would fight over the same devices and state.
	lockCtx, lockCancel := context.WithTimeout(ctx, time.Second)
	lock, err := lockfile.Create(lockCtx, filepath.Join(cfg.DataDir, appName+".lock"))
	lockCancel()
	if err != nil {
		return fmt.Errorf("unable to lock %s (is another instance running?): %w",
			cfg.DataDir, err)
	}
	defer lock.Close()

	db, err := selection.OpenLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return err
	}
	defer db.Close()

	drv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("failed to create MIDI driver: %w", err)
	}
	transport, err := mididrv.New(drv, mididrv.Config{
		VirtualOutput: cfg.VirtualOutput,
		Log:           logBknd.logger(subsysDriver),
	})
	if err != nil {
		drv.Close()
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warnf("Unable to close MIDI driver: %v", err)
		}
	}()

	cat := catalog.New(catalog.Config{
		Transport:         transport,
		VirtualBusMarkers: cfg.VirtualBusMarkers,
		Log:               logBknd.logger(subsysCatalog),
	})
	stats := metrics.New()
	ctrl := router.New(router.Config{
		Catalog:   cat,
		Transport: transport,
		State:     selection.New(db),
		Stats:     stats,
		Log:       logBknd.logger(subsysRouter),
	})

	if cfg.List {
		// Nothing is connected before Start.
		return newConsole(ctrl, nil, os.Stdout, log).printDevices()
	}

	if err := ctrl.Start(); err != nil {
		return err
	}
	defer ctrl.Close()
	log.Infof("Routing with black key velocity at %d%%", ctrl.VelocityScalePercent())

	g, gctx := errgroup.WithContext(ctx)
	watcher := bridge.New(bridge.Config{
		Endpoints:    transport,
		Handler:      ctrl,
		WatchPaths:   cfg.WatchPaths,
		PollInterval: cfg.pollInterval,
		Log:          logBknd.logger(subsysBridge),
	})
	g.Go(func() error { return watcher.Run(gctx) })

	if !cfg.NoConsole {
		cons := newConsole(ctrl, os.Stdin, os.Stdout, logBknd.logger(subsysConsole))
		g.Go(func() error { return cons.run(gctx) })
	}

	if cfg.ListenPrometheus != "" {
		server := &http.Server{
			Addr:              cfg.ListenPrometheus,
			Handler:           stats.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", cfg.ListenPrometheus)
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			return server.Shutdown(shutCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Infof("Shutting down")
	return err
}
