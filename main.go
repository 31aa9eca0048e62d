package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ethbridge/config"
	"ethbridge/internal/logging"
	"ethbridge/internal/management"
	"ethbridge/internal/state"
)

func main() {
	var cfgPath string
	var printExample bool
	flag.StringVar(&cfgPath, "config", "ethbridge.yaml", "Path to configuration file (or '-' for JSON on stdin)")
	flag.BoolVar(&printExample, "example", false, "Print an example configuration and exit")
	flag.Parse()

	if printExample {
		fmt.Print(config.Example())
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	baseLogger, output, err := logging.Open(logging.ParseLevel(cfg.NormalisedLevel()), cfg.Logging.Output)
	if err != nil {
		log.Fatalf("failed to open log output: %v", err)
	}
	defer output.Close()
	logger := baseLogger.With(logging.Fields{"component": "ethbridge"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath, cfg, baseLogger); err != nil {
		logger.Error("exit", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, cfg *config.Config, baseLogger *logging.Logger) error {
	logger := baseLogger.With(logging.Fields{"component": "ethbridge"})

	d := newDaemon(cfg, baseLogger)
	if err := d.start(ctx); err != nil {
		d.close()
		return err
	}
	defer d.close()

	reloadTracker := state.NewReloadTracker(10)
	mgmt, err := management.New(cfg.Management.Bind, func() interface{} {
		snapshot := d.snapshot()
		snapshot["reloads"] = reloadTracker.History()
		return snapshot
	}, logger,
		management.WithMetrics(d.metrics),
		management.WithACL(cfg.ManagementPrefixes()),
		management.WithAddressHandler(d.setAddress),
	)
	if err != nil {
		return err
	}
	mgmt.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := mgmt.Close(shutdownCtx); err != nil {
			logger.Warn("management server close error", logging.Fields{"error": err.Error()})
		}
	}()

	startConfigWatcher(ctx, cfgPath, logger, reloadTracker, func(updated *config.Config) {
		var changes []string
		mgmt.SetACL(updated.ManagementPrefixes())
		changes = append(changes, "management_acl")
		if updated.NormalisedLevel() != cfg.NormalisedLevel() {
			baseLogger.SetLevel(logging.ParseLevel(updated.NormalisedLevel()))
			changes = append(changes, "log_level")
		}
		// Interfaces, drivers and queue sizes are fixed for the life of the
		// process.
		cfg = updated
		reloadTracker.RecordSuccess(changes)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received", nil)
	return nil
}

const configWatchInterval = 5 * time.Second

func startConfigWatcher(ctx context.Context, path string, logger *logging.Logger, tracker *state.ReloadTracker, apply func(*config.Config)) {
	if path == "" || path == "-" || apply == nil {
		return
	}
	info, err := os.Stat(path)
	lastMod := time.Time{}
	if err != nil {
		logger.Warn("config watcher stat failed", logging.Fields{"error": err.Error(), "path": path})
	} else {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(configWatchInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					logger.Warn("config watcher stat failed", logging.Fields{"error": err.Error(), "path": path})
					continue
				}
				mod := info.ModTime()
				if !mod.After(lastMod) {
					continue
				}
				lastMod = mod
				cfg, err := config.Load(path)
				if err != nil {
					logger.Warn("config reload failed", logging.Fields{"error": err.Error()})
					if tracker != nil {
						tracker.RecordFailure(err)
					}
					continue
				}
				apply(cfg)
				logger.Info("config reloaded", logging.Fields{"path": path})
			}
		}
	}()
}
