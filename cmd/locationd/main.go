package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	locationd "github.com/i5heu/locationd"
	"github.com/i5heu/locationd/config"
	"github.com/i5heu/locationd/internal/localblob"
	"github.com/i5heu/locationd/pkg/model"
)

func main() {
	cfg := parseFlags()

	logger := logrus.New()
	if cfg.debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	logger.WithFields(logrus.Fields{
		"configPath": cfg.configPath,
		"location":   cfg.location,
		"debug":      cfg.debug,
	}).Info("starting locationd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("locationd exited with error")
		os.Exit(1)
	}
}

// daemonConfig holds the parsed command line configuration.
type daemonConfig struct {
	configPath string
	location   string
	debug      bool
}

func parseFlags() daemonConfig {
	cfg := daemonConfig{}

	flag.StringVar(&cfg.configPath, "config", "./locationd.yaml",
		"Path to YAML configuration file")
	flag.StringVar(&cfg.location, "location", "",
		"This machine's network address, used as its MachineLocation (defaults to hostname)")
	flag.BoolVar(&cfg.debug, "debug", false,
		"Enable debug logging")

	flag.Parse()
	return cfg
}

// run wires the location-service Deps and starts the Service, separated
// out from main for testability.
func run(ctx context.Context, cfg daemonConfig, logger *logrus.Logger) error {
	svcCfg, err := config.Load(cfg.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WithField("configPath", cfg.configPath).Warn("no config file found, using defaults")
			svcCfg.ApplyDefaults()
		} else {
			return fmt.Errorf("load config: %w", err)
		}
	}

	location := cfg.location
	if location == "" {
		if host, hostErr := os.Hostname(); hostErr == nil {
			location = host
		} else {
			location = "localhost"
		}
	}

	blobs, err := localblob.New(svcCfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open local blob store: %w", err)
	}
	defer func() {
		if closeErr := blobs.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("error closing local blob store")
		}
	}()

	transport := localblob.NewLoopbackTransport(logger)

	deps := locationd.Deps{
		Blobs:     blobs,
		Transport: transport,
		Peer:      blobs,
	}

	svc, err := locationd.New(svcCfg, model.MachineLocation(location), deps, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	logger.WithField("machineLocation", location).Info("locationd started")

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("service run: %w", err)
	}

	logger.Info("locationd shut down cleanly")
	return nil
}
