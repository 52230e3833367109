package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k2angel/watcher/pkg/archive"
	"github.com/k2angel/watcher/pkg/capture"
	"github.com/k2angel/watcher/pkg/channels"
	"github.com/k2angel/watcher/pkg/config"
	"github.com/k2angel/watcher/pkg/logger"
	"github.com/k2angel/watcher/pkg/metrics"
	"github.com/k2angel/watcher/pkg/resolver"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debugFlag {
		cfg.Debug = true
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	logger.SetLevel(level)
	if cfg.Debug {
		logger.SetDebug(true)
	}

	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLoggingWithRotation(
			cfg.Logging.FilePath,
			cfg.Logging.RotationEnabled,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxAgeDays,
		); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newOrchestrator(cfg *config.Config) *capture.Orchestrator {
	root := cfg.ArchiveRoot()
	timeout := time.Duration(cfg.Archive.HTTPTimeout) * time.Second

	return capture.New(
		capture.Options{
			Root:          root,
			ShareLinks:    cfg.Twitter.Enabled,
			ResolverHost:  cfg.Twitter.ResolverHost,
			MaxConcurrent: cfg.Archive.MaxConcurrent,
		},
		archive.NewDownloader(archive.DownloadOptions{
			Timeout: timeout,
			BaseDir: root,
		}),
		archive.Stamper{},
		resolver.NewClient(resolver.Options{
			Timeout:   timeout,
			RateLimit: cfg.Twitter.RateLimit,
			Burst:     cfg.Twitter.Burst,
		}),
	)
}

func runGateway(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.DisableFileLogging()
	if err := cfg.Validate(); err != nil {
		return err
	}

	root := cfg.ArchiveRoot()
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create archive root: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.ErrorCF("metrics", "Metrics server failed", map[string]interface{}{
					"addr":  cfg.Metrics.Addr,
					"error": err.Error(),
				})
			}
		}()
	}

	var ch channels.Channel
	ch, err = channels.NewDiscordChannel(cfg, newOrchestrator(cfg))
	if err != nil {
		return err
	}
	if err := ch.Start(ctx); err != nil {
		return err
	}
	logger.InfoCF("watcher", "Archiving media", map[string]interface{}{
		"root":     root,
		"twitter":  cfg.Twitter.Enabled,
		"guilds":   len(cfg.Discord.Guilds),
		"channels": len(cfg.Discord.Channels),
		"version":  version,
	})

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ch.Stop(shutdownCtx)
}
