// scfs-client mounts catalog users as a read-only filesystem of mp3 files.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/radryc/scfs/internal/cache"
	"github.com/radryc/scfs/internal/client"
	"github.com/radryc/scfs/internal/fuse"
	"github.com/radryc/scfs/internal/id3tag"
	"github.com/radryc/scfs/internal/mapping"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		if !errors.Is(err, errUsage) {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("scfs-client failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config, logger *slog.Logger) error {
	logger.Info("starting scfs-client",
		"mount", cfg.Mount,
		"users", cfg.Users,
		"cache", cfg.CacheDir,
		"mpeg_padding", cfg.MPEGPadding,
	)

	ccfg := client.Config{
		ClientID: cfg.ClientID,
		Timeout:  cfg.HTTPTimeout,
		Logger:   logger,
	}
	if cfg.Login != "" {
		user, pass, err := client.ParseLogin(cfg.Login)
		if err != nil {
			return err
		}
		ccfg.Username, ccfg.Password = user, pass
	}

	if cfg.CacheDir != "" {
		// Clear cache by default unless --keep-cache is specified
		if !cfg.KeepCache {
			logger.Info("clearing cache directory", "dir", cfg.CacheDir)
			if err := os.RemoveAll(cfg.CacheDir); err != nil {
				logger.Warn("failed to clear cache directory", "error", err)
			}
		}
		c, err := cache.New(cfg.CacheDir, cfg.CacheTTL, logger)
		if err != nil {
			logger.Warn("failed to initialize cache, continuing without cache", "error", err)
		} else {
			defer c.Close()
			ccfg.Cache = c
		}
	}

	ctx := context.Background()
	catalog, err := client.New(ctx, ccfg)
	if err != nil {
		return err
	}
	logger.Info("connected to catalog", "client", catalog.String())

	root := mapping.NewRoot(catalog, mapping.Options{
		Users:       cfg.Users,
		MPEGPadding: cfg.MPEGPadding,
		ID3: id3tag.Options{
			Artwork:      cfg.ID3Images,
			ParseStrings: cfg.ID3ParseStrings,
		},
		Logger: logger,
	})

	fs := fuse.New(root, fuse.Options{AttrTTL: cfg.AttrTTL, Logger: logger})
	server, err := fuse.Mount(cfg.Mount, fs, fuse.MountOptions{
		AllowOther:  cfg.AllowOther,
		AutoUnmount: cfg.AutoUnmount,
		Debug:       cfg.Debug,
	})
	if err != nil {
		return err
	}

	// Handle unmount on signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, unmounting", "signal", sig)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount error", "error", err)
		}
	}()

	server.Wait()
	inodes, files, dirs := fs.Stats()
	logger.Info("filesystem unmounted", "inodes", inodes, "open_files", files, "open_dirs", dirs)
	return nil
}
