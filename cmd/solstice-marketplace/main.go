package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/solsticehq/solstice-marketplace/internal/confdocs"
	"github.com/solsticehq/solstice-marketplace/internal/config"
	"github.com/solsticehq/solstice-marketplace/internal/httpapi"
	"github.com/solsticehq/solstice-marketplace/internal/lockfile"
	"github.com/solsticehq/solstice-marketplace/internal/marketplace"
	"github.com/solsticehq/solstice-marketplace/internal/secrets"
	"github.com/solsticehq/solstice-marketplace/internal/skillfs"
	"github.com/solsticehq/solstice-marketplace/internal/syncjournal"
	"github.com/solsticehq/solstice-marketplace/internal/throttle"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "version":
		fmt.Printf("solstice-marketplace %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `solstice-marketplace

Usage:
  solstice-marketplace serve [flags]
  solstice-marketplace version

Commands:
  serve       Run the marketplace daemon (registry store, catalog cache, HTTP API).
  version     Print build information.

`)
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "", "HTTP listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.ListenAddr = strings.TrimSpace(*listen)
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = strings.TrimSpace(*dataDir)
	}

	log := buildLogger(cfg)
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}
	lock, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "daemon.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another solstice-marketplace instance is already using %s\n", cfg.DataDir)
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire daemon lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	srv, journal, err := buildServer(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init services: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = journal.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutting down")
		cancel()
	}()

	log.Info("solstice-marketplace starting", "version", Version, "data_dir", cfg.DataDir)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func buildServer(cfg *config.Config, log *slog.Logger) (*httpapi.Server, *syncjournal.Journal, error) {
	cipher, err := secrets.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening secrets cipher: %w", err)
	}
	docs, err := confdocs.New(cfg.DataDir, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening config documents: %w", err)
	}
	cache, err := marketplace.NewCache(filepath.Join(cfg.DataDir, "catalog-cache"), log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening catalog cache: %w", err)
	}
	journal, err := syncjournal.Open(filepath.Join(cfg.DataDir, "sync-history.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening sync journal: %w", err)
	}

	client := throttle.New(throttle.Options{
		Logger:            log,
		Timeout:           time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
	codec := marketplace.NewAuthCodec(cipher, log)
	fetcher := marketplace.NewFetcher(client, log)
	resolver := marketplace.NewTreeResolver(client, log)
	normalizer := marketplace.NewNormalizer(resolver, log)

	registries, err := marketplace.NewRegistryService(marketplace.RegistryOptions{
		Logger:     log,
		Docs:       docs,
		Codec:      codec,
		Fetcher:    fetcher,
		Normalizer: normalizer,
		Cache:      cache,
		Journal:    journal,
	})
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}
	items, err := marketplace.NewQueryService(marketplace.QueryOptions{
		Logger:  log,
		Docs:    docs,
		Cache:   cache,
		Codec:   codec,
		Fetcher: fetcher,
		Skills:  skillfs.NewInventory(cfg.SkillsDir),
	})
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}

	srv, err := httpapi.New(httpapi.Options{
		Logger:     log,
		ListenAddr: cfg.ListenAddr,
		Registries: registries,
		Items:      items,
	})
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}
	return srv, journal, nil
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.TrimSpace(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.TrimSpace(cfg.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
