package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gateway-proxy/internal/catalog"
	"gateway-proxy/internal/config"
	"gateway-proxy/internal/keypool"
	"gateway-proxy/internal/metrics"
	"gateway-proxy/internal/router"
	"gateway-proxy/internal/server"
	"gateway-proxy/internal/upstream"
)

const serveUsage = `Usage:
  gateway-proxy serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	store := keypool.NewStore(cfg.Keys.File)
	pool := keypool.NewPool(store, keypool.Options{
		Cooldown:         cfg.Keys.Cooldown.Std(),
		FailureThreshold: cfg.Keys.FailureThreshold,
		OnChange: func(s keypool.Stats) {
			metrics.SetPoolStats(s.Total, s.Available, s.InCooldown)
		},
	})
	if err := pool.Load(); err != nil {
		return fmt.Errorf("load credential file: %w", err)
	}

	var trigger <-chan struct{}
	if cfg.Keys.Watch {
		watcher, err := keypool.NewWatcher(cfg.Keys.File)
		if err != nil {
			return fmt.Errorf("watch credential file: %w", err)
		}
		defer watcher.Close()
		trigger = watcher.Events
	}
	go pool.Run(ctx, cfg.Keys.ReloadInterval.Std(), trigger)

	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout.Std())
	rt := router.New(pool, client)
	cat := catalog.New(client.HTTPClient(), client.BaseURL(), pool, cfg.Catalog.TTL.Std())

	srv, err := server.New(cfg, rt, pool, cat)
	if err != nil {
		return err
	}

	slog.Info("configuration loaded",
		"upstream", cfg.Upstream.BaseURL,
		"keys_file", cfg.Keys.File,
		"reload_interval", cfg.Keys.ReloadInterval.Std().String(),
		"watch", cfg.Keys.Watch,
	)

	return srv.Run(ctx)
}
