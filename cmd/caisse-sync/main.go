package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kadem9/caissefacile/internal/api"
	"github.com/Kadem9/caissefacile/internal/logging"
	"github.com/Kadem9/caissefacile/internal/serverdb"
	"github.com/Kadem9/caissefacile/internal/version"
)

// Version is stamped by release builds; terminals compare it on /healthz.
var Version = "dev"

func main() {
	// Route to admin subcommands if present
	if len(os.Args) > 1 && os.Args[1] == "keys" {
		runKeys(os.Args[2:])
		return
	}

	cfg, err := api.LoadConfig()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg.Version = version.Resolve(Version)

	closer, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("configure logging", "err", err)
		os.Exit(1)
	}
	defer closer.Close()

	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open server db", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	srv, err := api.NewServer(cfg, store)
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx, func(addr net.Addr) {
		slog.Info("server started", "addr", addr.String(), "auth", cfg.RequireAuth, "version", cfg.Version)
	})
	if err != nil {
		slog.Error("serve", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
