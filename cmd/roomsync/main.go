package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/softair/roomsync/config"
	"github.com/softair/roomsync/core"
	"github.com/softair/roomsync/internal/server"
)

// roomsync: keeps the room view model in sync with the backend and serves
// it over the View API until interrupted.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configDir, listen, backend string
	flagSet := pflag.NewFlagSet("roomsync", pflag.ContinueOnError)
	flagSet.StringVar(&configDir, "config", ".", "directory holding app.yaml and .env")
	flagSet.StringVar(&listen, "listen", "", "View API listen address (overrides LISTEN_ADDR)")
	flagSet.StringVar(&backend, "backend", "", "backend websocket base URL (overrides BACKEND_URL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if backend != "" {
		cfg.BackendURL = backend
	}
	logger := cfg.Logger(os.Stderr)
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := core.New(opts, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		_, errCh, err := server.Start(gctx, server.Config{ListenAddr: cfg.ListenAddr, Core: c, Logger: logger})
		if err != nil {
			return fmt.Errorf("start view API: %w", err)
		}
		return <-errCh
	})

	logger.Info("roomsync running", "backend", opts.BackendURL, "listen", cfg.ListenAddr)
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
