package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/softair/roomsync/core"
	api "github.com/softair/roomsync/internal/http"
)

// Config configures the View HTTP server.
type Config struct {
	ListenAddr  string     // address to bind (e.g. :8080)
	Core        *core.Core // required
	Logger      *slog.Logger
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

var ErrNilCore = errors.New("view server: core is nil")

// Start serves the View API until ctx is canceled. It returns the bound
// address and a channel that receives a terminal error, if any, and is
// closed when the server stops.
func Start(ctx context.Context, cfg Config) (net.Addr, <-chan error, error) {
	if cfg.Core == nil {
		return nil, nil, ErrNilCore
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "ViewServer")

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, nil, err
	}

	// No WriteTimeout: /api/events is a long-lived websocket.
	srv := &http.Server{
		Handler:     api.Routes(cfg.Core, cfg.Logger),
		ReadTimeout: durationOr(cfg.ReadTimeout, 10*time.Second),
		IdleTimeout: durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("View API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return ln.Addr(), errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
