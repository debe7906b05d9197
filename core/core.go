// Package core assembles the synchronization runtime into one explicit
// context object with a Start/Shutdown lifecycle.
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/bulk"
	"github.com/softair/roomsync/poll"
	"github.com/softair/roomsync/runtime"
	"github.com/softair/roomsync/session"
	"github.com/softair/roomsync/store"
)

var errStarted = errors.New("core already started")

// Core owns the dispatch loop, the channels and everything built on them.
type Core struct {
	opts   roomsync.Options
	logger *slog.Logger

	loop       *runtime.Loop
	manager    *runtime.Manager
	correlator *runtime.Correlator
	store      *store.Store
	poller     *poll.Scheduler
	executor   *bulk.Executor
	sessions   *session.Client
	frontDesk  *session.FrontDesk
	reports    *session.Reports

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(opts roomsync.Options, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	loop := runtime.NewLoop()
	manager := runtime.NewManager(opts, loop, logger)
	correlator := runtime.NewCorrelator(manager, loop, opts.Correlation, logger)
	st := store.New()
	poller := poll.NewScheduler(manager, correlator, loop, st, opts.PollInterval, opts.RequestTimeout, logger)
	executor := bulk.NewExecutor(manager, correlator, loop, st, poller, opts.CommandTimeout, logger)
	sessions := session.NewClient(manager, correlator, opts.RequestTimeout, logger, sessionPurposes()...)

	return &Core{
		opts:       opts,
		logger:     logger.With("component", "Core"),
		loop:       loop,
		manager:    manager,
		correlator: correlator,
		store:      st,
		poller:     poller,
		executor:   executor,
		sessions:   sessions,
		frontDesk:  session.NewFrontDesk(sessions, loop, st),
		reports:    session.NewReports(sessions),
	}
}

func sessionPurposes() []roomsync.Purpose {
	return append(append([]roomsync.Purpose(nil), session.FrontDeskPurposes...), roomsync.PurposeReport)
}

// Start runs the dispatch loop and the poller and opens every persistent
// channel. It returns once everything is launched. Only Shutdown stops them;
// ctx contributes its values, not its cancellation.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errStarted
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.loop.Run(gctx)
		return nil
	})
	g.Go(func() error { return c.poller.Run(gctx) })
	if err := c.sessions.Open(sessionPurposes()...); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	c.cancel, c.group = cancel, g
	c.logger.Info("Core started", "backend", c.opts.BackendURL, "policy", c.opts.Correlation)
	return nil
}

// Shutdown closes every channel, letting outstanding correlations fail, and
// then stops the loop and the poller.
func (c *Core) Shutdown() error {
	c.mu.Lock()
	cancel, g := c.cancel, c.group
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	c.manager.Shutdown()
	// Let the failures posted by the closing channels drain before the loop stops.
	_ = c.loop.Do(context.Background(), func() {})
	cancel()
	err := g.Wait()
	c.logger.Info("Core stopped")
	return err
}

// Run is Start followed by Shutdown once ctx is done.
func (c *Core) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Shutdown()
}

func (c *Core) Loop() *runtime.Loop { return c.loop }
func (c *Core) Manager() *runtime.Manager { return c.manager }
func (c *Core) Correlator() *runtime.Correlator { return c.correlator }
func (c *Core) Store() *store.Store { return c.store }
func (c *Core) Poller() *poll.Scheduler { return c.poller }
func (c *Core) Executor() *bulk.Executor { return c.executor }
func (c *Core) FrontDesk() *session.FrontDesk { return c.frontDesk }
func (c *Core) Reports() *session.Reports { return c.reports }
func (c *Core) Options() roomsync.Options { return c.opts }
