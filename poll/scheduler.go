// Package poll keeps the store fresh by re-requesting the inventory, the
// dispatcher schedule and every room's detail on a fixed interval.
package poll

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/runtime"
	"github.com/softair/roomsync/store"
)

// snapshotKey correlates inventory and schedule responses. Those channels
// carry one kind of answer, so a constant key matches them FIFO.
const snapshotKey = "snapshot"

// Scheduler issues the periodic requests and folds the answers into the store.
// A request whose key is still outstanding on its channel is skipped, so a
// slow backend never accumulates duplicates.
type Scheduler struct {
	manager    *runtime.Manager
	correlator *runtime.Correlator
	loop       *runtime.Loop
	store      *store.Store
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	ticks   atomic.Int64
	skipped atomic.Int64
}

func NewScheduler(manager *runtime.Manager, correlator *runtime.Correlator, loop *runtime.Loop, st *store.Store, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		manager:    manager,
		correlator: correlator,
		loop:       loop,
		store:      st,
		interval:   interval,
		timeout:    timeout,
		logger:     logger.With("component", "Poller"),
	}
	// Unsolicited frames and answers that arrive after their waiter timed
	// out are folded in the same way as correlated ones.
	correlator.Route(roomsync.PurposeInventory, runtime.ConstantKey(snapshotKey), func(_ *runtime.Channel, p []byte) { s.applyInventory(p) })
	correlator.Route(roomsync.PurposeSchedule, runtime.ConstantKey(snapshotKey), func(_ *runtime.Channel, p []byte) { s.applySchedule(p) })
	correlator.Route(roomsync.PurposeDetail, protocol.DetailKey, func(_ *runtime.Channel, p []byte) { s.applyDetail(p) })

	manager.OnStateChange(func(t runtime.Transition) {
		if t.To != runtime.StateOpen {
			return
		}
		switch t.Channel.Purpose() {
		case roomsync.PurposeInventory, roomsync.PurposeSchedule:
			s.refreshSnapshots()
		case roomsync.PurposeDetail:
			s.requestDetails(s.store.Keys())
		}
	})
	return s
}

// Open starts the persistent channels the scheduler reads from.
func (s *Scheduler) Open() error {
	for _, p := range []roomsync.Purpose{roomsync.PurposeInventory, roomsync.PurposeSchedule, roomsync.PurposeDetail} {
		if _, err := s.manager.Open(p, ""); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}
	s.logger.Info("Poller started", "interval", s.interval)
	s.loop.Post(s.Tick)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Poller stopped", "ticks", s.ticks.Load())
			return nil
		case <-ticker.C:
			s.loop.Post(s.Tick)
		}
	}
}

// Tick issues one round of requests. It must run on the loop.
func (s *Scheduler) Tick() {
	s.ticks.Add(1)
	s.refreshSnapshots()
	s.requestDetails(s.store.Keys())
}

// Refresh re-issues the inventory and schedule requests outside the regular
// cadence. Safe to call from any goroutine.
func (s *Scheduler) Refresh() {
	s.loop.Post(s.refreshSnapshots)
}

func (s *Scheduler) Ticks() int64   { return s.ticks.Load() }
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) refreshSnapshots() {
	s.request(roomsync.PurposeInventory, snapshotKey, protocol.NewSnapshotRequest(), s.applyInventory)
	s.request(roomsync.PurposeSchedule, snapshotKey, protocol.NewSnapshotRequest(), s.applySchedule)
}

func (s *Scheduler) requestDetails(ids []roomsync.RoomID) {
	for _, id := range ids {
		s.request(roomsync.PurposeDetail, string(id), protocol.DetailRequest{RoomID: id}, s.applyDetail)
	}
}

func (s *Scheduler) request(purpose roomsync.Purpose, key string, msg any, apply func([]byte)) {
	ch, err := s.manager.Open(purpose, "")
	if err != nil {
		s.logger.Debug("Channel unavailable", "purpose", purpose, "error", err)
		return
	}
	if s.correlator.Outstanding(ch, key) > 0 {
		s.skipped.Add(1)
		return
	}
	_, err = s.correlator.Request(ch, key, msg, s.timeout, func(r runtime.Result) {
		if r.Err != nil {
			s.logger.Debug("Poll request unanswered", "purpose", purpose, "key", key, "error", r.Err)
			return
		}
		apply(r.Payload)
	})
	if err != nil {
		s.logger.Debug("Poll request not sent", "purpose", purpose, "key", key, "error", err)
	}
}

func (s *Scheduler) applyInventory(payload []byte) {
	inv, err := protocol.DecodeInventory(payload)
	if err != nil {
		s.logger.Warn("Dropping inventory frame", "error", err)
		return
	}
	added, evicted := s.store.ApplySnapshot(inv.Rooms)
	if len(added) > 0 || len(evicted) > 0 {
		s.logger.Info("Inventory changed", "added", len(added), "evicted", len(evicted), "total", len(inv.Rooms))
	}
	ids := make([]roomsync.RoomID, 0, len(inv.Rooms))
	for _, it := range inv.Rooms {
		ids = append(ids, it.RoomID)
	}
	s.requestDetails(ids)
}

func (s *Scheduler) applySchedule(payload []byte) {
	sch, err := protocol.DecodeSchedule(payload)
	if err != nil {
		s.logger.Warn("Dropping schedule frame", "error", err)
		return
	}
	s.store.ApplySchedule(sch)
}

func (s *Scheduler) applyDetail(payload []byte) {
	id, attrs, err := protocol.DecodeDetail(payload)
	if err != nil {
		s.logger.Warn("Dropping detail frame", "error", err)
		return
	}
	s.store.ApplyPartial(id, attrs)
}
