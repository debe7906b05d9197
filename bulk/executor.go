// Package bulk fans room commands out over ephemeral command channels and
// gathers their outcomes.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/runtime"
	"github.com/softair/roomsync/store"
)

// commandKey is the only correlation key on a command channel: each channel
// carries exactly one request.
const commandKey = "command"

// Resyncer re-issues the persistent snapshot requests after a batch settles.
type Resyncer interface {
	Refresh()
}

// Result is the aggregate of one RunBulk call.
type Result struct {
	ID       string                              `json:"id"`
	Success  int                                 `json:"success"`
	Total    int                                 `json:"total"`
	Outcomes map[roomsync.RoomID]roomsync.Outcome `json:"-"`
}

// Progress is reported once per settled key, on the dispatch loop.
type Progress struct {
	RoomID    roomsync.RoomID
	Outcome   roomsync.Outcome
	Err       error
	Completed int
	Success   int
	Total     int
}

type ProgressFunc func(Progress)

type Executor struct {
	manager    *runtime.Manager
	correlator *runtime.Correlator
	loop       *runtime.Loop
	store      *store.Store
	resync     Resyncer
	timeout    time.Duration
	logger     *slog.Logger
}

// NewExecutor routes command-channel responses through correlator. resync may be nil.
func NewExecutor(manager *runtime.Manager, correlator *runtime.Correlator, loop *runtime.Loop, st *store.Store, resync Resyncer, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	correlator.Route(roomsync.PurposeCommand, runtime.ConstantKey(commandKey), nil)
	return &Executor{
		manager:    manager,
		correlator: correlator,
		loop:       loop,
		store:      st,
		resync:     resync,
		timeout:    timeout,
		logger:     logger.With("component", "BulkExecutor"),
	}
}

// tally lives on the dispatch loop; only loop tasks touch it.
type tally struct {
	res        Result
	completed  int
	onProgress ProgressFunc
	done       chan struct{}
}

// RunBulk sends the command built for each key over its own ephemeral channel
// and returns once every key has settled. Duplicate keys are sent once, so
// Total counts distinct keys and may be below len(keys). Keys the builder
// reports as already satisfied count as successes without touching the
// network. Every command is bounded by the executor timeout, so RunBulk
// always returns.
func (e *Executor) RunBulk(ctx context.Context, keys []roomsync.RoomID, build Builder, onProgress ProgressFunc) (Result, error) {
	keys = dedupe(keys)
	t := &tally{
		res:        Result{ID: uuid.NewString(), Total: len(keys), Outcomes: make(map[roomsync.RoomID]roomsync.Outcome, len(keys))},
		onProgress: onProgress,
		done:       make(chan struct{}),
	}
	if len(keys) == 0 {
		return t.res, nil
	}
	e.logger.Info("Bulk command started", "id", t.res.ID, "total", len(keys))

	for _, key := range keys {
		room, err := e.store.Get(key)
		if err != nil {
			room = roomsync.Room{ID: key}
		}
		req, satisfied := build(room)
		if satisfied {
			key := key
			e.loop.Post(func() { e.record(t, key, roomsync.OutcomeSuccess, protocol.CommandResponse{}, nil) })
			continue
		}
		go func(key roomsync.RoomID, req protocol.CommandRequest) {
			outcome, resp, err := e.execute(ctx, req)
			e.loop.Post(func() { e.record(t, key, outcome, resp, err) })
		}(key, req)
	}

	select {
	case <-t.done:
		return t.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.loop.Done():
		return Result{}, roomsync.ErrClosed
	}
}

// record runs on the loop. Each key is recorded once; the batch completes
// exactly when the last distinct key lands.
func (e *Executor) record(t *tally, key roomsync.RoomID, outcome roomsync.Outcome, resp protocol.CommandResponse, err error) {
	if _, seen := t.res.Outcomes[key]; seen {
		return
	}
	t.res.Outcomes[key] = outcome
	t.completed++
	if outcome == roomsync.OutcomeSuccess {
		t.res.Success++
		if resp.State != "" {
			e.store.ApplyPartial(key, stateAttrs(resp))
		}
	} else {
		e.logger.Debug("Bulk command item failed", "id", t.res.ID, "roomId", key, "outcome", outcome.String(), "error", err)
	}
	if t.onProgress != nil {
		t.onProgress(Progress{RoomID: key, Outcome: outcome, Err: err, Completed: t.completed, Success: t.res.Success, Total: t.res.Total})
	}
	if t.completed == t.res.Total {
		e.logger.Info("Bulk command finished", "id", t.res.ID, "success", t.res.Success, "total", t.res.Total)
		if e.resync != nil {
			e.resync.Refresh()
		}
		close(t.done)
	}
}

// Apply sends one command and, when the backend confirms it, merges the
// requested settings into the store.
func (e *Executor) Apply(ctx context.Context, req protocol.CommandRequest) (protocol.CommandResponse, error) {
	req.NewRequest = 1
	if err := protocol.Validate(req); err != nil {
		return protocol.CommandResponse{}, err
	}
	outcome, resp, err := e.execute(ctx, req)
	switch outcome {
	case roomsync.OutcomeSuccess:
	case roomsync.OutcomeBusinessFailure:
		return resp, err
	default:
		e.logger.Warn("Room command failed", "roomId", req.RoomID, "outcome", outcome.String(), "error", err)
		return resp, err
	}

	attrs := stateAttrs(resp)
	attrs.Mode = roomsync.Ptr(req.Mode)
	attrs.TargetTemp = roomsync.Ptr(req.TargetTemp)
	attrs.Speed = roomsync.Ptr(req.Speed)
	if err := e.loop.Do(ctx, func() { e.store.ApplyPartial(req.RoomID, attrs) }); err != nil {
		return resp, err
	}
	if e.resync != nil {
		e.resync.Refresh()
	}
	return resp, nil
}

// execute runs one command over a fresh channel and classifies how it
// settled. The channel is closed before execute returns.
func (e *Executor) execute(ctx context.Context, req protocol.CommandRequest) (roomsync.Outcome, protocol.CommandResponse, error) {
	if err := protocol.Validate(req); err != nil {
		return roomsync.OutcomeBusinessFailure, protocol.CommandResponse{}, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ch, err := e.manager.Open(roomsync.PurposeCommand, string(req.RoomID))
	if err != nil {
		return roomsync.OutcomeTransportFailure, protocol.CommandResponse{}, err
	}
	defer e.manager.Close(ch)

	if err := ch.WaitOpen(ctx); err != nil {
		return classify(err), protocol.CommandResponse{}, err
	}
	payload, err := e.correlator.Call(ctx, ch, commandKey, req)
	if err != nil {
		return classify(err), protocol.CommandResponse{}, err
	}
	resp, err := protocol.DecodeCommand(payload)
	if err != nil {
		return roomsync.OutcomeTransportFailure, protocol.CommandResponse{}, err
	}
	if resp.State != req.State {
		return roomsync.OutcomeBusinessFailure, resp,
			fmt.Errorf("%w: room %s answered %s to %s", roomsync.ErrBusinessFailure, req.RoomID, resp.State, req.State)
	}
	return roomsync.OutcomeSuccess, resp, nil
}

func classify(err error) roomsync.Outcome {
	switch {
	case errors.Is(err, roomsync.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return roomsync.OutcomeTimeout
	case errors.Is(err, roomsync.ErrBusinessFailure):
		return roomsync.OutcomeBusinessFailure
	}
	return roomsync.OutcomeTransportFailure
}

func stateAttrs(resp protocol.CommandResponse) roomsync.Attributes {
	status := roomsync.StatusOff
	if resp.State == roomsync.PowerOn {
		status = roomsync.StatusRunning
	}
	return roomsync.Attributes{Status: &status, Bill: resp.Bill}
}

func dedupe(keys []roomsync.RoomID) []roomsync.RoomID {
	seen := make(map[roomsync.RoomID]struct{}, len(keys))
	out := make([]roomsync.RoomID, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
