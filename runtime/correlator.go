package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/softair/roomsync"
)

// KeyFunc extracts the correlation key from an inbound payload.
type KeyFunc func(payload []byte) (string, bool)

// ConstantKey is the KeyFunc of channels that carry a single kind of
// request/response pair: every response belongs to the oldest waiter.
func ConstantKey(key string) KeyFunc {
	return func([]byte) (string, bool) { return key, true }
}

// Result is what a waiter receives: the raw response or the reason it never came.
type Result struct {
	Payload []byte
	Err     error
}

type ResultFunc func(Result)

// Registration identifies one waiter. Generations are unique per Correlator.
type Registration struct {
	channelID string
	key       string
	gen       uint64
}

func (r Registration) Key() string { return r.key }

type slot struct {
	channel string
	key     string
}

type waiter struct {
	gen      uint64
	epoch    uint64
	onResult ResultFunc
	timer    *time.Timer
	sent     time.Time
	// abandoned waiters stay queued until expires so the late response they
	// were waiting for is not handed to the next waiter for the same key.
	abandoned bool
	expires   time.Time
	// shadowed is set when a tombstone ahead of this waiter swallowed a
	// frame that may have been this waiter's answer.
	shadowed bool
}

func (w *waiter) expired(now time.Time) bool {
	return w.abandoned && !now.Before(w.expires)
}

// prune drops expired tombstones. Their answers are presumed lost.
func prune(queue []*waiter, now time.Time) []*waiter {
	out := queue[:0:0]
	for _, w := range queue {
		if !w.expired(now) {
			out = append(out, w)
		}
	}
	return out
}

type route struct {
	key      KeyFunc
	fallback MessageHandler
}

// Correlator matches inbound frames to the request that caused them using a
// domain key carried in the payload. Waiters for the same (channel, key) are
// kept in request order and matched FIFO.
//
// Resolve, FailChannel and Cancel must run on the Loop; Register and Request
// may be called from any goroutine.
type Correlator struct {
	policy  roomsync.CorrelationPolicy
	loop    *Loop
	manager *Manager
	logger  *slog.Logger

	mu      sync.Mutex
	gen     uint64
	waiters map[slot][]*waiter
	routes  map[roomsync.Purpose]route
}

// NewCorrelator wires itself into manager: closed channels fail their waiters.
func NewCorrelator(manager *Manager, loop *Loop, policy roomsync.CorrelationPolicy, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		policy:  policy,
		loop:    loop,
		manager: manager,
		logger:  logger.With("component", "Correlator"),
		waiters: make(map[slot][]*waiter),
		routes:  make(map[roomsync.Purpose]route),
	}
	manager.OnStateChange(func(t Transition) {
		if t.To != StateClosed {
			return
		}
		err := t.Err
		switch {
		case err == nil:
			err = roomsync.ErrTransport
		case !errors.Is(err, roomsync.ErrTransport):
			err = fmt.Errorf("%w: %w", roomsync.ErrTransport, err)
		}
		c.failUpTo(t.Channel, t.Epoch, err)
	})
	return c
}

// Route makes c the consumer of purpose's inbound frames. Frames with no
// matching waiter go to fallback (which may be nil).
func (c *Correlator) Route(purpose roomsync.Purpose, key KeyFunc, fallback MessageHandler) {
	c.mu.Lock()
	c.routes[purpose] = route{key: key, fallback: fallback}
	c.mu.Unlock()
	c.manager.OnMessage(purpose, c.Resolve)
}

// Register records onResult as a waiter for key on ch, subject to the
// configured CorrelationPolicy.
func (c *Correlator) Register(ch *Channel, key string, onResult ResultFunc) (Registration, error) {
	reg, _, err := c.add(ch, key, onResult)
	return reg, err
}

func (c *Correlator) add(ch *Channel, key string, onResult ResultFunc) (Registration, *waiter, error) {
	s := slot{channel: ch.ID(), key: key}
	epoch := ch.Epoch()
	c.mu.Lock()
	queue := prune(c.waiters[s], time.Now())
	var displaced []*waiter
	switch c.policy {
	case roomsync.CorrelateReject:
		for _, w := range queue {
			if !w.abandoned {
				c.mu.Unlock()
				return Registration{}, nil, fmt.Errorf("%w: %s on %s", roomsync.ErrDuplicateKey, key, ch.Name())
			}
		}
	case roomsync.CorrelateOverwrite:
		for _, w := range queue {
			if !w.abandoned {
				displaced = append(displaced, w)
			}
		}
		queue = nil
	}
	c.gen++
	w := &waiter{gen: c.gen, epoch: epoch, onResult: onResult, sent: time.Now()}
	c.waiters[s] = append(queue, w)
	reg := Registration{channelID: s.channel, key: key, gen: w.gen}
	c.mu.Unlock()

	for _, d := range displaced {
		d := d
		c.stopTimer(d)
		c.loop.Post(func() { d.onResult(Result{Err: roomsync.ErrSuperseded}) })
	}
	return reg, w, nil
}

// Request registers a waiter and sends msg on ch. When timeout > 0 the waiter
// is resolved with ErrTimeout if no response arrives in time. If the send
// fails the registration is withdrawn and onResult is never called.
func (c *Correlator) Request(ch *Channel, key string, msg any, timeout time.Duration, onResult ResultFunc) (Registration, error) {
	reg, w, err := c.add(ch, key, onResult)
	if err != nil {
		return Registration{}, err
	}
	if err := ch.Send(msg); err != nil {
		c.withdraw(reg)
		return Registration{}, err
	}
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			c.loop.Post(func() { c.Cancel(reg, fmt.Errorf("%w: no response on %s for %s", roomsync.ErrTimeout, ch.Name(), key)) })
		})
		c.mu.Lock()
		w.timer = t
		c.mu.Unlock()
	}
	return reg, nil
}

// Call is the blocking form of Request. ctx bounds the wait; a deadline
// surfaces as ErrTimeout.
func (c *Correlator) Call(ctx context.Context, ch *Channel, key string, msg any) ([]byte, error) {
	res := make(chan Result, 1)
	reg, err := c.Request(ch, key, msg, 0, func(r Result) { res <- r })
	if err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.Payload, r.Err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s on %s", roomsync.ErrTimeout, key, ch.Name())
		}
		c.loop.Post(func() { c.Cancel(reg, err) })
		return nil, err
	}
}

// withdraw removes a registration whose request never went out.
func (c *Correlator) withdraw(reg Registration) {
	s := slot{channel: reg.channelID, key: reg.key}
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[s]
	for i, w := range queue {
		if w.gen == reg.gen {
			c.waiters[s] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(c.waiters[s]) == 0 {
		delete(c.waiters, s)
	}
}

// Cancel resolves a still-pending waiter with err and leaves a tombstone in
// its place. The tombstone lives as long again as the waiter waited. Returns
// false if the waiter had already settled.
//
// A timeout also discards the tombstones queued ahead of the waiter. A
// shadowed waiter leaves no tombstone of its own.
func (c *Correlator) Cancel(reg Registration, err error) bool {
	s := slot{channel: reg.channelID, key: reg.key}
	now := time.Now()
	lost := errors.Is(err, roomsync.ErrTimeout)
	c.mu.Lock()
	queue := c.waiters[s]
	idx := -1
	for i, w := range queue {
		if w.gen == reg.gen && !w.abandoned {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	hit := queue[idx]
	hit.abandoned = true
	hit.expires = now.Add(now.Sub(hit.sent))
	keep := make([]*waiter, 0, len(queue))
	for i, w := range queue {
		switch {
		case i < idx && w.abandoned && lost:
		case i == idx && hit.shadowed:
		default:
			keep = append(keep, w)
		}
	}
	c.setQueue(s, prune(keep, now))
	c.mu.Unlock()

	c.stopTimer(hit)
	hit.onResult(Result{Err: err})
	return true
}

// Resolve routes one inbound frame: to the oldest waiter for its key, or to
// the purpose's fallback when nobody is waiting. A tombstone at the head of
// the queue swallows the frame.
func (c *Correlator) Resolve(ch *Channel, payload []byte) {
	c.mu.Lock()
	rt := c.routes[ch.Purpose()]
	var key string
	var ok bool
	if rt.key != nil {
		key, ok = rt.key(payload)
	}
	var w *waiter
	if ok {
		s := slot{channel: ch.ID(), key: key}
		queue := prune(c.waiters[s], time.Now())
		if len(queue) > 0 {
			w, queue = queue[0], queue[1:]
			if w.abandoned {
				for _, next := range queue {
					if !next.abandoned {
						next.shadowed = true
						break
					}
				}
			}
		}
		c.setQueue(s, queue)
	}
	c.mu.Unlock()

	if w == nil || w.abandoned {
		if rt.fallback != nil {
			rt.fallback(ch, payload)
		} else {
			c.logger.Debug("Unmatched frame dropped", "channel", ch.Name(), "key", key)
		}
		return
	}
	c.stopTimer(w)
	w.onResult(Result{Payload: payload})
}

// setQueue stores queue under s. Callers hold c.mu.
func (c *Correlator) setQueue(s slot, queue []*waiter) {
	if len(queue) == 0 {
		delete(c.waiters, s)
		return
	}
	c.waiters[s] = queue
}

// FailChannel resolves every waiter on ch with err. Tombstones are discarded.
func (c *Correlator) FailChannel(ch *Channel, err error) {
	c.failUpTo(ch, ^uint64(0), err)
}

// failUpTo fails the waiters registered on connections up to epoch. Waiters
// already registered on a newer connection of ch survive.
func (c *Correlator) failUpTo(ch *Channel, epoch uint64, err error) {
	c.mu.Lock()
	var failed []*waiter
	for s, queue := range c.waiters {
		if s.channel != ch.ID() {
			continue
		}
		var keep []*waiter
		for _, w := range queue {
			switch {
			case w.epoch > epoch:
				keep = append(keep, w)
			case !w.abandoned:
				failed = append(failed, w)
			}
		}
		if len(keep) == 0 {
			delete(c.waiters, s)
		} else {
			c.waiters[s] = keep
		}
	}
	c.mu.Unlock()

	if len(failed) > 0 {
		c.logger.Debug("Failing outstanding correlations", "channel", ch.Name(), "count", len(failed), "error", err)
	}
	for _, w := range failed {
		c.stopTimer(w)
		w.onResult(Result{Err: err})
	}
}

// Outstanding counts the live (not abandoned) waiters for key on ch.
func (c *Correlator) Outstanding(ch *Channel, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters[slot{channel: ch.ID(), key: key}] {
		if !w.abandoned {
			n++
		}
	}
	return n
}

// Pending counts all live waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, queue := range c.waiters {
		for _, w := range queue {
			if !w.abandoned {
				n++
			}
		}
	}
	return n
}

func (c *Correlator) stopTimer(w *waiter) {
	c.mu.Lock()
	t := w.timer
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
