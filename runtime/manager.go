package runtime

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/softair/roomsync"
)

// MessageHandler consumes one inbound frame. Handlers run on the Loop.
type MessageHandler func(ch *Channel, payload []byte)

// StateHandler observes channel transitions. Handlers run on the Loop.
type StateHandler func(t Transition)

// Manager creates and tracks named channels. Persistent purposes share one
// live channel each; ephemeral purposes get a fresh channel per Open.
type Manager struct {
	opts   roomsync.Options
	loop   *Loop
	logger *slog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	persistent map[roomsync.Purpose]*Channel
	ephemeral  map[string]*Channel
	closed     bool

	handlersMu      sync.RWMutex
	messageHandlers map[roomsync.Purpose][]MessageHandler
	stateHandlers   []StateHandler

	listenersMu sync.RWMutex
	listeners   []*eventSub
}

func NewManager(opts roomsync.Options, loop *Loop, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:            opts,
		loop:            loop,
		logger:          logger.With("component", "ChannelManager"),
		dialer:          &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		persistent:      make(map[roomsync.Purpose]*Channel),
		ephemeral:       make(map[string]*Channel),
		messageHandlers: make(map[roomsync.Purpose][]MessageHandler),
	}
}

// Open returns the live channel for a persistent purpose, creating it if
// needed, or a brand new channel for an ephemeral purpose. key names the
// ephemeral channel ("command:<key>") and is ignored otherwise.
func (m *Manager) Open(purpose roomsync.Purpose, key string) (*Channel, error) {
	if purpose.Path() == "" {
		return nil, fmt.Errorf("%w: %q", roomsync.ErrUnknownPurpose, purpose)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, roomsync.ErrClosed
	}

	if !purpose.Ephemeral() {
		if ch, ok := m.persistent[purpose]; ok {
			select {
			case <-ch.Done():
				// stopped for good (fatal or closed); replace it
			default:
				return ch, nil
			}
		}
	}

	name := string(purpose)
	if purpose.Ephemeral() && key != "" {
		name = string(purpose) + ":" + key
	}
	ch := newChannel(name, purpose, purpose.Endpoint(m.opts.BackendURL), m.opts.ReconnectFor(purpose),
		m.dialer, m.opts.Auth, m.opts.WriteTimeout,
		channelHooks{transition: m.onTransition, message: m.onMessage})
	if purpose.Ephemeral() {
		m.ephemeral[ch.ID()] = ch
	} else {
		m.persistent[purpose] = ch
	}
	m.logger.Debug("Opening channel", "channel", name, "id", ch.ID(), "endpoint", ch.Endpoint())
	ch.start()
	return ch, nil
}

// Send forwards to ch.Send.
func (m *Manager) Send(ch *Channel, msg any) error { return ch.Send(msg) }

// Close shuts one channel down and forgets it.
func (m *Manager) Close(ch *Channel) {
	ch.Close()
	m.forget(ch)
}

func (m *Manager) forget(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.Purpose().Ephemeral() {
		delete(m.ephemeral, ch.ID())
		return
	}
	if cur, ok := m.persistent[ch.Purpose()]; ok && cur == ch {
		delete(m.persistent, ch.Purpose())
	}
}

// OnMessage registers h for every inbound frame on channels of purpose.
// Frames of one channel reach handlers in arrival order.
func (m *Manager) OnMessage(purpose roomsync.Purpose, h MessageHandler) {
	m.handlersMu.Lock()
	m.messageHandlers[purpose] = append(m.messageHandlers[purpose], h)
	m.handlersMu.Unlock()
}

// OnStateChange registers h for every channel transition.
func (m *Manager) OnStateChange(h StateHandler) {
	m.handlersMu.Lock()
	m.stateHandlers = append(m.stateHandlers, h)
	m.handlersMu.Unlock()
}

func (m *Manager) onMessage(ch *Channel, payload []byte) {
	m.handlersMu.RLock()
	handlers := append([]MessageHandler(nil), m.messageHandlers[ch.Purpose()]...)
	m.handlersMu.RUnlock()
	if len(handlers) == 0 {
		m.logger.Debug("Dropping frame with no handler", "channel", ch.Name())
		return
	}
	m.loop.Post(func() {
		for _, h := range handlers {
			h(ch, payload)
		}
	})
}

func (m *Manager) onTransition(t Transition) {
	ch := t.Channel
	switch {
	case t.Fatal:
		m.logger.Error("Channel gave up reconnecting", "channel", ch.Name(), "error", t.Err)
	case t.To == StateClosed && t.Err != nil && t.Err != roomsync.ErrClosed:
		m.logger.Warn("Channel closed", "channel", ch.Name(), "error", t.Err)
	default:
		m.logger.Debug("Channel transition", "channel", ch.Name(), "from", t.From.String(), "to", t.To.String())
	}

	kind := roomsync.EventChannelState
	if t.Fatal {
		kind = roomsync.EventChannelFatal
	}
	m.broadcast(roomsync.Event{Kind: kind, OccurredAt: t.At, Source: "channel-manager", Payload: ch.Status()})

	m.handlersMu.RLock()
	handlers := append([]StateHandler(nil), m.stateHandlers...)
	m.handlersMu.RUnlock()
	m.loop.Post(func() {
		for _, h := range handlers {
			h(t)
		}
	})

	if t.To == StateClosed && ch.Purpose().Ephemeral() {
		m.mu.Lock()
		delete(m.ephemeral, ch.ID())
		m.mu.Unlock()
	}
}

// Liveness reports the status of each persistent purpose that has been opened.
func (m *Manager) Liveness() map[roomsync.Purpose]Status {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.persistent))
	for _, ch := range m.persistent {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	out := make(map[roomsync.Purpose]Status, len(chans))
	for _, ch := range chans {
		out[ch.Purpose()] = ch.Status()
	}
	return out
}

// Statuses is Liveness as a slice ordered by purpose.
func (m *Manager) Statuses() []Status {
	live := m.Liveness()
	out := make([]Status, 0, len(live))
	for _, s := range live {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Purpose < out[j].Purpose })
	return out
}

// Ephemeral returns how many ephemeral channels are currently tracked.
func (m *Manager) Ephemeral() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ephemeral)
}

// Shutdown closes every channel. The manager cannot be reused.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	chans := make([]*Channel, 0, len(m.persistent)+len(m.ephemeral))
	for _, ch := range m.persistent {
		chans = append(chans, ch)
	}
	for _, ch := range m.ephemeral {
		chans = append(chans, ch)
	}
	m.persistent = make(map[roomsync.Purpose]*Channel)
	m.ephemeral = make(map[string]*Channel)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Close()
		}(ch)
	}
	wg.Wait()
	m.logger.Info("Channels closed", "count", len(chans))
}

type eventSub struct {
	ch        chan roomsync.Event
	closeOnce sync.Once
	owner     *Manager
}

func (e *eventSub) C() <-chan roomsync.Event { return e.ch }
func (e *eventSub) Close() error {
	e.closeOnce.Do(func() {
		e.owner.listenersMu.Lock()
		for i, l := range e.owner.listeners {
			if l == e {
				e.owner.listeners = append(e.owner.listeners[:i], e.owner.listeners[i+1:]...)
				break
			}
		}
		e.owner.listenersMu.Unlock()
		close(e.ch)
	})
	return nil
}

// Subscribe returns channel transition events for connection indicators.
func (m *Manager) Subscribe(buffer int) roomsync.EventSubscription {
	es := &eventSub{ch: make(chan roomsync.Event, buffer), owner: m}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, es)
	m.listenersMu.Unlock()
	return es
}

func (m *Manager) broadcast(evt roomsync.Event) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, es := range m.listeners {
		select {
		case es.ch <- evt:
		default:
		}
	}
}
