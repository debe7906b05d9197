package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/softair/roomsync"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is one observable lifecycle step of a channel.
type Transition struct {
	Channel *Channel
	From    State
	To      State
	Err     error
	// Fatal is set on the final Closed transition of a channel whose
	// reconnect policy is exhausted.
	Fatal bool
	// Epoch counts the connections the channel has opened so far.
	Epoch uint64
	At    time.Time
}

type channelHooks struct {
	transition func(Transition)
	message    func(*Channel, []byte)
}

// Channel is one logical websocket connection scoped to a purpose. It owns a
// goroutine that dials, reads, and re-dials according to its reconnect policy.
type Channel struct {
	id       string
	name     string
	purpose  roomsync.Purpose
	endpoint string
	policy   roomsync.ReconnectPolicy

	dialer       *websocket.Dialer
	auth         roomsync.AuthStrategy
	writeTimeout time.Duration
	hooks        channelHooks

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	epoch    uint64
	fatal    bool
	lastErr  error
	since    time.Time
	changed  chan struct{}

	writeMu sync.Mutex
	done    chan struct{}
}

func newChannel(name string, purpose roomsync.Purpose, endpoint string, policy roomsync.ReconnectPolicy, dialer *websocket.Dialer, auth roomsync.AuthStrategy, writeTimeout time.Duration, hooks channelHooks) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		id:           uuid.NewString(),
		name:         name,
		purpose:      purpose,
		endpoint:     endpoint,
		policy:       policy,
		dialer:       dialer,
		auth:         auth,
		writeTimeout: writeTimeout,
		hooks:        hooks,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		since:        time.Now(),
		changed:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (c *Channel) ID() string                { return c.id }
func (c *Channel) Name() string              { return c.name }
func (c *Channel) Purpose() roomsync.Purpose { return c.purpose }
func (c *Channel) Endpoint() string          { return c.endpoint }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fatal reports whether the channel gave up reconnecting.
func (c *Channel) Fatal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Epoch returns how many connections the channel has opened.
func (c *Channel) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Done is closed once the channel has stopped for good.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) start() { go c.run() }

func (c *Channel) run() {
	defer close(c.done)
	for {
		c.transition(StateConnecting, nil, false)
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				c.transition(StateClosed, roomsync.ErrClosed, false)
				return
			}
			c.mu.Lock()
			c.attempts++
			exhausted := !c.policy.Unbounded() && c.attempts >= c.policy.MaxAttempts
			c.mu.Unlock()
			err = fmt.Errorf("%w: dial %s: %v", roomsync.ErrTransport, c.endpoint, err)
			if exhausted {
				if !c.purpose.Ephemeral() {
					err = fmt.Errorf("%w after %d attempts: %w", roomsync.ErrReconnectExhausted, c.policy.MaxAttempts, err)
				}
				c.transition(StateClosed, err, !c.purpose.Ephemeral())
				return
			}
			c.transition(StateClosed, err, false)
			if !c.wait() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			c.transition(StateClosed, roomsync.ErrClosed, false)
			return
		}
		c.conn = conn
		c.attempts = 0
		c.epoch++
		c.mu.Unlock()
		c.transition(StateOpen, nil, false)

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		if c.ctx.Err() != nil {
			c.transition(StateClosed, roomsync.ErrClosed, false)
			return
		}
		c.transition(StateClosed, fmt.Errorf("%w: %v", roomsync.ErrTransport, err), false)
		if c.purpose.Ephemeral() || !c.wait() {
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.auth != nil {
		if v, e := c.auth.AuthorizationValue(); e == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := c.dialer.DialContext(c.ctx, c.endpoint, header)
	return conn, err
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.hooks.message != nil {
			c.hooks.message(c, data)
		}
	}
}

// wait sleeps for the reconnect delay. It returns false if the channel was
// closed meanwhile.
func (c *Channel) wait() bool {
	t := time.NewTimer(c.policy.Delay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		c.transition(StateClosed, roomsync.ErrClosed, false)
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) transition(to State, err error, fatal bool) {
	now := time.Now()
	c.mu.Lock()
	from := c.state
	if from == to && to == StateClosed && err == roomsync.ErrClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.since = now
	if err != nil {
		c.lastErr = err
	}
	if fatal {
		c.fatal = true
	}
	close(c.changed)
	c.changed = make(chan struct{})
	epoch := c.epoch
	c.mu.Unlock()

	if c.hooks.transition != nil {
		c.hooks.transition(Transition{Channel: c, From: from, To: to, Err: err, Fatal: fatal, Epoch: epoch, At: now})
	}
}

// Send writes msg as one text frame. It fails with ErrNotConnected unless the
// channel is Open; nothing is queued.
func (c *Channel) Send(msg any) error {
	c.mu.Lock()
	st, conn := c.state, c.conn
	c.mu.Unlock()
	if st != StateOpen || conn == nil {
		return fmt.Errorf("%w: %s is %s", roomsync.ErrNotConnected, c.name, st)
	}

	var payload []byte
	switch v := msg.(type) {
	case []byte:
		payload = v
	case json.RawMessage:
		payload = v
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		payload = b
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// a failed write leaves the connection unusable; closing it lets
		// the reader observe the failure and drive the reconnect.
		_ = conn.Close()
		return fmt.Errorf("%w: write %s: %v", roomsync.ErrTransport, c.name, err)
	}
	return nil
}

// WaitOpen blocks until the channel is Open, has stopped for good, or ctx is done.
func (c *Channel) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, changed, lastErr := c.state, c.changed, c.lastErr
		c.mu.Unlock()
		if st == StateOpen {
			return nil
		}
		select {
		case <-c.done:
			if lastErr == nil {
				lastErr = roomsync.ErrClosed
			}
			return lastErr
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
		case <-changed:
		}
	}
}

// Close shuts the channel down and waits for its goroutine to exit.
func (c *Channel) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	if c.ctx.Err() == nil {
		c.transition(StateClosing, nil, false)
	}
	c.cancel()

	// run re-checks the context under mu before publishing a fresh
	// connection, so whatever is in conn now is the last one.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
}

// Status is a point-in-time description of a channel for liveness displays.
type Status struct {
	Purpose   roomsync.Purpose `json:"purpose"`
	Name      string           `json:"name"`
	State     State            `json:"state"`
	Fatal     bool             `json:"fatal"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"lastError,omitempty"`
	Since     time.Time        `json:"since"`
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Purpose: c.purpose, Name: c.name, State: c.state, Fatal: c.fatal, Attempts: c.attempts, Since: c.since}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
