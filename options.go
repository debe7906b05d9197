package roomsync

import (
	"strings"
	"time"
)

// AuthStrategy acquires an authorization header value sent on every websocket handshake.
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// Purpose names a backend topic. Each purpose maps to one websocket path.
type Purpose string

const (
	PurposeInventory Purpose = "inventory"
	PurposeSchedule  Purpose = "schedule"
	PurposeDetail    Purpose = "detail"
	PurposeCommand   Purpose = "command"
	PurposeCheckIn   Purpose = "checkin"
	PurposeCheckOut  Purpose = "checkout"
	PurposeBill      Purpose = "bill"
	PurposeUseList   Purpose = "uselist"
	PurposeReport    Purpose = "report"
)

var purposePaths = map[Purpose]string{
	PurposeInventory: "roominfo",
	PurposeSchedule:  "query_schedule",
	PurposeDetail:    "query_room_info",
	PurposeCommand:   "room",
	PurposeCheckIn:   "checkin",
	PurposeCheckOut:  "checkout",
	PurposeBill:      "bill",
	PurposeUseList:   "uselist",
	PurposeReport:    "manager",
}

// Path returns the websocket path segment for p, or "" if p is unknown.
func (p Purpose) Path() string { return purposePaths[p] }

// Ephemeral purposes get a fresh channel per request which is discarded after one response.
func (p Purpose) Ephemeral() bool { return p == PurposeCommand }

// ControlRoomID is the room id operator command channels identify as. The
// backend powers a room off when that room's own command socket disconnects,
// so operator channels must never claim the target room's id.
const ControlRoomID = "000"

// Endpoint builds the websocket URL for p under base.
func (p Purpose) Endpoint(base string) string {
	u := strings.TrimRight(base, "/") + "/" + p.Path()
	if p == PurposeCommand {
		u += "?roomId=" + ControlRoomID
	}
	return u
}

// Purposes lists all known purposes in a stable order.
func Purposes() []Purpose {
	return []Purpose{
		PurposeInventory, PurposeSchedule, PurposeDetail, PurposeCommand,
		PurposeCheckIn, PurposeCheckOut, PurposeBill, PurposeUseList, PurposeReport,
	}
}

// ReconnectPolicy decides how a closed channel is re-established.
// MaxAttempts == 0 retries forever; otherwise the channel goes fatal after
// MaxAttempts consecutive failed connects.
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (r ReconnectPolicy) Unbounded() bool { return r.MaxAttempts <= 0 }

// CorrelationPolicy selects what happens when a key is registered while an
// earlier registration for the same (channel, key) is still outstanding.
type CorrelationPolicy int

const (
	// CorrelateSerialize queues waiters per key; responses are matched FIFO.
	CorrelateSerialize CorrelationPolicy = iota
	// CorrelateOverwrite keeps only the newest waiter (last response wins).
	// The displaced waiter is resolved with ErrSuperseded.
	CorrelateOverwrite
	// CorrelateReject refuses the second registration with ErrDuplicateKey.
	CorrelateReject
)

func (p CorrelationPolicy) String() string {
	switch p {
	case CorrelateSerialize:
		return "serialize"
	case CorrelateOverwrite:
		return "overwrite"
	case CorrelateReject:
		return "reject"
	}
	return "unknown"
}

func ParseCorrelationPolicy(s string) (CorrelationPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "serialize":
		return CorrelateSerialize, true
	case "overwrite":
		return CorrelateOverwrite, true
	case "reject":
		return CorrelateReject, true
	}
	return CorrelateSerialize, false
}

// Options configures the synchronization core.
type Options struct {
	BackendURL string // e.g. ws://127.0.0.1:10043/ws
	Auth       AuthStrategy

	Reconnect        map[Purpose]ReconnectPolicy
	DefaultReconnect ReconnectPolicy

	Correlation CorrelationPolicy

	PollInterval     time.Duration
	CommandTimeout   time.Duration // bounds dial + send + response of one command
	RequestTimeout   time.Duration // bounds one request/response on a persistent channel
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// ReconnectFor returns the policy configured for p.
func (o Options) ReconnectFor(p Purpose) ReconnectPolicy {
	if p.Ephemeral() {
		return ReconnectPolicy{MaxAttempts: 1}
	}
	if r, ok := o.Reconnect[p]; ok {
		return r
	}
	return o.DefaultReconnect
}

// DefaultOptions gives baseline defaults matching the dashboards: 5s reconnect
// for room channels, 3s for front-desk channels, and a bounded 5x3s policy for
// the manager report channel.
func DefaultOptions() Options {
	session := ReconnectPolicy{Delay: 3 * time.Second}
	return Options{
		BackendURL:       "ws://127.0.0.1:10043/ws",
		DefaultReconnect: ReconnectPolicy{Delay: 5 * time.Second},
		Reconnect: map[Purpose]ReconnectPolicy{
			PurposeCheckIn:  session,
			PurposeCheckOut: session,
			PurposeBill:     session,
			PurposeUseList:  session,
			PurposeReport:   {MaxAttempts: 5, Delay: 3 * time.Second},
		},
		Correlation:      CorrelateSerialize,
		PollInterval:     10 * time.Second,
		CommandTimeout:   5 * time.Second,
		RequestTimeout:   5 * time.Second,
		HandshakeTimeout: 3 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}
