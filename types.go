package roomsync

import "time"

type RoomID string

// Status is the occupancy/service state reported for a room.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusFree    Status = "free"
	StatusBusy    Status = "busy"
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusOff     Status = "off"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusFree, StatusBusy, StatusRunning, StatusWaiting, StatusOff:
		return true
	}
	return false
}

type Mode string

const (
	ModeCool Mode = "cool"
	ModeHeat Mode = "heat"
	ModeOff  Mode = "off"
)

// Speed is the fan intensity level. The backend encodes it as 0..2.
type Speed int

const (
	SpeedLow Speed = iota
	SpeedMedium
	SpeedHigh
)

func (s Speed) Valid() bool { return s >= SpeedLow && s <= SpeedHigh }

// Power is the requested on/off state of a room's unit.
type Power string

const (
	PowerOn  Power = "on"
	PowerOff Power = "off"
)

// Attributes is a partial view of a room. A nil field means "not present":
// merging never touches it.
type Attributes struct {
	Status      *Status  `json:"status,omitempty"`
	CurrentTemp *float64 `json:"currentTemp,omitempty"`
	TargetTemp  *float64 `json:"targetTemp,omitempty"`
	Mode        *Mode    `json:"mode,omitempty"`
	Speed       *Speed   `json:"speed,omitempty"`
	Bill        *float64 `json:"bill,omitempty"`
}

// Merge returns a copy of a with every field present in update applied.
func (a Attributes) Merge(update Attributes) Attributes {
	if update.Status != nil {
		a.Status = Ptr(*update.Status)
	}
	if update.CurrentTemp != nil {
		a.CurrentTemp = Ptr(*update.CurrentTemp)
	}
	if update.TargetTemp != nil {
		a.TargetTemp = Ptr(*update.TargetTemp)
	}
	if update.Mode != nil {
		a.Mode = Ptr(*update.Mode)
	}
	if update.Speed != nil {
		a.Speed = Ptr(*update.Speed)
	}
	if update.Bill != nil {
		a.Bill = Ptr(*update.Bill)
	}
	return a
}

// Equal reports whether both sides carry the same present fields and values.
func (a Attributes) Equal(b Attributes) bool {
	return eq(a.Status, b.Status) && eq(a.CurrentTemp, b.CurrentTemp) &&
		eq(a.TargetTemp, b.TargetTemp) && eq(a.Mode, b.Mode) &&
		eq(a.Speed, b.Speed) && eq(a.Bill, b.Bill)
}

func (a Attributes) Empty() bool { return a.Equal(Attributes{}) }

// StatusOr returns the status or def when unknown.
func (a Attributes) StatusOr(def Status) Status {
	if a.Status == nil {
		return def
	}
	return *a.Status
}

// Ptr is a convenience for building Attributes literals.
func Ptr[T any](v T) *T { return &v }

func eq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Room is the View-Model entity: the last known attributes of one room.
type Room struct {
	ID RoomID `json:"roomId"`
	Attributes
	UpdatedAt time.Time `json:"updatedAt"`
}

// Schedule mirrors the backend dispatcher's queues.
type Schedule struct {
	Serving []RoomID  `json:"servingQueue"`
	Waiting []RoomID  `json:"waitingQueue"`
	At      time.Time `json:"at"`
}

type EventKind string

const (
	EventRoomChanged     EventKind = "room_changed"
	EventRoomEvicted     EventKind = "room_evicted"
	EventSnapshotApplied EventKind = "snapshot_applied"
	EventScheduleChanged EventKind = "schedule_changed"
	EventChannelState    EventKind = "channel_state"
	EventChannelFatal    EventKind = "channel_fatal"
)

type Event struct {
	Kind       EventKind   `json:"kind"`
	RoomID     RoomID      `json:"roomId,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
	Source     string      `json:"source"`
	Payload    interface{} `json:"payload,omitempty"`
}

type EventSubscription interface {
	C() <-chan Event
	Close() error
}

// Outcome classifies how a single command settled.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBusinessFailure
	OutcomeTransportFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBusinessFailure:
		return "business_failure"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}
