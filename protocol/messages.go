// Package protocol defines the JSON frames exchanged with the backend and the
// lenient decoders that turn them into view-model updates.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/softair/roomsync"
)

// SnapshotRequest is sent on the inventory and schedule channels.
type SnapshotRequest struct {
	Request int `json:"request"`
}

func NewSnapshotRequest() SnapshotRequest { return SnapshotRequest{Request: 1} }

// InventoryItem is one row of an inventory snapshot. Status is nil when the
// backend omitted it or sent something unrecognised.
type InventoryItem struct {
	RoomID roomsync.RoomID
	Status *roomsync.Status
}

type Inventory struct {
	Rooms []InventoryItem
}

type Schedule struct {
	Serving []roomsync.RoomID
	Waiting []roomsync.RoomID
}

type DetailRequest struct {
	RoomID roomsync.RoomID `json:"roomId"`
}

// CommandRequest asks the backend to change one room's unit.
type CommandRequest struct {
	RoomID      roomsync.RoomID `json:"roomId" validate:"required"`
	State       roomsync.Power  `json:"state" validate:"oneof=on off"`
	Speed       roomsync.Speed  `json:"speed" validate:"gte=0,lte=2"`
	CurrentTemp float64         `json:"now_temp"`
	TargetTemp  float64         `json:"set_temp" validate:"gte=16,lte=30"`
	Mode        roomsync.Mode   `json:"mode" validate:"oneof=cool heat"`
	NewRequest  int             `json:"new_request"`
}

type CommandResponse struct {
	State roomsync.Power
	Bill  *float64
}

type CheckInRequest struct {
	RoomID     roomsync.RoomID `json:"roomId" validate:"required"`
	ClientName string          `json:"client_name" validate:"required"`
	ClientID   string          `json:"client_id" validate:"required"`
}

// CheckInResponse.Status is nil when the backend omitted it.
type CheckInResponse struct {
	Status        *string         `json:"status"`
	AllocatedRoom roomsync.RoomID `json:"allocate_room"`
}

type RoomRequest struct {
	RoomID roomsync.RoomID `json:"roomId" validate:"required"`
}

type CheckOutResponse struct {
	Status *string  `json:"status"`
	Bill   *float64 `json:"bill"`
}

type BillResponse struct {
	Bill *float64 `json:"bill"`
}

// UseListRequest queries the usage log either for one user in a room
// (Type "usr") or for a room over an optional time window (Type "room").
type UseListRequest struct {
	RoomID    roomsync.RoomID `json:"roomId" validate:"required"`
	Type      string          `json:"type" validate:"oneof=usr room"`
	UserID    string          `json:"usrId,omitempty" validate:"required_if=Type usr"`
	StartTime string          `json:"start_time"`
	EndTime   string          `json:"end_time"`
}

type UseListResponse struct {
	UseList string `json:"uselist"`
}

// ReportRequest times are "YYYY-MM-DD HH:MM:SS"; both empty means everything.
type ReportRequest struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

type ReportResponse struct {
	Content string `json:"content"`
}

const (
	StatusOK  = "OK"
	StatusErr = "ERR"
)

// Decode unmarshals a session response. Any decoding failure is reported as
// ErrMalformedResponse.
func Decode[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", roomsync.ErrMalformedResponse, err)
	}
	return out, nil
}
