package bulk

import (
	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
)

const (
	DefaultTemp   = 25.0
	MinTargetTemp = 16.0
	MaxTargetTemp = 30.0
)

// Builder turns the last known state of a room into the command to send.
// satisfied reports that the room is already where the command would put
// it; no command is sent and the key counts as a success.
type Builder func(room roomsync.Room) (req protocol.CommandRequest, satisfied bool)

// SetState switches every room on or off, carrying over whatever settings
// the store knows and filling the rest with defaults.
func SetState(state roomsync.Power) Builder {
	return func(room roomsync.Room) (protocol.CommandRequest, bool) {
		switch room.StatusOr(roomsync.StatusUnknown) {
		case roomsync.StatusRunning:
			if state == roomsync.PowerOn {
				return protocol.CommandRequest{}, true
			}
		case roomsync.StatusOff:
			if state == roomsync.PowerOff {
				return protocol.CommandRequest{}, true
			}
		}

		req := protocol.CommandRequest{
			RoomID:      room.ID,
			State:       state,
			Speed:       roomsync.SpeedLow,
			CurrentTemp: DefaultTemp,
			TargetTemp:  DefaultTemp,
			Mode:        roomsync.ModeCool,
			NewRequest:  1,
		}
		if room.Speed != nil && room.Speed.Valid() {
			req.Speed = *room.Speed
		}
		if room.CurrentTemp != nil {
			req.CurrentTemp = *room.CurrentTemp
		}
		if t := room.TargetTemp; t != nil && *t >= MinTargetTemp && *t <= MaxTargetTemp {
			req.TargetTemp = *t
		}
		if m := room.Mode; m != nil && (*m == roomsync.ModeCool || *m == roomsync.ModeHeat) {
			req.Mode = *m
		}
		return req, false
	}
}
