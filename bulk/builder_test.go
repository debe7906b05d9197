package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/softair/roomsync"
)

func TestSetStateShortCircuits(t *testing.T) {
	running := roomsync.Room{ID: "101", Attributes: roomsync.Attributes{Status: roomsync.Ptr(roomsync.StatusRunning)}}
	off := roomsync.Room{ID: "102", Attributes: roomsync.Attributes{Status: roomsync.Ptr(roomsync.StatusOff)}}

	_, done := SetState(roomsync.PowerOn)(running)
	assert.True(t, done)
	_, done = SetState(roomsync.PowerOff)(off)
	assert.True(t, done)
	_, done = SetState(roomsync.PowerOff)(running)
	assert.False(t, done)
	_, done = SetState(roomsync.PowerOn)(roomsync.Room{ID: "103"})
	assert.False(t, done)
}

func TestSetStateDefaults(t *testing.T) {
	req, _ := SetState(roomsync.PowerOn)(roomsync.Room{ID: "101"})
	assert.Equal(t, roomsync.RoomID("101"), req.RoomID)
	assert.Equal(t, roomsync.PowerOn, req.State)
	assert.Equal(t, roomsync.SpeedLow, req.Speed)
	assert.Equal(t, DefaultTemp, req.CurrentTemp)
	assert.Equal(t, DefaultTemp, req.TargetTemp)
	assert.Equal(t, roomsync.ModeCool, req.Mode)
	assert.Equal(t, 1, req.NewRequest)
}

func TestSetStateCarriesKnownSettings(t *testing.T) {
	room := roomsync.Room{ID: "101", Attributes: roomsync.Attributes{
		Status:      roomsync.Ptr(roomsync.StatusWaiting),
		CurrentTemp: roomsync.Ptr(31.0),
		TargetTemp:  roomsync.Ptr(18.0),
		Mode:        roomsync.Ptr(roomsync.ModeHeat),
		Speed:       roomsync.Ptr(roomsync.SpeedHigh),
	}}
	req, done := SetState(roomsync.PowerOff)(room)
	assert.False(t, done)
	assert.Equal(t, 31.0, req.CurrentTemp)
	assert.Equal(t, 18.0, req.TargetTemp)
	assert.Equal(t, roomsync.ModeHeat, req.Mode)
	assert.Equal(t, roomsync.SpeedHigh, req.Speed)

	room.TargetTemp = roomsync.Ptr(35.0)
	room.Mode = roomsync.Ptr(roomsync.ModeOff)
	req, _ = SetState(roomsync.PowerOff)(room)
	assert.Equal(t, DefaultTemp, req.TargetTemp)
	assert.Equal(t, roomsync.ModeCool, req.Mode)
}
