package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/softair/roomsync"
)

// fields parses a JSON object into raw members. Anything that is not an
// object is malformed.
func fields(data []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: not an object", roomsync.ErrMalformedResponse)
	}
	return m, nil
}

// DecodeInventory parses {rooms:[{roomId, status}, ...]}. Rows without a
// usable roomId are skipped.
func DecodeInventory(data []byte) (Inventory, error) {
	m, err := fields(data)
	if err != nil {
		return Inventory{}, err
	}
	raw, ok := m["rooms"]
	if !ok {
		return Inventory{}, fmt.Errorf("%w: missing rooms", roomsync.ErrMalformedResponse)
	}
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return Inventory{}, fmt.Errorf("%w: rooms: %v", roomsync.ErrMalformedResponse, err)
	}
	inv := Inventory{Rooms: make([]InventoryItem, 0, len(rows))}
	for _, row := range rows {
		id, ok := flexID(row["roomId"])
		if !ok {
			continue
		}
		item := InventoryItem{RoomID: id}
		if st, ok := flexStatus(row["status"]); ok {
			item.Status = &st
		}
		inv.Rooms = append(inv.Rooms, item)
	}
	return inv, nil
}

// DecodeSchedule parses {serving_queue:[...], waiting_queue:[...]}.
func DecodeSchedule(data []byte) (Schedule, error) {
	m, err := fields(data)
	if err != nil {
		return Schedule{}, err
	}
	serving, okS := flexIDs(m["serving_queue"])
	waiting, okW := flexIDs(m["waiting_queue"])
	if !okS || !okW {
		return Schedule{}, fmt.Errorf("%w: missing queues", roomsync.ErrMalformedResponse)
	}
	return Schedule{Serving: serving, Waiting: waiting}, nil
}

// DetailKey extracts the correlation key (roomId) of a detail response.
func DetailKey(data []byte) (string, bool) {
	m, err := fields(data)
	if err != nil {
		return "", false
	}
	id, ok := flexID(m["roomId"])
	return string(id), ok
}

// DecodeDetail parses a detail response. Only roomId is required; every
// other field is taken when present and well-formed and ignored otherwise.
func DecodeDetail(data []byte) (roomsync.RoomID, roomsync.Attributes, error) {
	m, err := fields(data)
	if err != nil {
		return "", roomsync.Attributes{}, err
	}
	id, ok := flexID(m["roomId"])
	if !ok {
		return "", roomsync.Attributes{}, fmt.Errorf("%w: missing roomId", roomsync.ErrMalformedResponse)
	}
	var attrs roomsync.Attributes
	if st, ok := flexStatus(m["status"]); ok {
		attrs.Status = &st
	}
	if v, ok := flexNumber(m["now_temp"]); ok {
		attrs.CurrentTemp = &v
	}
	if v, ok := flexNumber(m["set_temp"]); ok {
		attrs.TargetTemp = &v
	}
	if md, ok := flexString(m["mode"]); ok {
		mode := roomsync.Mode(md)
		attrs.Mode = &mode
	}
	if sp, ok := flexSpeed(m["speed"]); ok {
		attrs.Speed = &sp
	}
	if v, ok := flexNumber(m["bill"]); ok && v >= 0 {
		attrs.Bill = &v
	}
	return id, attrs, nil
}

// DecodeCommand parses {state, bill?}.
func DecodeCommand(data []byte) (CommandResponse, error) {
	m, err := fields(data)
	if err != nil {
		return CommandResponse{}, err
	}
	st, ok := flexString(m["state"])
	if !ok {
		return CommandResponse{}, fmt.Errorf("%w: missing state", roomsync.ErrMalformedResponse)
	}
	resp := CommandResponse{State: roomsync.Power(st)}
	if v, ok := flexNumber(m["bill"]); ok && v >= 0 {
		resp.Bill = &v
	}
	return resp, nil
}

func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || strings.TrimSpace(string(raw)) == "null"
}

func flexString(raw json.RawMessage) (string, bool) {
	if absent(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// flexNumber accepts JSON numbers and numeric strings.
func flexNumber(raw json.RawMessage) (float64, bool) {
	if absent(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	s, ok := flexString(raw)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// flexID accepts string or integral room ids.
func flexID(raw json.RawMessage) (roomsync.RoomID, bool) {
	if s, ok := flexString(raw); ok {
		return roomsync.RoomID(s), true
	}
	if absent(raw) {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		return roomsync.RoomID(n.String()), true
	}
	return "", false
}

func flexIDs(raw json.RawMessage) ([]roomsync.RoomID, bool) {
	if absent(raw) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	ids := make([]roomsync.RoomID, 0, len(items))
	for _, it := range items {
		if id, ok := flexID(it); ok {
			ids = append(ids, id)
		}
	}
	return ids, true
}

var speedNames = map[string]roomsync.Speed{
	"low":    roomsync.SpeedLow,
	"medium": roomsync.SpeedMedium,
	"high":   roomsync.SpeedHigh,
}

// flexSpeed accepts a level 0..2 or its name. "off" and anything else
// unrecognised count as absent.
func flexSpeed(raw json.RawMessage) (roomsync.Speed, bool) {
	if s, ok := flexString(raw); ok {
		if sp, ok := speedNames[strings.ToLower(strings.TrimSpace(s))]; ok {
			return sp, true
		}
	}
	v, ok := flexNumber(raw)
	if !ok {
		return 0, false
	}
	sp := roomsync.Speed(v)
	return sp, float64(sp) == v && sp.Valid()
}

func flexStatus(raw json.RawMessage) (roomsync.Status, bool) {
	s, ok := flexString(raw)
	if !ok {
		return "", false
	}
	st := roomsync.Status(s)
	return st, st.Valid()
}
