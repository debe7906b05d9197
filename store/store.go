// Package store holds the view model: the last known attributes of every room
// plus the dispatcher queues. It is the single source of truth the View reads.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
)

const source = "store"

// Store maps room ids to their latest known attributes.
//
// Writes arrive from the dispatch loop only, but reads may come from any
// goroutine (HTTP handlers, the bulk executor), hence the RWMutex.
type Store struct {
	mu           sync.RWMutex
	rooms        map[roomsync.RoomID]*roomsync.Room
	schedule     roomsync.Schedule
	lastSnapshot time.Time

	listenersMu sync.RWMutex
	listeners   []*subscription

	now func() time.Time
}

func New() *Store {
	return &Store{
		rooms: make(map[roomsync.RoomID]*roomsync.Room),
		now:   time.Now,
	}
}

// ApplySnapshot makes items the authoritative room set. New rooms are seeded
// with the reported status (unknown if absent), known rooms keep their
// attributes and take the new status when one is reported, and rooms missing
// from items are evicted.
func (s *Store) ApplySnapshot(items []protocol.InventoryItem) (added, evicted []roomsync.RoomID) {
	now := s.now()
	var events []roomsync.Event

	s.mu.Lock()
	current := make(map[roomsync.RoomID]struct{}, len(items))
	for _, it := range items {
		current[it.RoomID] = struct{}{}
		room, known := s.rooms[it.RoomID]
		if !known {
			status := roomsync.StatusUnknown
			if it.Status != nil {
				status = *it.Status
			}
			room = &roomsync.Room{ID: it.RoomID, UpdatedAt: now}
			room.Status = &status
			s.rooms[it.RoomID] = room
			added = append(added, it.RoomID)
			events = append(events, roomEvent(roomsync.EventRoomChanged, *room, now))
			continue
		}
		if it.Status == nil {
			continue
		}
		next := room.Attributes.Merge(roomsync.Attributes{Status: it.Status})
		if !next.Equal(room.Attributes) {
			room.Attributes = next
			room.UpdatedAt = now
			events = append(events, roomEvent(roomsync.EventRoomChanged, *room, now))
		}
	}
	for id := range s.rooms {
		if _, still := current[id]; !still {
			delete(s.rooms, id)
			evicted = append(evicted, id)
			events = append(events, roomsync.Event{Kind: roomsync.EventRoomEvicted, RoomID: id, OccurredAt: now, Source: source})
		}
	}
	s.lastSnapshot = now
	s.mu.Unlock()

	sortIDs(added)
	sortIDs(evicted)
	events = append(events, roomsync.Event{
		Kind:       roomsync.EventSnapshotApplied,
		OccurredAt: now,
		Source:     source,
		Payload:    SnapshotChange{Added: added, Evicted: evicted, Total: len(items)},
	})
	s.broadcast(events...)
	return added, evicted
}

// SnapshotChange is the payload of EventSnapshotApplied.
type SnapshotChange struct {
	Added   []roomsync.RoomID `json:"added,omitempty"`
	Evicted []roomsync.RoomID `json:"evicted,omitempty"`
	Total   int               `json:"total"`
}

// ApplyPartial merges attrs into a known room field by field. Unknown rooms
// are ignored; rooms only come into existence through a snapshot. Returns
// whether anything changed, so re-delivery of the same update is a no-op.
func (s *Store) ApplyPartial(id roomsync.RoomID, attrs roomsync.Attributes) bool {
	if attrs.Empty() {
		return false
	}
	now := s.now()
	s.mu.Lock()
	room, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := room.Attributes.Merge(attrs)
	if next.Equal(room.Attributes) {
		s.mu.Unlock()
		return false
	}
	room.Attributes = next
	room.UpdatedAt = now
	evt := roomEvent(roomsync.EventRoomChanged, *room, now)
	s.mu.Unlock()

	s.broadcast(evt)
	return true
}

// ApplySchedule replaces the dispatcher queues.
func (s *Store) ApplySchedule(sch protocol.Schedule) {
	now := s.now()
	s.mu.Lock()
	changed := !sameIDs(s.schedule.Serving, sch.Serving) || !sameIDs(s.schedule.Waiting, sch.Waiting)
	s.schedule = roomsync.Schedule{
		Serving: append([]roomsync.RoomID(nil), sch.Serving...),
		Waiting: append([]roomsync.RoomID(nil), sch.Waiting...),
		At:      now,
	}
	out := cloneSchedule(s.schedule)
	s.mu.Unlock()

	if changed {
		s.broadcast(roomsync.Event{Kind: roomsync.EventScheduleChanged, OccurredAt: now, Source: source, Payload: out})
	}
}

// Get returns a copy of the room or ErrRoomNotFound.
func (s *Store) Get(id roomsync.RoomID) (roomsync.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return roomsync.Room{}, roomsync.ErrRoomNotFound
	}
	return cloneRoom(*room), nil
}

// Keys returns the known room ids in sorted order.
func (s *Store) Keys() []roomsync.RoomID {
	s.mu.RLock()
	ids := make([]roomsync.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sortIDs(ids)
	return ids
}

// Rooms returns copies of all rooms sorted by id.
func (s *Store) Rooms() []roomsync.Room {
	s.mu.RLock()
	out := make([]roomsync.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, cloneRoom(*r))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Schedule() roomsync.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSchedule(s.schedule)
}

// LastSnapshot returns when the last inventory snapshot was applied.
func (s *Store) LastSnapshot() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSnapshot
}

func roomEvent(kind roomsync.EventKind, room roomsync.Room, at time.Time) roomsync.Event {
	return roomsync.Event{Kind: kind, RoomID: room.ID, OccurredAt: at, Source: source, Payload: cloneRoom(room)}
}

func cloneRoom(r roomsync.Room) roomsync.Room {
	r.Attributes = roomsync.Attributes{}.Merge(r.Attributes)
	return r
}

func cloneSchedule(s roomsync.Schedule) roomsync.Schedule {
	s.Serving = append([]roomsync.RoomID(nil), s.Serving...)
	s.Waiting = append([]roomsync.RoomID(nil), s.Waiting...)
	return s
}

func sameIDs(a, b []roomsync.RoomID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortIDs(ids []roomsync.RoomID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
