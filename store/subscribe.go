package store

import (
	"sync"

	"github.com/softair/roomsync"
)

type subscription struct {
	ch     chan roomsync.Event
	filter func(roomsync.Event) bool

	once  sync.Once
	owner *Store
}

func (e *subscription) C() <-chan roomsync.Event { return e.ch }

func (e *subscription) Close() error {
	e.once.Do(func() {
		e.owner.remove(e)
		close(e.ch)
	})
	return nil
}

// Subscribe returns every store event: per-room changes, evictions, snapshot
// and schedule updates. Slow subscribers lose events rather than block writers.
func (s *Store) Subscribe(buffer int) roomsync.EventSubscription {
	return s.subscribe(buffer, nil)
}

// SubscribeRoom returns only the change and eviction events of one room.
func (s *Store) SubscribeRoom(id roomsync.RoomID, buffer int) roomsync.EventSubscription {
	return s.subscribe(buffer, func(e roomsync.Event) bool { return e.RoomID == id })
}

func (s *Store) subscribe(buffer int, filter func(roomsync.Event) bool) *subscription {
	sub := &subscription{ch: make(chan roomsync.Event, buffer), filter: filter, owner: s}
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, sub)
	s.listenersMu.Unlock()
	return sub
}

func (s *Store) remove(sub *subscription) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, l := range s.listeners {
		if l == sub {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Store) broadcast(events ...roomsync.Event) {
	// Holding the read lock while sending keeps Close from closing a channel
	// mid-send.
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, e := range events {
		for _, l := range s.listeners {
			if l.filter != nil && !l.filter(e) {
				continue
			}
			select {
			case l.ch <- e:
			default: /* drop if slow */
			}
		}
	}
}
