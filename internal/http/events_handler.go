package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/runtime"
	"github.com/softair/roomsync/store"
)

const eventBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// ChannelsHandler serves the liveness of every persistent channel.
func ChannelsHandler(m *runtime.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := m.Statuses()
		fatal := false
		for _, s := range statuses {
			fatal = fatal || s.Fatal
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channels":  statuses,
			"ephemeral": m.Ephemeral(),
			"fatal":     fatal,
		})
	}
}

// EventsHandler upgrades to a websocket and streams store and channel events
// as JSON text frames until the client goes away.
func EventsHandler(st *store.Store, m *runtime.Manager, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("Event stream upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		rooms := st.Subscribe(eventBuffer)
		defer rooms.Close()
		chans := m.Subscribe(eventBuffer)
		defer chans.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			var evt roomsync.Event
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case evt = <-rooms.C():
			case evt = <-chans.C():
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
