package httpapi

import (
	"net/http"
	"time"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/bulk"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/store"
)

// RoomsHandler serves every known room plus the dispatcher queues.
func RoomsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			Rooms        []roomsync.Room   `json:"rooms"`
			Count        int               `json:"count"`
			Schedule     roomsync.Schedule `json:"schedule"`
			LastSnapshot time.Time         `json:"lastSnapshot"`
		}{
			Rooms:        st.Rooms(),
			Schedule:     st.Schedule(),
			LastSnapshot: st.LastSnapshot(),
		}
		out.Count = len(out.Rooms)
		writeJSON(w, http.StatusOK, out)
	}
}

// RoomHandler serves one room by id.
func RoomHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := st.Get(roomsync.RoomID(r.PathValue("id")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

// SettingsRequest is the body of POST /api/rooms/{id}/settings.
type SettingsRequest struct {
	State      roomsync.Power `json:"state"`
	Mode       roomsync.Mode  `json:"mode"`
	TargetTemp float64        `json:"targetTemp"`
	Speed      roomsync.Speed `json:"speed"`
}

// SettingsHandler applies new settings to one room and reports how the
// backend answered.
func SettingsHandler(st *store.Store, ex *bulk.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := roomsync.RoomID(r.PathValue("id"))
		room, err := st.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		var body SettingsRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		current := bulk.DefaultTemp
		if room.CurrentTemp != nil {
			current = *room.CurrentTemp
		}
		resp, err := ex.Apply(r.Context(), protocol.CommandRequest{
			RoomID:      id,
			State:       body.State,
			Speed:       body.Speed,
			CurrentTemp: current,
			TargetTemp:  body.TargetTemp,
			Mode:        body.Mode,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roomId": id, "state": resp.State, "bill": resp.Bill})
	}
}

// PowerHandler switches every known room on or off.
func PowerHandler(st *store.Store, ex *bulk.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			State roomsync.Power `json:"state"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.State != roomsync.PowerOn && body.State != roomsync.PowerOff {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be on or off"})
			return
		}
		res, err := ex.RunBulk(r.Context(), st.Keys(), bulk.SetState(body.State), nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
