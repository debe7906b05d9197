package httpapi

import (
	"net/http"
	"time"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/session"
)

func CheckInHandler(fd *session.FrontDesk) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.CheckInRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.RoomID == "" {
			body.RoomID = session.AutoAllocate
		}
		room, err := fd.CheckIn(r.Context(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": protocol.StatusOK, "roomId": room})
	}
}

func CheckOutHandler(fd *session.FrontDesk) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body protocol.RoomRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		bill, err := fd.CheckOut(r.Context(), body.RoomID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": protocol.StatusOK, "roomId": body.RoomID, "bill": bill})
	}
}

func BillHandler(fd *session.FrontDesk) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := roomsync.RoomID(r.PathValue("id"))
		bill, err := fd.Bill(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roomId": id, "bill": bill})
	}
}

// UseListHandler takes roomId, type (usr|room), usrId, start and end from
// the query string.
func UseListHandler(fd *session.FrontDesk) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := protocol.UseListRequest{
			RoomID:    roomsync.RoomID(q.Get("roomId")),
			Type:      q.Get("type"),
			UserID:    q.Get("usrId"),
			StartTime: q.Get("start"),
			EndTime:   q.Get("end"),
		}
		if req.Type == "" {
			req.Type = "room"
		}
		list, err := fd.UseList(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"uselist": list})
	}
}

// ReportHandler takes optional start and end query parameters in
// "YYYY-MM-DD HH:MM:SS" form.
func ReportHandler(rep *session.Reports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var start, end time.Time
		for _, p := range []struct {
			name string
			dst  *time.Time
		}{{"start", &start}, {"end", &end}} {
			v := r.URL.Query().Get(p.name)
			if v == "" {
				continue
			}
			t, err := time.ParseInLocation(session.ReportTimeLayout, v, time.Local)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad " + p.name + " time"})
				return
			}
			*p.dst = t
		}
		content, err := rep.Report(r.Context(), start, end)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
	}
}
