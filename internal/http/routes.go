package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/softair/roomsync/core"
)

// Routes mounts the View API for c.
func Routes(c *core.Core, logger *slog.Logger) *http.ServeMux {
	st, ex := c.Store(), c.Executor()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms", RoomsHandler(st))
	mux.HandleFunc("GET /api/rooms/{id}", RoomHandler(st))
	mux.HandleFunc("POST /api/rooms/{id}/settings", SettingsHandler(st, ex))
	mux.HandleFunc("POST /api/power", PowerHandler(st, ex))
	mux.HandleFunc("GET /api/channels", ChannelsHandler(c.Manager()))
	mux.HandleFunc("GET /api/events", EventsHandler(st, c.Manager(), logger))
	mux.HandleFunc("POST /api/checkin", CheckInHandler(c.FrontDesk()))
	mux.HandleFunc("POST /api/checkout", CheckOutHandler(c.FrontDesk()))
	mux.HandleFunc("GET /api/bill/{id}", BillHandler(c.FrontDesk()))
	mux.HandleFunc("GET /api/uselist", UseListHandler(c.FrontDesk()))
	mux.HandleFunc("GET /api/report", ReportHandler(c.Reports()))
	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
