package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/softair/roomsync"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeCORS(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, roomsync.ErrInvalidCommand), errors.Is(err, roomsync.ErrUnknownPurpose):
		return http.StatusBadRequest
	case errors.Is(err, roomsync.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, roomsync.ErrBusinessFailure), errors.Is(err, roomsync.ErrDuplicateKey), errors.Is(err, roomsync.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, roomsync.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, roomsync.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(roomsync.ErrInvalidCommand, err)
	}
	return nil
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
