package playback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/types"
)

// RoomReader loads room metadata.
type RoomReader interface {
	GetRoomByID(ctx context.Context, id types.RoomID) (types.Room, error)
}

// HTTPHandler exposes room metadata and playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	rooms  RoomReader
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /rooms/{id} and
// GET /rooms/{id}/state.
func NewHTTPHandler(svc *Service, rooms RoomReader, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, rooms: rooms, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "rooms" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	roomID := types.RoomID(parts[1])

	switch {
	case len(parts) == 2:
		h.serveRoom(w, r, roomID)
	case len(parts) == 3 && parts[2] == "state":
		h.serveState(w, r, roomID)
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPHandler) serveRoom(w http.ResponseWriter, r *http.Request, roomID types.RoomID) {
	if h.rooms == nil {
		http.NotFound(w, r)
		return
	}
	room, err := h.rooms.GetRoomByID(r.Context(), roomID)
	if errors.Is(err, storage.ErrRoomNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("room", string(roomID)).Msg("room lookup failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, room)
}

func (h *HTTPHandler) serveState(w http.ResponseWriter, r *http.Request, roomID types.RoomID) {
	var atTime *time.Time
	if raw := r.URL.Query().Get("at_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		atTime = &parsed
	}

	state, err := h.svc.Playback(r.Context(), Request{Room: roomID, AtTime: atTime})
	if err != nil {
		h.logger.Error().Err(err).Str("room", string(roomID)).Msg("playback failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, state)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("encode response failed")
	}
}
