package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kanadmarick/BitStyleMessagingApp/internal/db"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/models"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/session"
)

// DefaultRoom is queried when /history is called without a room parameter,
// matching the original single-room deployment.
const DefaultRoom = "main_room"

type HistoryHandler struct {
	DB *db.Database
}

// History serves GET /history?room=<id>: every persisted message for the
// room as a JSON array, in insertion order. The payloads are returned as
// stored; the server cannot and does not decrypt them.
func (h *HistoryHandler) History(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		room = DefaultRoom
	}
	if len(room) > session.MaxRoomIDLen {
		writeJSONError(w, "Room id must be 32 characters or less", "INVALID_ROOM_ID", http.StatusBadRequest)
		return
	}

	messages, err := h.DB.RoomHistory(room)
	if err != nil {
		slog.Error("Failed to read room history", "room", room, "error", err)
		writeJSONError(w, "Failed to read history", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// Health serves GET /health with a storage-backed liveness check.
func (h *HistoryHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.DB.Ping(); err != nil {
		slog.Error("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "unhealthy",
			"database": "disconnected",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func writeJSONError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message, Code: code})
}
