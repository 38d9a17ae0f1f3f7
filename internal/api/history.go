package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"chat-sync/internal/repository"
	"chat-sync/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// HistoryHandler serves GET /api/chat/{room}/messages/?limit=&before=, an
// oldest-first JSON array of envelopes.
func HistoryHandler(repo repository.MessageRepo, defaultLimit int, log zerolog.Logger) http.HandlerFunc {
	log = log.With().Str("component", "history-api").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		room := chi.URLParam(r, "room")
		if room == "" {
			http.Error(w, "room is required", http.StatusBadRequest)
			return
		}

		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		var before time.Time
		if raw := r.URL.Query().Get("before"); raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				http.Error(w, "before must be an RFC 3339 timestamp", http.StatusBadRequest)
				return
			}
			before = t
		}

		dbctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		messages, err := repo.Fetch(dbctx, room, limit, before)
		if err != nil {
			log.Error().Err(err).Str("room", room).Msg("history fetch failed")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.FromMessages(messages)); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("write history response")
		}
	}
}
