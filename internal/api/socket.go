package api

import (
	"net/http"

	"chat-sync/internal/chat"
	"chat-sync/internal/middleware"

	"github.com/go-chi/chi/v5"
)

// RoomSocketHandler upgrades GET /ws/chat/{room}/ and serves the socket until
// it closes. The sender of every frame is the authenticated user.
func RoomSocketHandler(d Deps) http.HandlerFunc {
	log := d.Log.With().Str("component", "socket-api").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		room := chi.URLParam(r, "room")
		userID, ok := middleware.UserIDFromContext(r.Context())
		if room == "" || !ok {
			http.Error(w, "room and user are required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("room", room).Msg("upgrade failed")
			return
		}

		hub := d.Rooms.HubFor(room)
		limiter := middleware.NewRatelimiter(d.RateBurst, d.RateRefill)
		client := chat.NewClient(hub, conn, room, userID, d.Repo, limiter, d.Log)
		client.Serve()
	}
}
