// Package api exposes the relay over HTTP: room history, the room socket,
// health and metrics.
package api

import (
	"net/http"
	"time"

	"chat-sync/internal/chat"
	"chat-sync/internal/middleware"
	"chat-sync/internal/repository"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Deps struct {
	Repo    repository.MessageRepo
	Rooms   *chat.Router
	AuthKey []byte
	Log     zerolog.Logger

	// Per-socket token bucket; zero values fall back to the limiter defaults.
	RateBurst  int32
	RateRefill time.Duration
	// HistoryLimit caps the page size when the caller sends none.
	HistoryLimit int
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(d.Log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(d.AuthKey, d.Log))
		r.Get("/api/chat/{room}/messages/", HistoryHandler(d.Repo, d.HistoryLimit, d.Log))
		r.Get("/ws/chat/{room}/", RoomSocketHandler(d))
	})

	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
