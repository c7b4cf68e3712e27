package http

import (
	"net/http"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers はルーターに登録するハンドラーの一式です
type Handlers struct {
	Room      *handlers.RoomHandler
	Playback  *handlers.PlaybackHandler
	Queue     *handlers.QueueHandler
	WebSocket *handlers.WebSocketHandler
}

func NewRouter(h Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/room", func(r chi.Router) {
		r.Post("/create", h.Room.Create)
		r.Get("/{roomId}", h.Room.Get)
		r.Delete("/delete/{roomId}", h.Room.Delete)
		r.Post("/{roomId}/join", h.Room.Join)
		r.Post("/{roomId}/leave", h.Room.Leave)
		r.Post("/{roomId}/touch", h.Room.Touch)

		// 共有再生状態
		r.Get("/{roomId}/playback", h.Playback.Get)
		r.Post("/{roomId}/playback/track", h.Playback.ChangeTrack)
		r.Post("/{roomId}/playback/pause", h.Playback.Pause)
		r.Post("/{roomId}/playback/resume", h.Playback.Resume)
		r.Post("/{roomId}/playback/seek", h.Playback.Seek)

		// キュー
		r.Get("/{roomId}/queue", h.Queue.List)
		r.Post("/{roomId}/queue", h.Queue.Add)
		r.Post("/{roomId}/queue/next", h.Queue.PlayNext)
		r.Delete("/{roomId}/queue/{itemId}", h.Queue.Remove)

		// WebSocketエンドポイント
		if h.WebSocket != nil {
			r.Get("/{roomId}/ws", h.WebSocket.HandleWebSocket)
		}
	})

	return r
}
