package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dustline/tactics-server/internal/ws"
)

func SetupRoutes(api *API, sock *ws.Server) http.Handler {
	r := chi.NewRouter()

	r.Post("/sessions", api.CreateSession)
	r.Get("/sessions", api.ListSessions)
	r.Get("/healthz", Healthz)
	r.Get("/ws", sock.Handler())
	return r
}
