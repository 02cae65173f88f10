// Package hub serves the signaling and relay endpoints, health, metrics and
// the shared offline store behind one HTTP listener.
package hub

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"walletchat/relay"
	"walletchat/signaling"
	"walletchat/storage"
)

// RouterOptions holds the services the router exposes. Blobs is optional.
type RouterOptions struct {
	Signaling *signaling.Server
	Relay     *relay.Server
	Blobs     storage.OfflineStore
	Logger    zerolog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// First, so every request is counted.
	r.Use(Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", opts.Relay.HandleHealth)
	r.Get("/signal", opts.Signaling.HandleWebSocket)
	r.Get("/relay", opts.Relay.HandleWebSocket)

	if opts.Blobs != nil {
		blobs := &blobHandler{store: opts.Blobs, logger: opts.Logger.With().Str("component", "blobs").Logger()}
		r.Route("/blobs", func(r chi.Router) {
			r.Post("/", blobs.put)
			r.Get("/{contentID}", blobs.get)
		})
	}

	return r
}
