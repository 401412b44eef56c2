// Package api serves the HTTP surface of the encounter service: the batch
// Fetch API over the durable event queue, detection intake, friend list and
// timeout administration, encounter inspection and a websocket stream that
// announces new data.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/clock"
	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/metrics"
)

// Engine is the slice of *engine.Engine the API drives.
type Engine interface {
	OnBeaconDetected(ctx context.Context, major, minor string, now time.Time)
	Snapshot(major, minor string) (engine.Snapshot, bool)
	Snapshots() []engine.Snapshot
	Friends() []beacon.Identity
	SetFriendList(ctx context.Context, list string) error
	Timeouts() config.Timeouts
	SetTimeouts(ctx context.Context, t config.Timeouts) error
}

// Queue is the slice of *queue.Queue the API drives.
type Queue interface {
	Fetch(ctx context.Context, maxBytes int) []byte
	Size(ctx context.Context) (int, error)
}

// Pinger checks the storage substrate. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the router's collaborators. Metrics, Hub and Store may be nil.
type Deps struct {
	Engine   Engine
	Queue    Queue
	Store    Pinger
	Metrics  *metrics.Metrics
	Hub      *Hub
	Clock    clock.Clock
	Location *time.Location

	MaxFetchBytes  int
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter creates the chi router with all middleware and routes.
func NewRouter(d Deps) *chi.Mux {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Location == nil {
		d.Location = time.Local
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(d.Metrics))

	c := corslib.New(corslib.Options{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	r.Use(c.Handler)
	r.Use(RateLimitMiddleware(d.RateLimitRPS, d.RateLimitBurst))

	h := &handler{deps: d}

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if d.Hub != nil {
			r.Method(http.MethodGet, "/stream", d.Hub)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Get("/events", h.fetchEvents)
			r.Get("/events/count", h.countEvents)

			r.Post("/detections", h.postDetection)

			r.Get("/friends", h.getFriends)
			r.Put("/friends", h.putFriends)

			r.Get("/encounters", h.listEncounters)
			r.Get("/encounters/{major}/{minor}", h.getEncounter)

			r.Get("/timeouts", h.getTimeouts)
			r.Put("/timeouts", h.putTimeouts)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such route")
	})

	return r
}
