// Package rest exposes the graph, sync and broadcast operations over HTTP.
package rest

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mindmesh-backend/interfaces/websocket"
	"mindmesh-backend/internal/config"
	"mindmesh-backend/internal/notify"
	"mindmesh-backend/internal/replica"
	"mindmesh-backend/internal/store"
)

// Server carries the handlers' dependencies.
type Server struct {
	handle    *store.Handle
	sync      *replica.Manager
	notifier  *notify.ChangeNotifier
	hub       *websocket.Hub
	writeMode config.WriteMode
	logger    *zap.Logger

	// ready flips once startup sync (when configured) has completed.
	ready atomic.Bool
}

// NewServer wires the HTTP layer.
func NewServer(
	handle *store.Handle,
	syncMgr *replica.Manager,
	notifier *notify.ChangeNotifier,
	hub *websocket.Hub,
	writeMode config.WriteMode,
	logger *zap.Logger,
) *Server {
	return &Server{
		handle:    handle,
		sync:      syncMgr,
		notifier:  notifier,
		hub:       hub,
		writeMode: writeMode,
		logger:    logger,
	}
}

// SetReady marks the service as able to serve reads.
func (s *Server) SetReady() {
	s.ready.Store(true)
}

// Routes configures all routes and middleware.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(s.logger))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/healthz", s.healthCheck)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", s.hub.ServeWS)
	router.Post("/broadcast", s.relayBroadcast)

	router.Route("/api", func(r chi.Router) {
		r.Route("/spaces", func(r chi.Router) {
			r.Get("/", s.listSpaces)
			r.Post("/", s.createSpace)
			r.Route("/{spaceID}", func(r chi.Router) {
				r.Get("/", s.getSpace)
				r.Put("/", s.putSpace)
				r.Delete("/", s.deleteSpace)

				r.Route("/nodes/{nodeKey}", func(r chi.Router) {
					r.Get("/", s.getNode)
					r.Put("/", s.upsertNode)
					r.Patch("/", s.updateNodeField)
					r.Delete("/", s.deleteNode)
				})

				r.Route("/edges", func(r chi.Router) {
					r.Get("/", s.listEdges)
					r.Post("/", s.createEdge)
					r.Delete("/{edgeID}", s.deleteEdge)
				})

				r.Route("/history", func(r chi.Router) {
					r.Get("/", s.listHistory)
					r.Post("/", s.appendHistory)
				})
			})
		})

		r.Post("/sync", s.triggerSync)
		r.Post("/resync", s.triggerResync)
		r.Get("/sync/status", s.syncStatus)
	})

	return router
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
		})
	}
}
