// ABOUTME: HTTP server struct, constructor, and handler wiring for dispatchq.
// ABOUTME: Hosts /healthz, /metrics, and the huma OpenAPI admin API at /api/v1.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/shakilkhan1801/dispatchq/internal/config"
	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

// Pinger reports backing-store reachability. *store.Store implements it;
// nil is allowed for memory-backed deployments that have nothing to ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	svc         *queue.Service
	db          Pinger
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server around a queue service. db may be nil when the
// service runs on the in-memory store; log may be nil for slog.Default().
func NewServer(svc *queue.Service, db Pinger, cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 60 submissions per minute per IP, burst of 20.
	rl := newIPRateLimiter(rate.Limit(60.0/60), 20, evictTTL)
	return &Server{
		svc:         svc,
		db:          db,
		cfg:         cfg,
		log:         log,
		rateLimiter: rl,
	}
}

// Close releases server-owned background resources (the rate limiter's
// eviction goroutine). It does not stop the queue service.
func (srv *Server) Close() {
	srv.rateLimiter.Close()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// ── Security headers ──────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — job payloads are small JSON documents.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler())
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.requireAPIKey())
	apiRouter.Use(srv.enqueueRateLimit())
	humaConfig := huma.DefaultConfig("dispatchq Admin API", "0.1.0")
	humaConfig.Info.Description = "Queue introspection, job submission, and maintenance API"
	api := humachi.New(apiRouter, humaConfig)
	registerQueueRoutes(api, srv.svc)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status  string                 `json:"status"`
	DB      string                 `json:"db,omitempty"`
	Queues  int                    `json:"queues"`
	Workers int                    `json:"workers"`
	Stats   map[string]queue.Stats `json:"stats,omitempty"`
}

// healthzHandler returns 200 with the service health snapshot, or
// 503 {"status":"degraded",...} when the store is unreachable or the
// service has been closed.
func (srv *Server) healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if srv.db != nil {
			if err := srv.db.Ping(ctx); err != nil {
				srv.log.WarnContext(ctx, "healthz: store ping failed", "err", err)
				resp.Status = "degraded"
				resp.DB = "unavailable"
				statusCode = http.StatusServiceUnavailable
			} else {
				resp.DB = "ok"
			}
		}

		if statusCode == http.StatusOK {
			h, err := srv.svc.HealthCheck(ctx)
			switch {
			case err != nil:
				srv.log.WarnContext(ctx, "healthz: health check failed", "err", err)
				resp.Status = "degraded"
				statusCode = http.StatusServiceUnavailable
			case !h.Healthy:
				resp.Status = "degraded"
				statusCode = http.StatusServiceUnavailable
			default:
				resp.Queues = h.Queues
				resp.Workers = h.Workers
				resp.Stats = h.Stats
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			srv.log.ErrorContext(ctx, "healthz: failed to encode response", "err", err)
		}
	}
}
