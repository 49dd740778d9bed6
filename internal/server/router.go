package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/terraconstructs/iamsync/internal/services/iam"
	"github.com/terraconstructs/iamsync/internal/services/reconcile"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

// RouterOptions controls the construction of the HTTP router.
// Only Service is required.
type RouterOptions struct {
	Service iam.Service

	// Reconciler serves POST /api/v1/policy/reconcile when set
	Reconciler *reconcile.Reconciler

	Logger        *logrus.Logger
	Metrics       *telemetry.ServerMetrics
	CORSOrigins   []string
	Middleware    []func(http.Handler) http.Handler
	HealthHandler http.HandlerFunc
}

// CORSOptions returns the CORS policy for origins.
func CORSOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", OperatorHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with the shared middleware and every
// endpoint mounted.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(recordMetrics(opts.Metrics))
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(CORSOptions(opts.CORSOrigins)))
	}
	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{svc: opts.Service, reconciler: opts.Reconciler, logger: logger}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withActor)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.createUser)
			r.Get("/", h.listUsers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getUser)
				r.Put("/", h.updateUser)
				r.Delete("/", h.deleteUser)
				r.Put("/roles", h.setUserRoles)
				r.Put("/status", h.setUserStatus)
				r.Put("/password", h.resetPassword)
			})
		})

		r.Route("/roles", func(r chi.Router) {
			r.Post("/", h.createRole)
			r.Get("/", h.listRoles)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getRole)
				r.Put("/", h.updateRole)
				r.Delete("/", h.deleteRole)
				r.Put("/users", h.setRoleUsers)
				r.Get("/resources", h.getRoleResources)
				r.Put("/resources", h.setRoleResources)
			})
		})

		r.Get("/operation-logs", h.listOperationLogs)
		r.Get("/permissions/check", h.checkPermission)
		r.Post("/policy/reconcile", h.reconcile)

		r.Route("/idp", func(r chi.Router) {
			r.Get("/users", h.listIdPUsers)
			r.Get("/client-roles", h.listClientRoles)
			r.Post("/client-roles", h.createClientRole)
			r.Delete("/client-roles/{id}", h.deleteClientRole)
			r.Get("/client-roles/{id}/users", h.listClientRoleMembers)
			r.Get("/permissions", h.listPermissions)
			r.Post("/permissions/{id}/toggle-role", h.togglePermissionRole)
			r.Post("/permissions/evaluate", h.evaluatePermissions)
		})
	})

	return r
}

// requestLogger logs one line per request at info level.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Info("request")
		})
	}
}

func recordMetrics(m *telemetry.ServerMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RecordRequest(r.Context(), r.Method, route, strconv.Itoa(ww.Status()),
				float64(time.Since(start).Microseconds())/1000)
		})
	}
}
