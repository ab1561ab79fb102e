// Package api exposes nclav's HTTP edge: the Terraform HTTP backend
// protocol every partition workspace points at (4.5), the reconcile entry
// points, and the read/audit endpoints (4.7). It is the only thing in the
// repository that speaks HTTP; everything it does is a thin translation
// onto store.Store and reconciler.Reconciler.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nclav/nclav/internal/logging"
	"github.com/nclav/nclav/internal/reconciler"
	"github.com/nclav/nclav/internal/store"
)

// Server wires the store and reconciler to a gorilla/mux router, the way
// the r3e-network-service_layer runner composes its services' routers
// before handing them to an http.Server.
type Server struct {
	Store      store.Store
	Reconciler *reconciler.Reconciler
	Registry   *prometheus.Registry

	BearerToken string
	Logger      logging.Logger

	router *mux.Router
}

// New builds a Server with every route registered and bearer-token
// middleware applied to everything but /health, /ready and /metrics.
func New(st store.Store, rec *reconciler.Reconciler, reg *prometheus.Registry, bearerToken string, log logging.Logger) *Server {
	s := &Server{
		Store:       st,
		Reconciler:  rec,
		Registry:    reg,
		BearerToken: bearerToken,
		Logger:      log,
		router:      mux.NewRouter(),
	}
	s.routes()
	return s
}

// Router returns the configured router, satisfying the same Runner shape
// the teacher's HTTP-facing services expose to their process entry point.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/reconcile", s.handleReconcile(false)).Methods(http.MethodPost)
	api.HandleFunc("/reconcile/dry-run", s.handleReconcile(true)).Methods(http.MethodPost)

	api.HandleFunc("/enclaves", s.handleListEnclaves).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}", s.handleGetEnclave).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}", s.handleDeleteEnclave).Methods(http.MethodDelete)
	api.HandleFunc("/enclaves/{enclave}/partitions/{partition}", s.handleGetPartition).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}/partitions/{partition}", s.handleDeletePartition).Methods(http.MethodDelete)

	api.HandleFunc("/enclaves/{enclave}/iac/runs", s.handleListIacRuns).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}/iac/runs/latest", s.handleLatestIacRun).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}/iac/runs/{run}", s.handleGetIacRun).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}/partitions/{partition}/iac/runs", s.handleListIacRuns).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}/partitions/{partition}/iac/runs/latest", s.handleLatestIacRun).Methods(http.MethodGet)
	api.HandleFunc("/enclaves/{enclave}/partitions/{partition}/iac/runs/{run}", s.handleGetIacRun).Methods(http.MethodGet)

	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)

	api.HandleFunc("/terraform/state/{enclave}/{partition}", s.handleGetState).Methods(http.MethodGet)
	api.HandleFunc("/terraform/state/{enclave}/{partition}", s.handlePutState).Methods(http.MethodPost)
	api.HandleFunc("/terraform/state/{enclave}/{partition}", s.handleDeleteState).Methods(http.MethodDelete)
	api.HandleFunc("/terraform/state/{enclave}/{partition}/lock", s.handleLockState).Methods(http.MethodPost)
	api.HandleFunc("/terraform/state/{enclave}/{partition}/lock", s.handleUnlockState).Methods(http.MethodDelete)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// authMiddleware enforces the static bearer token on every route it wraps.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.BearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		got := r.Header.Get("Authorization")
		if len(got) <= len(prefix) || got[:len(prefix)] != prefix || got[len(prefix):] != s.BearerToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
