// Package server exposes the admin RPC surface consumed by executors:
// execution callbacks and registry heartbeats.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"jobrig/internal/api"
	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

// Completer applies callback batches. Satisfied by *complete.Service.
type Completer interface {
	Apply(ctx context.Context, results []model.CallbackResult) error
}

// Registrar records executor heartbeats. Satisfied by *registry.Service.
type Registrar interface {
	Apply(ctx context.Context, req model.RegistryRequest) error
	Remove(ctx context.Context, req model.RegistryRequest) error
}

type Server struct {
	completer Completer
	registrar Registrar
	token     string
	metrics   http.Handler
	log       logx.Logger
}

type Option func(*Server)

// WithMetrics mounts a metrics handler at GET /metrics, outside the
// access-token check so scrapers need no executor secret.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func New(completer Completer, registrar Registrar, token string, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		completer: completer,
		registrar: registrar,
		token:     token,
		log:       log.With(logx.String("component", "admin_server")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	rpc := r.PathPrefix("/api").Subrouter()
	rpc.Use(api.TokenMiddleware(s.token))
	rpc.HandleFunc("/callback", s.handleCallback).Methods(http.MethodPost)
	rpc.HandleFunc("/registry", s.handleRegistry).Methods(http.MethodPost)
	rpc.HandleFunc("/registryRemove", s.handleRegistryRemove).Methods(http.MethodPost)
	return r
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var results []model.CallbackResult
	if err := api.ReadJSON(r, &results); err != nil {
		api.WriteJSON(w, api.Fail("decode callback batch: "+err.Error()))
		return
	}
	if err := s.completer.Apply(r.Context(), results); err != nil {
		s.log.Warn("callback batch failed", logx.Int("results", len(results)), logx.Err(err))
		api.WriteJSON(w, api.Fail(err.Error()))
		return
	}
	api.WriteJSON(w, api.OK())
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	var req model.RegistryRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteJSON(w, api.Fail("decode registry request: "+err.Error()))
		return
	}
	if err := s.registrar.Apply(r.Context(), req); err != nil {
		api.WriteJSON(w, api.Fail(err.Error()))
		return
	}
	api.WriteJSON(w, api.OK())
}

func (s *Server) handleRegistryRemove(w http.ResponseWriter, r *http.Request) {
	var req model.RegistryRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteJSON(w, api.Fail("decode registry request: "+err.Error()))
		return
	}
	if err := s.registrar.Remove(r.Context(), req); err != nil {
		api.WriteJSON(w, api.Fail(err.Error()))
		return
	}
	api.WriteJSON(w, api.OK())
}
