// Package api exposes the control surface over HTTP: operator login plus
// node CRUD and metric snapshots, all mutations routed through the driver
// so they serialize with every other control intent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/zeromonitor/zeromonitor/internal/auth"
	"github.com/zeromonitor/zeromonitor/internal/config"
	"github.com/zeromonitor/zeromonitor/internal/driver"
	"github.com/zeromonitor/zeromonitor/internal/inventory"
	"github.com/zeromonitor/zeromonitor/internal/models"
	"github.com/zeromonitor/zeromonitor/internal/sink"
)

// Server is the control API over the driver.
type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	logger *slog.Logger

	drv   *driver.Driver
	store *inventory.Store
	cache *sink.SnapshotCache
	auth  *auth.Service
}

// NewServer builds the router and wires all endpoints.
func NewServer(cfg config.ServerConfig, drv *driver.Driver, store *inventory.Store, cache *sink.SnapshotCache, authService *auth.Service, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
		drv:    drv,
		store:  store,
		cache:  cache,
		auth:   authService,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recovery(s.logger))
	r.Use(Logger(s.logger))
	r.Use(chimiddleware.StripSlashes)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(JWTAuth(s.auth))

			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", s.handleListNodes)
				r.Post("/", s.handleAddNode)
				r.Delete("/{name}", s.handleRemoveNode)
				r.Put("/{name}/interval", s.handleUpdateInterval)
				r.Get("/{name}/metrics", s.handleNodeMetrics)
			})
			r.Get("/metrics", s.handleAllMetrics)
			r.Post("/reload", s.handleReload)
		})
	})

	s.router = r
	return s
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.GetReadTimeout(),
		WriteTimeout: s.cfg.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "zeromonitor",
		"workers": len(s.drv.Running()),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		return
	}
	respondSuccess(w, http.StatusOK, resp)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Entries()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INVENTORY_ERROR", err.Error())
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"nodes":   entries,
		"running": s.drv.Running(),
	})
}

type addNodeRequest struct {
	inventory.Entry
	Credentials models.Credentials `json:"credentials"`
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	// The embedded field would otherwise carry raw credential JSON into
	// the stored document.
	req.Entry.Credentials = ""

	err := s.drv.AddNode(r.Context(), req.Entry, req.Credentials)
	switch {
	case err == nil:
		respondSuccess(w, http.StatusCreated, map[string]interface{}{"name": req.Entry.Name})
	case errors.Is(err, inventory.ErrDuplicateName):
		respondError(w, http.StatusConflict, "DUPLICATE_NAME", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "ADD_FAILED", err.Error())
	}
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.drv.RemoveNode(r.Context(), name)
	switch {
	case err == nil:
		respondSuccess(w, http.StatusOK, map[string]interface{}{"name": name})
	case errors.Is(err, inventory.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "REMOVE_FAILED", err.Error())
	}
}

type updateIntervalRequest struct {
	PollingFrequency int `json:"polling_frequency"`
}

func (s *Server) handleUpdateInterval(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req updateIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.PollingFrequency <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_INTERVAL", "polling_frequency must be positive")
		return
	}

	err := s.drv.UpdateInterval(r.Context(), name, req.PollingFrequency)
	switch {
	case err == nil:
		respondSuccess(w, http.StatusOK, map[string]interface{}{
			"name":              name,
			"polling_frequency": req.PollingFrequency,
		})
	case errors.Is(err, inventory.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", err.Error())
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.drv.Reload(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "RELOAD_FAILED", err.Error())
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"running": s.drv.Running(),
	})
}

func (s *Server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	event, ok := s.cache.Latest(name)
	if !ok {
		respondError(w, http.StatusNotFound, "NO_METRICS", "No metrics collected for node yet")
		return
	}
	respondSuccess(w, http.StatusOK, event)
}

func (s *Server) handleAllMetrics(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"metrics": s.cache.All(),
	})
}
