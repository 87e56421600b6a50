// Package httpapi exposes the marketplace operations over loopback HTTP
// for the local UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/solsticehq/solstice-marketplace/internal/marketplace"
)

type Options struct {
	Logger     *slog.Logger
	ListenAddr string

	Registries *marketplace.RegistryService
	Items      *marketplace.QueryService
}

type Server struct {
	log        *slog.Logger
	listenAddr string

	registries *marketplace.RegistryService
	items      *marketplace.QueryService

	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Registries == nil {
		return nil, errors.New("missing Registries")
	}
	if opts.Items == nil {
		return nil, errors.New("missing Items")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:24100"
	}
	s := &Server{
		log:        log,
		listenAddr: addr,
		registries: opts.Registries,
		items:      opts.Items,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.requestLog)

	mux.Route("/api/marketplace", func(r chi.Router) {
		r.Get("/registries", s.handleListRegistries)
		r.Post("/registries", s.handleCreateRegistry)
		r.Post("/registries/test", s.handleTestRegistry)
		r.Put("/registries/{id}", s.handleUpdateRegistry)
		r.Delete("/registries/{id}", s.handleDeleteRegistry)
		r.Post("/registries/{id}/refresh", s.handleRefreshRegistry)
		r.Get("/registries/{id}/history", s.handleRegistryHistory)

		r.Get("/items", s.handleListItems)
		r.Get("/items/{registryID}/{type}/{name}", s.handleItemDetail)
	})
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("httpapi: listening", "addr", s.listenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleListRegistries(w http.ResponseWriter, _ *http.Request) {
	regs, err := s.registries.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registries": regs})
}

func (s *Server) handleCreateRegistry(w http.ResponseWriter, r *http.Request) {
	var cfg marketplace.Registry
	if !s.decodeBody(w, r, &cfg) {
		return
	}
	reg, err := s.registries.Create(cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleUpdateRegistry(w http.ResponseWriter, r *http.Request) {
	var patch marketplace.RegistryPatch
	if !s.decodeBody(w, r, &patch) {
		return
	}
	reg, err := s.registries.Update(chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleDeleteRegistry(w http.ResponseWriter, r *http.Request) {
	if err := s.registries.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRefreshRegistry(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registries.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleTestRegistry(w http.ResponseWriter, r *http.Request) {
	var draft marketplace.Registry
	if !s.decodeBody(w, r, &draft) {
		return
	}
	result, err := s.registries.Test(r.Context(), draft)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegistryHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.registries.History(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	result, err := s.items.GetAllItems(marketplace.ItemFilters{
		Type:     q.Get("type"),
		Search:   q.Get("search"),
		Category: q.Get("category"),
		Registry: q.Get("registry"),
		Status:   q.Get("status"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleItemDetail(w http.ResponseWriter, r *http.Request) {
	itemType := marketplace.ItemType(chi.URLParam(r, "type"))
	if !itemType.Valid() {
		writeErrorBody(w, http.StatusBadRequest, "MARKETPLACE_VALIDATION_FAILED", "invalid item type")
		return
	}
	detail, err := s.items.GetItemDetail(r.Context(), chi.URLParam(r, "registryID"), itemType, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "MARKETPLACE_VALIDATION_FAILED", "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if me, ok := marketplace.AsMarketplaceError(err); ok {
		writeErrorBody(w, me.HTTPStatus(), me.Code(), me.Error())
		return
	}
	s.log.Warn("httpapi: unexpected error", "error", err)
	writeErrorBody(w, http.StatusInternalServerError, "MARKETPLACE_INTERNAL_ERROR", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorBody(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
