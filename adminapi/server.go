// Package adminapi is the moderation and operations HTTP surface:
// queue statistics, held-message listings, moderator resolutions, and
// the Prometheus scrape endpoint.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/ledger"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/queue"
)

type Server struct {
	addr      string
	apiKey    string
	store     *queue.Store
	ledger    *ledger.Ledger
	moderator *ledger.Moderator
	registry  func() *lists.Registry
	server    *http.Server
}

type Options struct {
	Store     *queue.Store
	Ledger    *ledger.Ledger
	Moderator *ledger.Moderator
	Registry  func() *lists.Registry
}

func New(cfg config.AdminConfig, opts Options) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the admin server")
	}
	return &Server{
		addr:      cfg.Addr,
		apiKey:    cfg.APIKey,
		store:     opts.Store,
		ledger:    opts.Ledger,
		moderator: opts.Moderator,
		registry:  opts.Registry,
	}, nil
}

// Start serves until ctx is cancelled, reporting fatal errors on errCh.
func (s *Server) Start(ctx context.Context, errCh chan<- error) {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.setupRoutes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down admin server", "error", err)
		}
	}()

	logger.Info("admin server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errCh <- fmt.Errorf("admin server failed: %w", err)
	}
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// The health and scrape endpoints stay open; everything that acts
	// on queues or holds requires the API key.
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/queues", s.handleQueues).Methods("GET")
	api.HandleFunc("/lists", s.handleLists).Methods("GET")
	api.HandleFunc("/lists/{list}/held", s.handleHeld).Methods("GET")
	api.HandleFunc("/held/{id}/resolve", s.handleResolve).Methods("POST")

	return router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queueStats struct {
	Queue  string `json:"queue"`
	Ready  int    `json:"ready"`
	Staged int    `json:"staged"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats := make([]queueStats, 0, len(consts.AllQueues))
	for _, q := range consts.AllQueues {
		ready, staged, err := s.store.Stats(q)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats = append(stats, queueStats{Queue: q, Ready: ready, Staged: staged})
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type listInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Members int    `json:"members"`
	Archive bool   `json:"archive"`
	Digest  bool   `json:"digest"`
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	registry := s.registry()
	infos := make([]listInfo, 0, registry.Len())
	for _, name := range registry.Names() {
		list, err := registry.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, listInfo{
			Name:    list.Name,
			Address: list.Address,
			Members: len(list.Members),
			Archive: list.Archive,
			Digest:  list.Digest,
		})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

type heldInfo struct {
	HoldID    string    `json:"hold_id"`
	List      string    `json:"list"`
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Rule      string    `json:"rule"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleHeld(w http.ResponseWriter, r *http.Request) {
	listName := mux.Vars(r)["list"]
	if _, err := s.registry().Get(listName); err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no such list: %s", listName))
		return
	}

	holds, err := s.ledger.ListPending(r.Context(), listName)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	infos := make([]heldInfo, 0, len(holds))
	for _, h := range holds {
		infos = append(infos, heldInfo{
			HoldID:    h.ID,
			List:      h.List,
			MessageID: h.MessageID,
			Reason:    h.Reason,
			Rule:      h.Rule,
			CreatedAt: h.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

type resolveRequest struct {
	Disposition string `json:"disposition"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	holdID := mux.Vars(r)["id"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	disposition, err := ledger.ParseDisposition(req.Disposition)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.moderator.Resolve(r.Context(), holdID, disposition)
	switch {
	case errors.Is(err, consts.ErrHoldNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no such hold: %s", holdID))
		return
	case errors.Is(err, consts.ErrHoldResolved):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"hold_id":     h.ID,
		"list":        h.List,
		"disposition": string(h.Disposition),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode admin API response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
