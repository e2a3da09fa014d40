// Package httpapi exposes the daemon's observable surface: health,
// metrics, reconciler status, the live session view, the audit trail and
// a websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/draintools/draind/internal/audit"
	"github.com/draintools/draind/internal/config"
	"github.com/draintools/draind/internal/directory"
	"github.com/draintools/draind/internal/observability"
	"github.com/draintools/draind/internal/reconciler"
)

type Server struct {
	cfg       config.Config
	rec       *reconciler.Reconciler
	dir       directory.Directory
	store     audit.Store
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, rec *reconciler.Reconciler, dir directory.Directory, store audit.Store, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		rec:       rec,
		dir:       dir,
		store:     store,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// explicitly opened up; non-browser clients omit Origin and
				// are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/queue", s.handleQueue)
	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/audit", s.handleAudit)
	r.Get("/v1/events", s.handleEvents)
	r.Post("/v1/drain", s.handleDrain)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"audit_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"audit_mode": s.storeMode,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.rec.Status())
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"queue": s.rec.QueueSnapshot(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	sessions, err := s.dir.ListSessions(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if directory.IsUnavailable(err) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "directory_unavailable", err.Error())
		return
	}
	if sessions == nil {
		sessions = []directory.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "audit_disabled", "audit trail is not enabled")
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	s.rec.EnableDrain()
	respondJSON(w, http.StatusOK, map[string]any{
		"draining": true,
	})
}

// handleEvents relays the reconciler event stream over a websocket until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.rec.Subscribe()
	defer cancel()

	// Reads are discarded; the read loop exists to learn about close
	// frames and drop the subscription promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
