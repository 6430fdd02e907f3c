package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"canonplan/internal/config"
	appLog "canonplan/internal/log"
	"canonplan/internal/model"
	"canonplan/internal/pipeline"
)

// PlanReader is the read side of the plan repository.
type PlanReader interface {
	Get(ctx context.Context, userID string) (*model.CanonicalPlan, error)
}

// Server exposes the canonical plans and recent run diagnostics read-only.
type Server struct {
	cfg   *config.Config
	plans PlanReader
	runs  *pipeline.RunLog
	mux   *http.ServeMux
	now   func() time.Time

	// Rendered /plan pages, keyed by user. Plans change at most once per
	// refresh, so a short TTL is enough.
	pageMu    sync.RWMutex
	pageCache map[string]pageEntry
}

type pageEntry struct {
	html      []byte
	updatedAt time.Time
}

const pageCacheTTL = 30 * time.Second

func NewServer(cfg *config.Config, plans PlanReader, runs *pipeline.RunLog) *Server {
	s := &Server{
		cfg:       cfg,
		plans:     plans,
		runs:      runs,
		mux:       http.NewServeMux(),
		now:       time.Now,
		pageCache: map[string]pageEntry{},
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="canonplan", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/plan", s.handlePlanJSON)
	s.mux.HandleFunc("GET /plan", s.handlePlanHTML)
	s.mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// resolveUser picks the ?user= parameter, defaulting to the only configured
// user. It writes the error response itself when it returns nil.
func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request) *config.UserConfig {
	id := r.URL.Query().Get("user")
	if id == "" && len(s.cfg.Users) == 1 {
		id = s.cfg.Users[0].ID
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "user parameter is required")
		return nil
	}
	u := s.cfg.User(id)
	if u == nil {
		writeError(w, http.StatusNotFound, "unknown user")
		return nil
	}
	return u
}

func (s *Server) loadPlan(w http.ResponseWriter, r *http.Request, userID string) (*model.CanonicalPlan, bool) {
	p, err := s.plans.Get(r.Context(), userID)
	if err != nil {
		appLog.Error("failed to load plan", err, "user", userID)
		writeError(w, http.StatusInternalServerError, "failed to load plan")
		return nil, false
	}
	if p == nil {
		p = model.NewPlan(userID)
	}
	return p, true
}

func (s *Server) handlePlanJSON(w http.ResponseWriter, r *http.Request) {
	u := s.resolveUser(w, r)
	if u == nil {
		return
	}
	p, ok := s.loadPlan(w, r, u.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanHTML(w http.ResponseWriter, r *http.Request) {
	u := s.resolveUser(w, r)
	if u == nil {
		return
	}

	now := s.now()
	s.pageMu.RLock()
	entry, ok := s.pageCache[u.ID]
	s.pageMu.RUnlock()
	if !ok || now.Sub(entry.updatedAt) >= pageCacheTTL {
		p, ok := s.loadPlan(w, r, u.ID)
		if !ok {
			return
		}
		html, err := RenderHTML(p, now, s.cfg.Location(u))
		if err != nil {
			appLog.Error("failed to render plan", err, "user", u.ID)
			writeError(w, http.StatusInternalServerError, "failed to render plan")
			return
		}
		entry = pageEntry{html: html, updatedAt: now}
		s.pageMu.Lock()
		s.pageCache[u.ID] = entry
		s.pageMu.Unlock()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.html)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	u := s.resolveUser(w, r)
	if u == nil {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 10)
	var runs []pipeline.Diagnostics
	if s.runs != nil {
		runs = s.runs.Recent(u.ID)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []pipeline.Diagnostics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u.ID, "runs": runs})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
