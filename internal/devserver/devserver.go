// Package devserver is an in-memory Dara backend for local development and
// tests. It speaks the same HTTP and websocket protocol as a production
// server: token auth with refresh, derived-variable resolution that may spill
// into tasks, task subscriber counting, and streamed NDJSON route data.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dara-platform/dara-go/internal/normalize"
)

// DerivedFunc computes a derived variable from the denormalized values of its
// inputs.
type DerivedFunc func(ctx context.Context, data any) (any, error)

// TaskFunc is a long-running derived computation executed as a task. progress
// reports fractional completion to subscribed clients.
type TaskFunc func(ctx context.Context, data any, progress func(fraction float64, message string)) (any, error)

// CustomFunc answers a custom websocket message; returning nil sends no reply.
type CustomFunc func(kind string, data json.RawMessage) any

// Options seeds the server.
type Options struct {
	// Token is the initially accepted bearer token. Refresh rotates it.
	Token string
}

// Server holds all in-memory state. Zero persistence: restarting the server
// resets tokens, tasks and channels, exactly like the production dev loop.
type Server struct {
	mu    sync.Mutex
	token string

	derived      map[string]DerivedFunc
	taskDerived  map[string]TaskFunc
	templates    map[string]any
	routes       map[string]RouteConfig
	actions      map[string]DerivedFunc
	componentFns map[string]DerivedFunc
	custom       CustomFunc

	config     any
	components any

	tasks *taskStore
	conns map[string]*wsSession
}

// RouteConfig describes one route the server can stream.
type RouteConfig struct {
	Template string // template name rendered for the route
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Token == "" {
		opts.Token = uuid.NewString()
	}
	s := &Server{
		token:        opts.Token,
		derived:      make(map[string]DerivedFunc),
		taskDerived:  make(map[string]TaskFunc),
		templates:    make(map[string]any),
		routes:       make(map[string]RouteConfig),
		actions:      make(map[string]DerivedFunc),
		componentFns: make(map[string]DerivedFunc),
		config:       map[string]any{"title": "dara dev"},
		components:   map[string]any{},
		conns:        make(map[string]*wsSession),
	}
	s.tasks = newTaskStore(s.broadcast)
	return s
}

// Token returns the currently accepted bearer token.
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// RegisterDerived installs an immediate derived-variable handler.
func (s *Server) RegisterDerived(uid string, fn DerivedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.derived[uid] = fn
}

// RegisterTaskDerived installs a derived-variable handler that runs as a
// backend task reported over the websocket.
func (s *Server) RegisterTaskDerived(uid string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskDerived[uid] = fn
}

// RegisterTemplate installs a named page template.
func (s *Server) RegisterTemplate(name string, tmpl any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = tmpl
}

// RegisterRoute installs a route served by the route-data endpoint.
func (s *Server) RegisterRoute(id string, cfg RouteConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[id] = cfg
}

// RegisterAction installs an on-load action handler.
func (s *Server) RegisterAction(uid string, fn DerivedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[uid] = fn
}

// RegisterComponent installs a server-side component renderer, looked up by
// component name during route streaming.
func (s *Server) RegisterComponent(name string, fn DerivedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.componentFns[name] = fn
}

// SetCustomHandler installs the custom websocket message handler.
func (s *Server) SetCustomHandler(fn CustomFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom = fn
}

// Handler assembles the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/refresh-token", s.handleRefreshToken)

	r.Route("/api/core", func(r chi.Router) {
		// The websocket endpoint authenticates via query parameter; the
		// rest requires a bearer token.
		r.Get("/ws", s.handleWebsocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, s.config)
			})
			r.Get("/components", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, s.components)
			})
			r.Get("/actions", s.handleListActions)
			r.Get("/template/{name}", s.handleTemplate)
			r.Post("/route/{id}", s.handleRoute)
			r.Post("/derived-variable/{uid}", s.handleDerivedVariable)
			r.Get("/tasks/{id}", s.handleTaskResult)
			r.Delete("/tasks/{id}", s.handleTaskCancel)
		})
	})

	return r
}

// ── Auth ────────────────────────────────────────────────────────────────────

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.token = uuid.NewString()
	token := s.token
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw != s.Token() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or stale token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Simple endpoints ────────────────────────────────────────────────────────

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	uids := make([]string, 0, len(s.actions))
	for uid := range s.actions {
		uids = append(uids, uid)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, uids)
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	tmpl, ok := s.templates[name]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "no template named "+name)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// ── Derived variables ───────────────────────────────────────────────────────

func (s *Server) handleDerivedVariable(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var payload struct {
		Data   any            `json:"data"`
		Lookup map[string]any `json:"lookup"`
		Force  bool           `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	data, err := normalize.Denormalize(payload.Data, payload.Lookup)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	s.mu.Lock()
	taskFn, isTask := s.taskDerived[uid]
	fn, isImmediate := s.derived[uid]
	s.mu.Unlock()

	switch {
	case isTask:
		taskID := s.tasks.start(uid, data, taskFn)
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
	case isImmediate:
		value, err := fn(r.Context(), data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "DERIVED_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})
	default:
		writeError(w, http.StatusNotFound, "UNKNOWN_VARIABLE", "no derived variable "+uid)
	}
}

// ── Tasks ───────────────────────────────────────────────────────────────────

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, status, ok := s.tasks.result(id)
	if !ok {
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "no task "+id)
		return
	}
	if !status.Terminal() {
		writeError(w, http.StatusAccepted, "TASK_RUNNING", "task still running")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.tasks.unsubscribe(id) {
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "no task "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
