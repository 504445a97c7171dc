package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dara-platform/dara-go/internal/normalize"
)

// routeRequest mirrors the client's route-data POST body.
type routeRequest struct {
	Channel string `json:"ws_channel"`
	OnLoad  []struct {
		UID         string            `json:"uid"`
		ExecutionID string            `json:"execution_id"`
		Values      normalize.Payload `json:"values"`
	} `json:"on_load"`
	DerivedVariables []struct {
		UID    string            `json:"uid"`
		Values normalize.Payload `json:"values"`
		Force  bool              `json:"force"`
	} `json:"derived_variables"`
	Components []struct {
		UID    string            `json:"uid"`
		Name   string            `json:"name"`
		Values normalize.Payload `json:"values"`
	} `json:"components"`
}

// routeChunk is one NDJSON line of the streamed response.
type routeChunk struct {
	Type  string         `json:"type"`
	UID   string         `json:"uid,omitempty"`
	Value any            `json:"value,omitempty"`
	Error *routeChunkErr `json:"error,omitempty"`
}

type routeChunkErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleRoute streams everything a navigation target needs as NDJSON: the
// template first so the page shell renders immediately, then on-load action
// results, then each derived variable and server-side component as it
// finishes. Failures are per-chunk, never fatal to the stream.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "id")

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	s.mu.Lock()
	cfg, ok := s.routes[routeID]
	tmpl := s.templates[cfg.Template]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "no route "+routeID)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	emit := func(chunk routeChunk) {
		enc.Encode(chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(routeChunk{Type: "template", Value: tmpl})

	actionResults := make([]map[string]any, 0, len(req.OnLoad))
	for _, a := range req.OnLoad {
		s.mu.Lock()
		fn := s.actions[a.UID]
		s.mu.Unlock()
		result := map[string]any{"uid": a.UID, "execution_id": a.ExecutionID}
		if fn == nil {
			result["error"] = "no action " + a.UID
		} else if data, err := normalize.DenormalizePayload(a.Values); err != nil {
			result["error"] = err.Error()
		} else if value, err := fn(r.Context(), data); err != nil {
			result["error"] = err.Error()
		} else {
			result["value"] = value
		}
		actionResults = append(actionResults, result)
	}
	emit(routeChunk{Type: "actions", Value: actionResults})

	for _, dv := range req.DerivedVariables {
		emit(s.derivedChunk(r, dv.UID, dv.Values))
	}

	for _, comp := range req.Components {
		s.mu.Lock()
		fn := s.componentFns[comp.Name]
		s.mu.Unlock()
		if fn == nil {
			emit(routeChunk{Type: "py_component", UID: comp.UID, Error: &routeChunkErr{
				Code: "UNKNOWN_COMPONENT", Message: "no component " + comp.Name,
			}})
			continue
		}
		data, err := normalize.DenormalizePayload(comp.Values)
		if err != nil {
			emit(routeChunk{Type: "py_component", UID: comp.UID, Error: &routeChunkErr{
				Code: "INVALID_PAYLOAD", Message: err.Error(),
			}})
			continue
		}
		value, err := fn(r.Context(), data)
		if err != nil {
			emit(routeChunk{Type: "py_component", UID: comp.UID, Error: &routeChunkErr{
				Code: "COMPONENT_FAILED", Message: err.Error(),
			}})
			continue
		}
		emit(routeChunk{Type: "py_component", UID: comp.UID, Value: value})
	}
}

// derivedChunk resolves one preloaded derived variable into a stream chunk.
// Task-backed variables start their task and answer with its handle.
func (s *Server) derivedChunk(r *http.Request, uid string, values normalize.Payload) routeChunk {
	data, err := normalize.DenormalizePayload(values)
	if err != nil {
		return routeChunk{Type: "derived_variable", UID: uid, Error: &routeChunkErr{
			Code: "INVALID_PAYLOAD", Message: err.Error(),
		}}
	}

	s.mu.Lock()
	taskFn, isTask := s.taskDerived[uid]
	fn, isImmediate := s.derived[uid]
	s.mu.Unlock()

	switch {
	case isTask:
		taskID := s.tasks.start(uid, data, taskFn)
		return routeChunk{Type: "derived_variable", UID: uid, Value: map[string]string{"task_id": taskID}}
	case isImmediate:
		value, err := fn(r.Context(), data)
		if err != nil {
			return routeChunk{Type: "derived_variable", UID: uid, Error: &routeChunkErr{
				Code: "DERIVED_FAILED", Message: err.Error(),
			}}
		}
		return routeChunk{Type: "derived_variable", UID: uid, Value: value}
	default:
		return routeChunk{Type: "derived_variable", UID: uid, Error: &routeChunkErr{
			Code: "UNKNOWN_VARIABLE", Message: "no derived variable " + uid,
		}}
	}
}
