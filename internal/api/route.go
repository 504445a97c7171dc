package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dara-platform/dara-go/internal/async"
	"github.com/dara-platform/dara-go/internal/normalize"
)

// ErrStreamEnded rejects deferreds whose chunk never arrived before the
// route stream finished.
var ErrStreamEnded = errors.New("api: route stream ended before chunk arrived")

// Chunk type tags in the NDJSON route response.
const (
	chunkTemplate        = "template"
	chunkActions         = "actions"
	chunkDerivedVariable = "derived_variable"
	chunkPyComponent     = "py_component"
)

// ActionPayload is an annotated on-load action with its dynamic arguments
// resolved against a point-in-time state snapshot.
type ActionPayload struct {
	UID         string            `json:"uid"`
	ExecutionID string            `json:"execution_id"`
	Values      normalize.Payload `json:"values"`
}

// VariablePreload asks the server to resolve a derived variable appearing on
// the destination page.
type VariablePreload struct {
	UID    string            `json:"uid"`
	Values normalize.Payload `json:"values"`
	Force  bool              `json:"force,omitempty"`
}

// ComponentPreload asks the server to render a server-side component.
type ComponentPreload struct {
	UID    string            `json:"uid"`
	Name   string            `json:"name"`
	Values normalize.Payload `json:"values"`
}

// RouteRequest assembles everything a navigation target needs in one call.
// Channel is the current websocket channel id, so the server can correlate
// pushes triggered by this load with the client's connection.
type RouteRequest struct {
	RouteID          string             `json:"-"`
	Channel          string             `json:"ws_channel,omitempty"`
	OnLoad           []ActionPayload    `json:"on_load,omitempty"`
	DerivedVariables []VariablePreload  `json:"derived_variables,omitempty"`
	Components       []ComponentPreload `json:"components,omitempty"`
}

// RouteData holds one deferred per expected response chunk. Each settles as
// its chunk arrives, so the page shell can render before every derived value
// has loaded. A stream failure rejects only the not-yet-settled deferreds.
type RouteData struct {
	Template         *async.Deferred[json.RawMessage]
	Actions          *async.Deferred[json.RawMessage]
	DerivedVariables map[string]*async.Deferred[json.RawMessage]
	Components       map[string]*async.Deferred[json.RawMessage]
}

func newRouteData(req RouteRequest) *RouteData {
	data := &RouteData{
		Template:         async.NewDeferred[json.RawMessage](),
		Actions:          async.NewDeferred[json.RawMessage](),
		DerivedVariables: make(map[string]*async.Deferred[json.RawMessage], len(req.DerivedVariables)),
		Components:       make(map[string]*async.Deferred[json.RawMessage], len(req.Components)),
	}
	for _, v := range req.DerivedVariables {
		data.DerivedVariables[v.UID] = async.NewDeferred[json.RawMessage]()
	}
	for _, comp := range req.Components {
		data.Components[comp.UID] = async.NewDeferred[json.RawMessage]()
	}
	return data
}

// rejectUnsettled fails every deferred that has not received its chunk.
func (d *RouteData) rejectUnsettled(err error) {
	if !d.Template.Settled() {
		d.Template.Reject(err)
	}
	if !d.Actions.Settled() {
		d.Actions.Reject(err)
	}
	for _, def := range d.DerivedVariables {
		if !def.Settled() {
			def.Reject(err)
		}
	}
	for _, def := range d.Components {
		if !def.Settled() {
			def.Reject(err)
		}
	}
}

// routeChunk is one NDJSON line of the response.
type routeChunk struct {
	Type  string          `json:"type"`
	UID   string          `json:"uid,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	} `json:"error,omitempty"`
}

// FetchRouteData POSTs the assembled route request and fans the streamed
// NDJSON chunks out to their deferreds. It returns immediately; consumers
// await the individual deferreds.
func (c *Client) FetchRouteData(ctx context.Context, req RouteRequest) *RouteData {
	data := newRouteData(req)
	go c.streamRoute(ctx, req, data)
	return data
}

func (c *Client) streamRoute(ctx context.Context, req RouteRequest, data *RouteData) {
	payload, err := json.Marshal(req)
	if err != nil {
		data.rejectUnsettled(fmt.Errorf("api: marshal route request: %w", err))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/core/route/"+url.PathEscape(req.RouteID), bytes.NewReader(payload))
	if err != nil {
		data.rejectUnsettled(err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		data.rejectUnsettled(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data.rejectUnsettled(errorFromResponse(resp))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk routeChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			data.rejectUnsettled(fmt.Errorf("api: invalid route chunk: %w", err))
			return
		}
		data.apply(resp.StatusCode, chunk)
	}
	if err := scanner.Err(); err != nil {
		data.rejectUnsettled(fmt.Errorf("api: route stream failed: %w", err))
		return
	}
	data.rejectUnsettled(ErrStreamEnded)
}

// apply settles the deferred addressed by one chunk.
func (d *RouteData) apply(status int, chunk routeChunk) {
	target := func() *async.Deferred[json.RawMessage] {
		switch chunk.Type {
		case chunkTemplate:
			return d.Template
		case chunkActions:
			return d.Actions
		case chunkDerivedVariable:
			return d.DerivedVariables[chunk.UID]
		case chunkPyComponent:
			return d.Components[chunk.UID]
		default:
			return nil
		}
	}()
	if target == nil {
		// Unsolicited chunk; nothing awaits it.
		return
	}
	if chunk.Error != nil {
		target.Reject(&LoaderError{
			Status:  status,
			Code:    chunk.Error.Code,
			Message: chunk.Error.Message,
			Detail:  chunk.Error.Detail,
		})
		return
	}
	target.Resolve(chunk.Value)
}
