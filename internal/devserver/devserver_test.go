package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dara-platform/dara-go/internal/api"
	"github.com/dara-platform/dara-go/internal/auth"
	"github.com/dara-platform/dara-go/internal/normalize"
	"github.com/dara-platform/dara-go/internal/socket"
	"github.com/dara-platform/dara-go/internal/wire"
)

// harness wires a dev server, an HTTP API client and a connected websocket
// client together, the way an embedding application would.
type harness struct {
	server *Server
	api    *api.Client
	sock   *socket.Client
	tokens *auth.TokenStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s := New(Options{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	tokens := auth.NewTokenStore(s.Token())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/core/ws"

	sock := socket.New(socket.Options{
		URL:    wsURL,
		Tokens: tokens,
	})
	sock.Start(context.Background())
	t.Cleanup(sock.Close)

	return &harness{
		server: s,
		api:    api.New(srv.URL, tokens),
		sock:   sock,
		tokens: tokens,
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshakeAssignsChannel(t *testing.T) {
	h := newHarness(t)
	channel, err := h.sock.Channel(testCtx(t))
	require.NoError(t, err)
	assert.NotEmpty(t, channel)
}

func TestTaskDerivedVariable_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	h.server.RegisterTaskDerived("dv-sum", func(ctx context.Context, data any, progress func(float64, string)) (any, error) {
		progress(0.5, "halfway")
		return map[string]int{"sum": 42}, nil
	})

	_, err := h.sock.Channel(ctx)
	require.NoError(t, err)

	// Subscribe before resolving so a fast task cannot complete unobserved.
	progressCh, cancelProgress := h.sock.Progress().Subscribe()
	defer cancelProgress()
	taskCh, cancelTasks := h.sock.TaskStatuses().Subscribe()
	defer cancelTasks()

	result, err := h.api.ResolveDerivedVariable(ctx, "dv-sum", valuesPayload(), false)
	require.NoError(t, err)
	require.True(t, result.IsTask())

	final := awaitTerminal(t, ctx, taskCh, result.TaskID)
	require.Equal(t, wire.StatusComplete, final.Status)
	assert.JSONEq(t, `{"sum":42}`, string(final.Result))

	select {
	case p := <-progressCh:
		assert.Equal(t, result.TaskID, p.TaskID)
		assert.InDelta(t, 0.5, p.Progress, 1e-9)
		assert.Equal(t, "halfway", p.Message)
	case <-ctx.Done():
		t.Fatal("no progress update arrived")
	}

	// The stored result stays retrievable over HTTP after completion.
	stored, err := h.api.TaskResult(ctx, result.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":42}`, string(stored))
}

func TestTaskCancellation_IsReferenceCounted(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	started := make(chan struct{})
	h.server.RegisterTaskDerived("dv-slow", func(ctx context.Context, data any, progress func(float64, string)) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := h.sock.Channel(ctx)
	require.NoError(t, err)

	taskCh, cancelTasks := h.sock.TaskStatuses().Subscribe()
	defer cancelTasks()

	first, err := h.api.ResolveDerivedVariable(ctx, "dv-slow", valuesPayload(), false)
	require.NoError(t, err)
	require.True(t, first.IsTask())
	<-started

	// A second resolution of the same variable joins the running task
	// instead of starting a duplicate.
	second, err := h.api.ResolveDerivedVariable(ctx, "dv-slow", valuesPayload(), false)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)

	// One subscriber letting go must not cancel the shared computation.
	require.NoError(t, h.api.CancelTask(ctx, first.TaskID))
	select {
	case m := <-taskCh:
		t.Fatalf("task reached %s while a subscriber remained", m.Status)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.api.CancelTask(ctx, first.TaskID))
	final := awaitTerminal(t, ctx, taskCh, first.TaskID)
	assert.Equal(t, wire.StatusCanceled, final.Status)
}

// awaitTerminal reads the stream until the task reaches a terminal status.
func awaitTerminal(t *testing.T, ctx context.Context, ch <-chan wire.TaskMessage, taskID string) wire.TaskMessage {
	t.Helper()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				t.Fatal("task stream closed before a terminal status")
			}
			if m.TaskID == taskID && m.Status.Terminal() {
				return m
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for terminal task status")
		}
	}
}

func TestCustomMessage_RequestResponse(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	h.server.SetCustomHandler(func(kind string, data json.RawMessage) any {
		if kind != "echo" {
			return nil
		}
		return map[string]any{"echoed": json.RawMessage(data)}
	})

	_, err := h.sock.Channel(ctx)
	require.NoError(t, err)

	reply, err := h.sock.SendCustomMessageWait(ctx, "echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":{"msg":"hi"}}`, string(reply))
}

func TestStorePatch_PushedToConnectedClients(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	_, err := h.sock.Channel(ctx)
	require.NoError(t, err)

	patches, cancel := h.sock.StorePatches().Subscribe()
	defer cancel()

	require.NoError(t, h.server.PushStorePatch("store-1", 1, map[string]int{"count": 7}))

	select {
	case p := <-patches:
		assert.Equal(t, "store-1", p.StoreUID)
		assert.Equal(t, 1, p.Sequence)
		assert.JSONEq(t, `{"count":7}`, string(p.Value))
	case <-ctx.Done():
		t.Fatal("no store patch arrived")
	}
}

func TestRouteStream_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	h.server.RegisterTemplate("home", map[string]any{"name": "home"})
	h.server.RegisterRoute("page-1", RouteConfig{Template: "home"})
	h.server.RegisterDerived("dv-now", func(ctx context.Context, data any) (any, error) {
		return 99, nil
	})
	h.server.RegisterDerived("dv-bad", func(ctx context.Context, data any) (any, error) {
		return nil, errors.New("boom")
	})
	h.server.RegisterAction("act-1", func(ctx context.Context, data any) (any, error) {
		return "loaded", nil
	})
	h.server.RegisterComponent("Chart", func(ctx context.Context, data any) (any, error) {
		return map[string]string{"kind": "chart"}, nil
	})

	channel, err := h.sock.Channel(ctx)
	require.NoError(t, err)

	data := h.api.FetchRouteData(ctx, api.RouteRequest{
		RouteID: "page-1",
		Channel: channel,
		OnLoad:  []api.ActionPayload{{UID: "act-1", ExecutionID: "exec-1"}},
		DerivedVariables: []api.VariablePreload{
			{UID: "dv-now"},
			{UID: "dv-bad"},
		},
		Components: []api.ComponentPreload{{UID: "c1", Name: "Chart"}},
	})

	tmpl, err := data.Template.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"home"}`, string(tmpl))

	actions, err := data.Actions.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"uid":"act-1","execution_id":"exec-1","value":"loaded"}]`, string(actions))

	good, err := data.DerivedVariables["dv-now"].Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "99", string(good))

	_, err = data.DerivedVariables["dv-bad"].Await(ctx)
	var loaderErr *api.LoaderError
	require.ErrorAs(t, err, &loaderErr)
	assert.Equal(t, "DERIVED_FAILED", loaderErr.Code)

	comp, err := data.Components["c1"].Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"chart"}`, string(comp))
}

func TestRouteStream_UnknownRoute(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	data := h.api.FetchRouteData(ctx, api.RouteRequest{RouteID: "nope"})
	_, err := data.Template.Await(ctx)
	var loaderErr *api.LoaderError
	require.ErrorAs(t, err, &loaderErr)
	assert.Equal(t, "ROUTE_NOT_FOUND", loaderErr.Code)
}

func TestStaleToken_RefreshedTransparently(t *testing.T) {
	s := New(Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// Start with a token the server does not accept; the first request 401s
	// and the transport refreshes before replaying.
	tokens := auth.NewTokenStore("stale-token")
	client := api.New(srv.URL, tokens)

	cfg, err := client.Config(testCtx(t))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "dara dev")
	assert.NotEqual(t, "stale-token", tokens.Get())
}

func TestWebsocket_RejectsBadToken(t *testing.T) {
	s := New(Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/core/ws"
	sock := socket.New(socket.Options{
		URL:                 wsURL,
		Tokens:              auth.NewTokenStore("wrong"),
		RetryInterval:       10 * time.Millisecond,
		MaxDisconnectedTime: 30 * time.Millisecond,
	})
	sock.Start(context.Background())
	defer sock.Close()

	ctx := testCtx(t)
	select {
	case <-sock.Parked():
	case <-ctx.Done():
		t.Fatal("client never parked on repeated auth failures")
	}
}

// valuesPayload builds a minimal normalized input payload.
func valuesPayload() normalize.Payload {
	return normalize.Payload{}
}
