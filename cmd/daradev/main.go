// cmd/daradev runs a local in-memory Dara backend with a small demo
// application registered: an immediate derived variable, a task-backed one,
// one routed page and a custom echo handler. It exists so client work can be
// exercised without a production server.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dara-platform/dara-go/internal/devserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	s := devserver.New(devserver.Options{Token: os.Getenv("DARA_TOKEN")})
	registerDemo(s)

	if err := s.Run(ctx, port); err != nil {
		log.Fatalf("devserver error: %v", err)
	}
}

func registerDemo(s *devserver.Server) {
	s.RegisterTemplate("home", map[string]any{
		"name": "home",
		"layout": []map[string]any{
			{"component": "Heading", "props": map[string]any{"text": "dara dev"}},
			{"component": "Chart", "props": map[string]any{"uid": "c1"}},
		},
	})
	s.RegisterRoute("home", devserver.RouteConfig{Template: "home"})

	s.RegisterDerived("dv-echo", func(ctx context.Context, data any) (any, error) {
		return data, nil
	})

	// A deliberately slow computation, for exercising task progress and
	// reference-counted cancellation from the console.
	s.RegisterTaskDerived("dv-slow", func(ctx context.Context, data any, progress func(float64, string)) (any, error) {
		for i := 1; i <= 10; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			progress(float64(i)/10, "step "+strconv.Itoa(i))
		}
		return map[string]any{"input": data, "done": true}, nil
	})

	s.RegisterComponent("Chart", func(ctx context.Context, data any) (any, error) {
		return map[string]any{"component": "Chart", "data": data}, nil
	})

	s.RegisterAction("act-log", func(ctx context.Context, data any) (any, error) {
		log.Printf("daradev: on-load action fired with %v", data)
		return "ok", nil
	})

	s.SetCustomHandler(func(kind string, data json.RawMessage) any {
		log.Printf("daradev: custom message kind=%s data=%s", kind, data)
		return map[string]any{"kind": kind, "echo": data}
	})
}
