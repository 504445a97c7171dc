// cmd/darac is a console for poking a running Dara server: fetch metadata,
// resolve derived variables (following task handles over the websocket),
// stream route data and watch live pushes.
//
// Configuration comes from the environment:
//
//	DARA_URL    server base URL (default http://localhost:8080)
//	DARA_TOKEN  initial session token (required)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dara-platform/dara-go/internal/api"
	"github.com/dara-platform/dara-go/internal/auth"
	"github.com/dara-platform/dara-go/internal/normalize"
	"github.com/dara-platform/dara-go/internal/socket"
	"github.com/dara-platform/dara-go/internal/task"
	"github.com/dara-platform/dara-go/internal/variable"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: darac <command> [args]

commands:
  config                     fetch application config
  components                 fetch component registry
  actions                    fetch action registry
  template <name>            fetch a page template
  derived <uid> [json...]    resolve a derived variable; awaits task results
  task <id>                  fetch a stored task result
  cancel <id>                drop one subscription to a task
  route <id>                 stream route data and print chunks as they land
  send <kind> [json]         send a custom message and await the reply
  watch                      print live websocket pushes until interrupted
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("darac: ")

	if len(os.Args) < 2 {
		usage()
	}

	baseURL := os.Getenv("DARA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("DARA_TOKEN")
	if token == "" {
		log.Fatal("DARA_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := auth.NewTokenStore(token)
	client := api.New(baseURL, tokens)

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "config":
		err = printJSONResult(client.Config(ctx))
	case "components":
		err = printJSONResult(client.Components(ctx))
	case "actions":
		err = printJSONResult(client.Actions(ctx))
	case "template":
		if len(args) != 1 {
			usage()
		}
		err = printJSONResult(client.Template(ctx, args[0]))
	case "derived":
		if len(args) < 1 {
			usage()
		}
		err = runDerived(ctx, client, baseURL, tokens, args[0], args[1:])
	case "task":
		if len(args) != 1 {
			usage()
		}
		err = printJSONResult(client.TaskResult(ctx, args[0]))
	case "cancel":
		if len(args) != 1 {
			usage()
		}
		err = client.CancelTask(ctx, args[0])
	case "route":
		if len(args) != 1 {
			usage()
		}
		err = runRoute(ctx, client, baseURL, tokens, args[0])
	case "send":
		if len(args) < 1 || len(args) > 2 {
			usage()
		}
		err = runSend(ctx, baseURL, tokens, args)
	case "watch":
		err = runWatch(ctx, baseURL, tokens)
	default:
		usage()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printJSONResult(raw json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// connect dials the websocket and waits for the handshake.
func connect(ctx context.Context, baseURL string, tokens *auth.TokenStore) (*socket.Client, string, error) {
	sock := socket.New(socket.Options{
		URL:    "ws" + strings.TrimPrefix(baseURL, "http") + "/api/core/ws",
		Tokens: tokens,
	})
	sock.Start(ctx)
	channel, err := sock.Channel(ctx)
	if err != nil {
		sock.Close()
		return nil, "", fmt.Errorf("websocket handshake: %w", err)
	}
	return sock, channel, nil
}

// runDerived resolves a derived variable from literal JSON arguments. When
// the server answers with a task handle, it follows the task over the
// websocket, printing progress until the terminal status.
func runDerived(ctx context.Context, client *api.Client, baseURL string, tokens *auth.TokenStore, uid string, rawArgs []string) error {
	values := make([]any, 0, len(rawArgs))
	defs := make([]variable.Def, 0, len(rawArgs))
	for i, arg := range rawArgs {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			// Bare words are a convenience for string arguments.
			v = arg
		}
		values = append(values, v)
		defs = append(defs, variable.Def{TypeName: variable.TypePlain, UID: fmt.Sprintf("arg%d", i)})
	}

	result, err := client.ResolveDerivedVariable(ctx, uid, normalize.Values(values, defs), false)
	if err != nil {
		return err
	}
	if !result.IsTask() {
		return printJSON(result.Value)
	}

	log.Printf("running as task %s", result.TaskID)

	// Claim the task for the duration of the wait; releasing on the way out
	// drops our server-side subscription, so an interrupted wait cancels the
	// computation instead of leaving it running.
	registry := task.NewRegistry(func(taskID string) {
		if err := client.CancelTask(context.Background(), taskID); err != nil {
			log.Printf("cancel task %s: %v", taskID, err)
		}
	})
	registry.Claim(uid, result.TaskID)
	defer registry.Release(uid)

	sock, _, err := connect(ctx, baseURL, tokens)
	if err != nil {
		return err
	}
	defer sock.Close()

	progress, cancelProgress := sock.Progress().Subscribe()
	defer cancelProgress()
	go func() {
		for p := range progress {
			if p.TaskID == result.TaskID {
				log.Printf("progress %3.0f%% %s", p.Progress*100, p.Message)
			}
		}
	}()

	value, err := sock.WaitForTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	return printJSON(value)
}

// runRoute fetches route data and prints each chunk as its deferred settles.
func runRoute(ctx context.Context, client *api.Client, baseURL string, tokens *auth.TokenStore, routeID string) error {
	sock, channel, err := connect(ctx, baseURL, tokens)
	if err != nil {
		return err
	}
	defer sock.Close()

	data := client.FetchRouteData(ctx, api.RouteRequest{RouteID: routeID, Channel: channel})

	report := func(name string, raw json.RawMessage, err error) {
		if err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		fmt.Printf("%s: %s\n", name, raw)
	}

	tmpl, err := data.Template.Await(ctx)
	report("template", tmpl, err)
	actions, err := data.Actions.Await(ctx)
	report("actions", actions, err)
	for uid, def := range data.DerivedVariables {
		v, err := def.Await(ctx)
		report("derived "+uid, v, err)
	}
	for uid, def := range data.Components {
		v, err := def.Await(ctx)
		report("component "+uid, v, err)
	}
	return nil
}

func runSend(ctx context.Context, baseURL string, tokens *auth.TokenStore, args []string) error {
	var data any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
			return fmt.Errorf("invalid message data: %w", err)
		}
	}

	sock, _, err := connect(ctx, baseURL, tokens)
	if err != nil {
		return err
	}
	defer sock.Close()

	reply, err := sock.SendCustomMessageWait(ctx, args[0], data)
	if err != nil {
		return err
	}
	return printJSON(reply)
}

// runWatch subscribes to every stream and prints pushes until interrupted.
func runWatch(ctx context.Context, baseURL string, tokens *auth.TokenStore) error {
	sock, channel, err := connect(ctx, baseURL, tokens)
	if err != nil {
		return err
	}
	defer sock.Close()
	log.Printf("connected on channel %s", channel)

	tasks, cancelTasks := sock.TaskStatuses().Subscribe()
	defer cancelTasks()
	progress, cancelProgress := sock.Progress().Subscribe()
	defer cancelProgress()
	patches, cancelPatches := sock.StorePatches().Subscribe()
	defer cancelPatches()
	actions, cancelActions := sock.ActionResults().Subscribe()
	defer cancelActions()
	custom, cancelCustom := sock.CustomMessages().Subscribe()
	defer cancelCustom()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-tasks:
			if !ok {
				return nil
			}
			log.Printf("task %s %s %s", m.TaskID, m.Status, m.Result)
		case m, ok := <-progress:
			if !ok {
				return nil
			}
			log.Printf("progress %s %3.0f%% %s", m.TaskID, m.Progress*100, m.Message)
		case m, ok := <-patches:
			if !ok {
				return nil
			}
			log.Printf("store %s seq=%d %s", m.StoreUID, m.Sequence, m.Value)
		case m, ok := <-actions:
			if !ok {
				return nil
			}
			log.Printf("action %s exec=%s success=%t %s", m.ActionUID, m.ExecutionID, m.Success, m.Value)
		case m, ok := <-custom:
			if !ok {
				return nil
			}
			log.Printf("custom %s %s", m.Kind, m.Data)
		}
	}
}
