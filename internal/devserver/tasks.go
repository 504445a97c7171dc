package devserver

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/dara-platform/dara-go/internal/wire"
)

// taskStore runs task-backed derived computations and counts subscribers.
// Cancellation is reference-counted: a DELETE decrements, and the context is
// cancelled only when the last subscriber lets go.
type taskStore struct {
	mu    sync.Mutex
	tasks map[string]*serverTask
	// running maps a dedupe key (the derived variable uid) to its live
	// task, so concurrent requests share one computation.
	running map[string]string

	// notify broadcasts task lifecycle payloads to websocket sessions.
	notify func(payload any)
}

type serverTask struct {
	id          string
	subscribers int
	cancel      context.CancelFunc
	status      wire.TaskStatus
	result      json.RawMessage
	errMsg      string
}

func newTaskStore(notify func(payload any)) *taskStore {
	return &taskStore{
		tasks:   make(map[string]*serverTask),
		running: make(map[string]string),
		notify:  notify,
	}
}

// start launches fn as a task with one initial subscriber and returns its id.
// A request for a key whose task is still running joins it as an additional
// subscriber instead of spawning a duplicate computation.
func (ts *taskStore) start(key string, data any, fn TaskFunc) string {
	ts.mu.Lock()
	if id, ok := ts.running[key]; ok {
		if t := ts.tasks[id]; t != nil && !t.status.Terminal() {
			t.subscribers++
			ts.mu.Unlock()
			return id
		}
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ts.tasks[id] = &serverTask{
		id:          id,
		subscribers: 1,
		cancel:      cancel,
		status:      wire.StatusProgress,
	}
	ts.running[key] = id
	ts.mu.Unlock()

	go ts.run(ctx, id, key, data, fn)
	return id
}

func (ts *taskStore) run(ctx context.Context, id, key string, data any, fn TaskFunc) {
	progress := func(fraction float64, message string) {
		ts.notify(wire.ProgressMessage{
			Kind:     wire.KindProgress,
			TaskID:   id,
			Progress: fraction,
			Message:  message,
		})
	}

	value, err := fn(ctx, data, progress)

	ts.mu.Lock()
	t, ok := ts.tasks[id]
	if !ok || t.status.Terminal() {
		ts.mu.Unlock()
		return
	}
	var msg wire.TaskMessage
	switch {
	case ctx.Err() != nil:
		t.status = wire.StatusCanceled
		msg = wire.TaskMessage{Kind: wire.KindTaskStatus, TaskID: id, Status: wire.StatusCanceled}
	case err != nil:
		t.status = wire.StatusError
		t.errMsg = err.Error()
		msg = wire.TaskMessage{Kind: wire.KindTaskStatus, TaskID: id, Status: wire.StatusError, Error: err.Error()}
	default:
		raw, merr := json.Marshal(value)
		if merr != nil {
			t.status = wire.StatusError
			t.errMsg = merr.Error()
			msg = wire.TaskMessage{Kind: wire.KindTaskStatus, TaskID: id, Status: wire.StatusError, Error: merr.Error()}
			break
		}
		t.status = wire.StatusComplete
		t.result = raw
		msg = wire.TaskMessage{Kind: wire.KindTaskStatus, TaskID: id, Status: wire.StatusComplete, Result: raw}
	}
	if ts.running[key] == id {
		delete(ts.running, key)
	}
	ts.mu.Unlock()

	ts.notify(msg)
}

// unsubscribe decrements the subscriber count; the computation is cancelled
// once it reaches zero while still running.
func (ts *taskStore) unsubscribe(id string) bool {
	ts.mu.Lock()
	t, ok := ts.tasks[id]
	if !ok {
		ts.mu.Unlock()
		return false
	}
	t.subscribers--
	cancel := t.subscribers <= 0 && !t.status.Terminal()
	ts.mu.Unlock()

	if cancel {
		log.Printf("devserver: task %s lost its last subscriber, cancelling", id)
		t.cancel()
	}
	return true
}

// result reports the task's stored outcome.
func (ts *taskStore) result(id string) (json.RawMessage, wire.TaskStatus, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tasks[id]
	if !ok {
		return nil, "", false
	}
	return t.result, t.status, true
}
