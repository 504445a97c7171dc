package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dara-platform/dara-go/internal/async"
	"github.com/dara-platform/dara-go/internal/auth"
	"github.com/dara-platform/dara-go/internal/stream"
	"github.com/dara-platform/dara-go/internal/task"
	"github.com/dara-platform/dara-go/internal/wire"
)

const (
	// DefaultPingInterval is how often heartbeat pings are sent.
	DefaultPingInterval = 5 * time.Second
	// DefaultRetryInterval is the fixed delay between reconnect attempts.
	DefaultRetryInterval = 500 * time.Millisecond
	// DefaultMaxDisconnectedTime bounds one reconnection cycle; together
	// with the retry interval it caps attempts at ~20.
	DefaultMaxDisconnectedTime = 10 * time.Second
)

// ErrNotConnected is returned for sends while no connection is established.
var ErrNotConnected = errors.New("socket: not connected")

// Options configures a Client. URL is the websocket endpoint without the
// token query parameter; the current token is appended at dial time.
type Options struct {
	URL    string
	Tokens *auth.TokenStore

	PingInterval        time.Duration
	RetryInterval       time.Duration
	MaxDisconnectedTime time.Duration

	// LiveReload asks the embedding application to fully reload after a
	// successful reconnect, via OnReload, to guarantee consistent state
	// after an outage.
	LiveReload bool
	OnReload   func()

	// Dial is swapped out in tests. Defaults to DefaultDialer.
	Dial Dialer

	// Buffer is the per-subscriber channel depth of the message streams.
	Buffer int
}

// Client owns the websocket connection. Lifecycle: New → Start → Close.
//
// While connected it decodes inbound frames and publishes them to per-kind
// streams. On any close it redials with a fixed delay until the attempt cap
// is reached, then parks until Resume is called (the embedding application
// calls Resume when it regains foreground, so no retries burn while
// backgrounded).
type Client struct {
	opts Options

	mu            sync.Mutex
	conn          Conn
	channel       *async.Deferred[string]
	everConnected bool
	lastSeq       map[string]int

	writeMu sync.Mutex

	tasks    *stream.Stream[wire.TaskMessage]
	progress *stream.Stream[wire.ProgressMessage]
	patches  *stream.Stream[wire.StorePatchMessage]
	actions  *stream.Stream[wire.ActionResultMessage]
	custom   *stream.Stream[wire.CustomMessage]

	resume chan struct{}
	parked chan struct{} // signalled once per exhausted cycle

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a client. Call Start to connect.
func New(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxDisconnectedTime <= 0 {
		opts.MaxDisconnectedTime = DefaultMaxDisconnectedTime
	}
	if opts.Dial == nil {
		opts.Dial = DefaultDialer
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Client{
		opts:     opts,
		channel:  async.NewDeferred[string](),
		lastSeq:  make(map[string]int),
		tasks:    stream.New[wire.TaskMessage](opts.Buffer),
		progress: stream.New[wire.ProgressMessage](opts.Buffer),
		patches:  stream.New[wire.StorePatchMessage](opts.Buffer),
		actions:  stream.New[wire.ActionResultMessage](opts.Buffer),
		custom:   stream.New[wire.CustomMessage](opts.Buffer),
		resume:   make(chan struct{}, 1),
		parked:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the connection loop. It does not block waiting for the
// first connection; use Channel to await the handshake.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.run(ctx)
	})
}

// Close tears the client down. All streams are closed; pending Channel and
// WaitForTask calls fail.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Resume restarts reconnection after the attempt cap was exhausted. Safe to
// call at any time; a resume with no parked loop is a no-op.
func (c *Client) Resume() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

// Parked returns a channel receiving one value each time the client gives up
// a reconnection cycle and waits for Resume.
func (c *Client) Parked() <-chan struct{} {
	return c.parked
}

// Channel returns the channel id assigned by the server to the current
// connection. It blocks until the handshake completes.
func (c *Client) Channel(ctx context.Context) (string, error) {
	c.mu.Lock()
	d := c.channel
	c.mu.Unlock()
	return d.Await(ctx)
}

// ── Streams ─────────────────────────────────────────────────────────────────

// TaskStatuses streams task lifecycle transitions.
func (c *Client) TaskStatuses() *stream.Stream[wire.TaskMessage] { return c.tasks }

// Progress streams incremental task progress updates.
func (c *Client) Progress() *stream.Stream[wire.ProgressMessage] { return c.progress }

// StorePatches streams backend store updates, already sequence-filtered.
func (c *Client) StorePatches() *stream.Stream[wire.StorePatchMessage] { return c.patches }

// ActionResults streams server-side action outcomes.
func (c *Client) ActionResults() *stream.Stream[wire.ActionResultMessage] { return c.actions }

// CustomMessages streams application-defined messages.
func (c *Client) CustomMessages() *stream.Stream[wire.CustomMessage] { return c.custom }

// ── Requests over the socket ────────────────────────────────────────────────

// SendCustomMessage sends a fire-and-forget custom message.
func (c *Client) SendCustomMessage(ctx context.Context, kind string, data any) error {
	raw, err := wire.EncodeCustom(kind, data, "")
	if err != nil {
		return err
	}
	return c.send(ctx, raw)
}

// SendCustomMessageWait sends a custom message tagged with a fresh
// correlation id and blocks until a response carrying the same id arrives.
// There is deliberately no internal timeout; the caller bounds the wait
// through ctx.
func (c *Client) SendCustomMessageWait(ctx context.Context, kind string, data any) (json.RawMessage, error) {
	corr := uuid.NewString()
	// Subscribe before sending so a fast response cannot be missed.
	ch, cancel := c.custom.Subscribe()
	defer cancel()

	raw, err := wire.EncodeCustom(kind, data, corr)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, raw); err != nil {
		return nil, err
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, stream.ErrClosed
			}
			if msg.CorrelationID == corr {
				return msg.Data, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitForTask blocks until a terminal status for the task arrives. COMPLETE
// resolves with the task result; CANCELED and ERROR reject with typed errors
// carrying the task id. PROGRESS statuses never resolve the wait.
func (c *Client) WaitForTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	ch, cancel := c.tasks.Subscribe()
	defer cancel()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, stream.ErrClosed
			}
			if msg.TaskID != taskID || !msg.Status.Terminal() {
				continue
			}
			switch msg.Status {
			case wire.StatusComplete:
				return msg.Result, nil
			case wire.StatusCanceled:
				return nil, &task.CancelledError{TaskID: taskID}
			default:
				return nil, &task.Error{TaskID: taskID, Message: msg.Error}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}
