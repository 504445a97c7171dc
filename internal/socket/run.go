package socket

import (
	"context"
	"log"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dara-platform/dara-go/internal/async"
	"github.com/dara-platform/dara-go/internal/wire"
)

// run is the connection loop: dial with a bounded constant-interval schedule,
// serve the connection until it drops, repeat. When a cycle exhausts its
// attempts the loop parks until Resume.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.closeStreams()

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("socket: reconnect attempts exhausted, parked until resume: %v", err)
			select {
			case c.parked <- struct{}{}:
			default:
			}
			select {
			case <-ctx.Done():
				return
			case <-c.resume:
				continue
			}
		}
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

// dial runs one reconnection cycle: an immediate attempt followed by retries
// at the fixed interval, capped at MaxDisconnectedTime / RetryInterval.
func (c *Client) dial(ctx context.Context) (Conn, error) {
	sched := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.opts.RetryInterval),
			c.maxRetries(),
		),
		ctx,
	)

	var conn Conn
	err := backoff.Retry(func() error {
		var derr error
		conn, derr = c.opts.Dial(ctx, c.dialURL())
		if derr != nil {
			log.Printf("socket: dial failed: %v", derr)
		}
		return derr
	}, sched)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) maxRetries() uint64 {
	n := int64(c.opts.MaxDisconnectedTime / c.opts.RetryInterval)
	if n < 1 {
		n = 1
	}
	return uint64(n)
}

// dialURL appends the current session token as a query parameter.
func (c *Client) dialURL() string {
	if c.opts.Tokens == nil {
		return c.opts.URL
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	q := u.Query()
	q.Set("token", c.opts.Tokens.Get())
	u.RawQuery = q.Encode()
	return u.String()
}

// serve owns one established connection: it runs the heartbeat, reads frames
// and dispatches them until the connection drops or ctx ends.
func (c *Client) serve(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.conn = conn
	isReconnect := c.everConnected
	c.everConnected = true
	// A fresh channel handle per connection. An unsettled deferred carries
	// over so callers already awaiting it observe the next handshake.
	if c.channel.Settled() {
		c.channel = async.NewDeferred[string]()
	}
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	go c.heartbeat(connCtx, cancel)

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("socket: connection closed: %v", err)
			}
			return
		}
		c.dispatch(connCtx, data, isReconnect)
	}
}

// heartbeat pings at the configured interval. A failed write tears the
// connection down so the run loop reconnects.
func (c *Client) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := wire.EncodePing()
			if err != nil {
				return
			}
			if err := c.send(ctx, raw); err != nil {
				if ctx.Err() == nil {
					log.Printf("socket: heartbeat failed: %v", err)
					cancel()
				}
				return
			}
		}
	}
}

// dispatch decodes one frame and routes it to the matching stream. Malformed
// frames are logged and dropped; they never tear the connection down.
func (c *Client) dispatch(ctx context.Context, data []byte, isReconnect bool) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Printf("socket: dropping malformed frame: %v", err)
		return
	}

	switch m := msg.(type) {
	case wire.InitMessage:
		c.mu.Lock()
		d := c.channel
		c.mu.Unlock()
		d.Resolve(m.Channel)
		if isReconnect && c.opts.LiveReload && c.opts.OnReload != nil {
			c.opts.OnReload()
		}
	case wire.Ping:
		if raw, err := wire.EncodePong(); err == nil {
			if err := c.send(ctx, raw); err != nil && ctx.Err() == nil {
				log.Printf("socket: pong failed: %v", err)
			}
		}
	case wire.Pong:
		// Heartbeat acknowledged.
	case wire.TaskMessage:
		c.tasks.Publish(m)
	case wire.ProgressMessage:
		c.progress.Publish(m)
	case wire.StorePatchMessage:
		if c.acceptPatch(m) {
			c.patches.Publish(m)
		}
	case wire.ActionResultMessage:
		c.actions.Publish(m)
	case wire.CustomMessage:
		c.custom.Publish(m)
	}
}

// acceptPatch enforces per-store sequence ordering. Patches racing across a
// reconnect can arrive out of order; stale ones are dropped.
func (c *Client) acceptPatch(m wire.StorePatchMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastSeq[m.StoreUID]; ok && m.Sequence <= last {
		return false
	}
	c.lastSeq[m.StoreUID] = m.Sequence
	return true
}

func (c *Client) closeStreams() {
	c.tasks.Close()
	c.progress.Close()
	c.patches.Close()
	c.actions.Close()
	c.custom.Close()
}
