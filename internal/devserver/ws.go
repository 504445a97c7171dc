package devserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dara-platform/dara-go/internal/wire"
)

// wsSession is one connected client, keyed by its channel id.
type wsSession struct {
	channel string
	conn    *websocket.Conn

	writeMu sync.Mutex
}

func (sess *wsSession) write(ctx context.Context, raw []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.Write(ctx, websocket.MessageText, raw)
}

// handleWebsocket upgrades the connection, assigns a channel id and runs the
// message loop until the client disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.Token() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or stale token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("devserver: websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	sess := &wsSession{channel: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.conns[sess.channel] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sess.channel)
		s.mu.Unlock()
	}()

	ctx := r.Context()

	// The first frame is the init message carrying the channel handle.
	initFrame, err := encodeInit(sess.channel)
	if err != nil {
		log.Printf("devserver: encode init: %v", err)
		return
	}
	if err := sess.write(ctx, initFrame); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.Printf("devserver: connection %s closed: %v", sess.channel, websocket.CloseStatus(err))
			}
			return
		}
		s.handleFrame(ctx, sess, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *wsSession, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Printf("devserver: dropping malformed frame from %s: %v", sess.channel, err)
		return
	}

	switch m := msg.(type) {
	case wire.Ping:
		if raw, err := wire.EncodePong(); err == nil {
			sess.write(ctx, raw)
		}
	case wire.Pong:
		// Client answered our heartbeat.
	case wire.CustomMessage:
		s.mu.Lock()
		handler := s.custom
		s.mu.Unlock()
		if handler == nil {
			return
		}
		reply := handler(m.Kind, m.Data)
		if reply == nil {
			return
		}
		raw, err := wire.EncodeCustom(m.Kind, reply, m.CorrelationID)
		if err != nil {
			log.Printf("devserver: encode custom reply: %v", err)
			return
		}
		if err := sess.write(ctx, raw); err != nil {
			log.Printf("devserver: write custom reply: %v", err)
		}
	default:
		// Other inbound kinds are server-to-client only.
	}
}

// broadcast pushes a kind-tagged payload to every connected session.
func (s *Server) broadcast(payload any) {
	raw, err := wire.EncodeMessage(payload)
	if err != nil {
		log.Printf("devserver: encode broadcast: %v", err)
		return
	}

	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.conns))
	for _, sess := range s.conns {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.write(context.Background(), raw); err != nil {
			log.Printf("devserver: broadcast to %s failed: %v", sess.channel, err)
		}
	}
}

// PushStorePatch broadcasts a server-variable update to all sessions.
func (s *Server) PushStorePatch(storeUID string, sequence int, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.broadcast(wire.StorePatchMessage{
		Kind:     wire.KindStorePatch,
		StoreUID: storeUID,
		Sequence: sequence,
		Value:    raw,
	})
	return nil
}

func encodeInit(channel string) ([]byte, error) {
	env := wire.Envelope{Type: wire.TypeInit}
	raw, err := json.Marshal(wire.InitMessage{Channel: channel})
	if err != nil {
		return nil, err
	}
	env.Message = raw
	return json.Marshal(env)
}
