// Package agentstream accepts inbound WebSocket connections from fleet
// agents and feeds every decoded frame to an inbound.Router (spec.md §4.7,
// §6.2 Agent stream). Grounded on the teacher's internal/websocket.Client
// pump structure, reversed in direction: the teacher's Client only ever
// writes to its peer, this Conn only ever reads from its peer and ignores
// writes beyond the ping/pong keepalive.
package agentstream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/inbound"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16 // run events may carry a base64 screenshot
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireMessage is the raw frame shape: Type plus the "payload" field,
// captured unparsed so Router can unmarshal it into the kind-specific
// payload struct. Other top-level fields are ignored.
type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Conn is a single connected agent's inbound stream. It has no send queue:
// every frame from the agent is routed synchronously as it arrives.
type Conn struct {
	conn   *websocket.Conn
	router *inbound.Router
	log    *zap.Logger
}

// Accept upgrades the HTTP connection and returns a ready-to-run Conn.
func Accept(w http.ResponseWriter, r *http.Request, router *inbound.Router, log *zap.Logger) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn:   conn,
		router: router,
		log:    log.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run starts the ping ticker and the read loop. It blocks until the
// connection closes or ctx is cancelled.
func (c *Conn) Run(ctx context.Context) {
	go c.pingLoop()
	c.readLoop(ctx)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("agentstream: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("agentstream: unexpected close", zap.Error(err))
			}
			return
		}

		var wm wireMessage
		if err := json.Unmarshal(raw, &wm); err != nil {
			c.log.Warn("agentstream: dropping unparseable frame", zap.Error(err))
			continue
		}
		c.router.Handle(ctx, inbound.Envelope{Type: wm.Type, Payload: wm.Payload})
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.log.Warn("agentstream: failed to set write deadline", zap.Error(err))
			return
		}
		if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			c.log.Warn("agentstream: ping error", zap.Error(err))
			return
		}
	}
}
