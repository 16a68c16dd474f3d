package observer

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
// always returns true — origin validation belongs to the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a single connected Observer peer. It owns an eventbus
// subscription and forwards every delivered Event onto the wire as a
// Message, until the connection closes or the bus closes the subscription's
// channel (on unsubscribe or bus shutdown). On overflow the bus drops single
// events, never the subscription.
type Client struct {
	conn *websocket.Conn
	sub  *eventbus.Subscription
	log  *zap.Logger
}

// NewClient upgrades the HTTP connection and subscribes to topics on bus.
func NewClient(w http.ResponseWriter, r *http.Request, bus *eventbus.Bus, topics []string, log *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	sub := bus.Subscribe(64, topics...)
	return &Client{
		conn: conn,
		sub:  sub,
		log:  log.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run starts the read and write pumps. It blocks until the connection
// closes, unsubscribing from the bus on exit.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump's only job is detecting disconnection; the Observer stream is
// server-push only, so application messages from the client are unexpected.
func (c *Client) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("observer: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("observer: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events from the subscription to the wire and sends
// periodic pings so readPump can detect a stale connection. It is the only
// goroutine that writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("observer: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := Message{Topic: ev.Topic, Kind: ev.Kind, Payload: ev.Data}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("observer: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("observer: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("observer: ping error", zap.Error(err))
				return
			}
		}
	}
}
