package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"diagramsync/api/internal/rbac"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Full snapshot patches can be large.
	maxMessageSize = 4 << 20

	sendBufferSize = 256
)

// session is the per-connection state cached after a successful join.
type session struct {
	projectID string
	userID    string
	role      rbac.Role
	joined    bool
}

// Client is one realtime connection. conn is nil for clients driven directly
// through the Gateway, which only ever talks to the send channel.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once

	mu              sync.Mutex
	handshakeUserID string
	sess            session
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("connectionID", id)),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) session() session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) setSession(s session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *Client) clearSession() session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sess
	c.sess = session{}
	return prev
}

// setRole updates the cached role if the client is still joined to projectID.
func (c *Client) setRole(projectID string, role rbac.Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sess.joined || c.sess.projectID != projectID {
		return false
	}
	c.sess.role = role
	return true
}

func (c *Client) handshakeUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeUserID
}

// Emit queues a single event for this client.
func (c *Client) Emit(event string, payload any) bool {
	message, err := encode(event, payload)
	if err != nil {
		c.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.enqueue(message)
}

// enqueue never blocks. A client whose buffer is full is disconnected.
func (c *Client) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("send buffer full, dropping client")
		c.Close()
		return false
	}
}

// Close stops the write pump, which sends a close frame and releases the conn.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump decodes inbound envelopes and hands them to the gateway until the
// connection fails. The gateway is told about the disconnect exactly once.
func (c *Client) readPump(ctx context.Context, g *Gateway) {
	defer func() {
		g.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.logger.Debug("ignoring malformed frame", zap.Int("bytes", len(message)))
			continue
		}
		g.Dispatch(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
