package websocket

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Send buffer size
	sendBufferSize = 64
)

// command is an inbound client frame.
type command struct {
	Type    string `json:"type"`
	SpaceID string `json:"spaceId,omitempty"`
}

// Client is one live connection with its space subscriptions.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// send is written by push and closed exactly once by closeSend; both
	// hold sendMu so a reply racing a disconnect is dropped, not a panic.
	sendMu sync.Mutex
	closed bool
	send   chan []byte

	subMu sync.RWMutex
	subs  map[string]bool

	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]bool),
		logger: logger.With(zap.String("connectionId", id)),
	}
}

func (c *Client) start() {
	c.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *Client) subscribedTo(spaceID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[spaceID]
}

// push queues a frame without blocking; a slow consumer is disconnected
// rather than stalling the hub, and a frame for an already-closed client is
// dropped.
func (c *Client) push(frame []byte) {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- frame:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.logger.Warn("disconnecting slow websocket client")
		go func() {
			c.unregisterFromHub()
			c.conn.Close()
		}()
	}
}

// closeSend makes later pushes no-ops and signals writePump to finish. Called
// only from the hub loop.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// unregisterFromHub hands the client back to the hub loop. After shutdown
// nothing drains the channel anymore, so give up once the hub context ends.
func (c *Client) unregisterFromHub() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.ctx.Done():
	}
}

// readPump pumps inbound frames from the connection to the command handler.
func (c *Client) readPump() {
	defer func() {
		c.unregisterFromHub()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleCommand(bytes.TrimSpace(message))
	}
}

// writePump pumps queued frames out to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand serves the subscription protocol.
func (c *Client) handleCommand(message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.logger.Debug("ignoring unparseable frame", zap.Error(err))
		return
	}

	switch cmd.Type {
	case "get_spaces":
		frame, err := c.hub.spacesUpdateFrame(c.hub.ctx)
		if err != nil {
			c.logger.Error("building space list reply", zap.Error(err))
			return
		}
		c.push(frame)

	case "subscribe_space":
		if cmd.SpaceID == "" {
			c.logger.Debug("subscribe_space without spaceId")
			return
		}
		c.subMu.Lock()
		c.subs[cmd.SpaceID] = true
		c.subMu.Unlock()

		frame, err := c.hub.spaceUpdateFrame(c.hub.ctx, cmd.SpaceID)
		if err != nil {
			c.logger.Warn("building subscription snapshot",
				zap.String("spaceId", cmd.SpaceID), zap.Error(err))
			return
		}
		c.push(frame)

	default:
		c.logger.Debug("ignoring unknown command", zap.String("type", cmd.Type))
	}
}
