// Package websocket implements the live subscription protocol: clients ask
// for the space list or subscribe to a space, and every committed mutation
// pushes the corresponding update to them unprompted.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mindmesh-backend/internal/domain"
	"mindmesh-backend/pkg/observability"
)

// DataSource is the read surface the hub needs to build update frames.
type DataSource interface {
	ListSpaces(ctx context.Context) ([]domain.SpaceSummary, error)
	GetSpace(ctx context.Context, id string) (*domain.Space, error)
}

// event is one change notification flowing through the hub.
// An empty spaceID means the space list itself changed.
type event struct {
	spaceID string
}

// Hub maintains active connections and fans change events out to them.
type Hub struct {
	source DataSource

	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	events     chan event

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	upgrader websocket.Upgrader
}

// NewHub creates a hub reading from the given source.
func NewHub(source DataSource, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:     source,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		events:     make(chan event, 256),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-first tool; the UI may be served from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run is the hub's event loop. Call it on its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	h.cancel()
}

// NotifySpace queues a push of the space's current nodes to its subscribers.
func (h *Hub) NotifySpace(spaceID string) {
	select {
	case h.events <- event{spaceID: spaceID}:
	default:
		h.logger.Warn("event queue full, dropping space update",
			zap.String("spaceId", spaceID))
	}
}

// NotifySpaceList queues a push of the space list to every connection.
func (h *Hub) NotifySpaceList() {
	select {
	case h.events <- event{}:
	default:
		h.logger.Warn("event queue full, dropping space list update")
	}
}

// ServeWS upgrades an HTTP request and starts a client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	newClient(h, conn, h.logger).start()
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	observability.WebsocketConnections.Inc()
	h.logger.Info("websocket client connected",
		zap.String("connectionId", client.id),
		zap.Int("connections", total),
	)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()

	observability.WebsocketConnections.Dec()
	h.logger.Info("websocket client disconnected",
		zap.String("connectionId", client.id),
		zap.Int("connections", len(h.clients)),
	)
}

// dispatch pushes one event's frame to the connections it concerns.
func (h *Hub) dispatch(ev event) {
	if ev.spaceID == "" {
		frame, err := h.spacesUpdateFrame(h.ctx)
		if err != nil {
			h.logger.Error("building space list update", zap.Error(err))
			return
		}
		h.mu.RLock()
		defer h.mu.RUnlock()
		for client := range h.clients {
			client.push(frame)
		}
		return
	}

	frame, err := h.spaceUpdateFrame(h.ctx, ev.spaceID)
	if err != nil {
		h.logger.Warn("building space update",
			zap.String("spaceId", ev.spaceID), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.subscribedTo(ev.spaceID) {
			client.push(frame)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		client.conn.Close()
		delete(h.clients, client)
		observability.WebsocketConnections.Dec()
	}
	h.logger.Info("all websocket connections closed")
}

// spacesUpdateFrame builds {type:"spaces_update", spaces:[...]}.
func (h *Hub) spacesUpdateFrame(ctx context.Context) ([]byte, error) {
	spaces, err := h.source.ListSpaces(ctx)
	if err != nil {
		return nil, err
	}
	if spaces == nil {
		spaces = []domain.SpaceSummary{}
	}
	return json.Marshal(map[string]any{
		"type":   "spaces_update",
		"spaces": spaces,
	})
}

// spaceUpdateFrame builds {type:"space_thoughts_update", spaceId, nodes:{...}}.
func (h *Hub) spaceUpdateFrame(ctx context.Context, spaceID string) ([]byte, error) {
	space, err := h.source.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]domain.ThoughtPayload, len(space.Nodes))
	for i := range space.Nodes {
		nodes[space.Nodes[i].Key] = space.Nodes[i].Data
	}
	return json.Marshal(map[string]any{
		"type":    "space_thoughts_update",
		"spaceId": spaceID,
		"nodes":   nodes,
	})
}
