package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

// stubSource serves canned graph data to the hub.
type stubSource struct {
	spaces    map[string]*domain.Space
	listDelay time.Duration
}

func (s *stubSource) ListSpaces(ctx context.Context) ([]domain.SpaceSummary, error) {
	if s.listDelay > 0 {
		time.Sleep(s.listDelay)
	}
	var out []domain.SpaceSummary
	for _, sp := range s.spaces {
		out = append(out, domain.SpaceSummary{ID: sp.ID, Title: sp.Title, NodeCount: len(sp.Nodes)})
	}
	return out, nil
}

func (s *stubSource) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	sp, ok := s.spaces[id]
	if !ok {
		return nil, appErrors.NewNotFound("space " + id + " not found")
	}
	return sp, nil
}

func dialTestHub(t *testing.T, source DataSource) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(source, zap.NewNop())
	go hub.Run()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func frameType(t *testing.T, frame map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(frame["type"], &typ))
	return typ
}

func TestGetSpacesCommand(t *testing.T) {
	source := &stubSource{spaces: map[string]*domain.Space{
		"sp-a": {ID: "sp-a", Title: "alpha"},
	}}
	_, conn := dialTestHub(t, source)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_spaces"}`)))

	frame := readFrame(t, conn)
	require.Equal(t, "spaces_update", frameType(t, frame))
	var spaces []domain.SpaceSummary
	require.NoError(t, json.Unmarshal(frame["spaces"], &spaces))
	require.Len(t, spaces, 1)
	assert.Equal(t, "sp-a", spaces[0].ID)
}

func TestSubscribeSpaceRepliesWithSnapshot(t *testing.T) {
	source := &stubSource{spaces: map[string]*domain.Space{
		"sp-a": {ID: "sp-a", Title: "alpha", Nodes: []domain.Node{
			{Key: "n1", Data: domain.ThoughtPayload{Focus: 0.6}},
		}},
	}}
	_, conn := dialTestHub(t, source)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe_space","spaceId":"sp-a"}`)))

	frame := readFrame(t, conn)
	require.Equal(t, "space_thoughts_update", frameType(t, frame))
	var nodes map[string]domain.ThoughtPayload
	require.NoError(t, json.Unmarshal(frame["nodes"], &nodes))
	require.Contains(t, nodes, "n1")
	assert.Equal(t, 0.6, nodes["n1"].Focus)
}

func TestBroadcastPushesToSubscribersOnly(t *testing.T) {
	source := &stubSource{spaces: map[string]*domain.Space{
		"sp-a": {ID: "sp-a", Title: "alpha"},
		"sp-b": {ID: "sp-b", Title: "beta"},
	}}
	hub, subscriber := dialTestHub(t, source)

	require.NoError(t, subscriber.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe_space","spaceId":"sp-a"}`)))
	readFrame(t, subscriber) // snapshot reply

	// A change to an unrelated space does not reach this subscriber; the
	// next frame it sees is the update for its own space.
	hub.NotifySpace("sp-b")
	hub.NotifySpace("sp-a")

	frame := readFrame(t, subscriber)
	require.Equal(t, "space_thoughts_update", frameType(t, frame))
	var spaceID string
	require.NoError(t, json.Unmarshal(frame["spaceId"], &spaceID))
	assert.Equal(t, "sp-a", spaceID)
}

func TestCommandReplyDuringShutdownIsDropped(t *testing.T) {
	source := &stubSource{
		spaces:    map[string]*domain.Space{"sp-a": {ID: "sp-a", Title: "alpha"}},
		listDelay: 150 * time.Millisecond,
	}
	hub, conn := dialTestHub(t, source)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_spaces"}`)))
	time.Sleep(50 * time.Millisecond)
	hub.Stop()

	// The stalled reply lands after the hub closed this client's send
	// channel; it must be dropped, not crash the process.
	time.Sleep(200 * time.Millisecond)
}

func TestUnregisterAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewHub(&stubSource{}, zap.NewNop())
	hub.Stop()

	// Nothing drains unregister once the hub is down; even with the buffer
	// full, disconnecting clients must still be able to give up and exit.
	for i := 0; i < cap(hub.unregister)+2; i++ {
		c := newClient(hub, nil, zap.NewNop())
		done := make(chan struct{})
		go func() {
			c.unregisterFromHub()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("unregister send blocked after shutdown")
		}
	}
}

func TestSpaceListBroadcastReachesEveryConnection(t *testing.T) {
	source := &stubSource{spaces: map[string]*domain.Space{
		"sp-a": {ID: "sp-a", Title: "alpha"},
	}}
	hub, conn := dialTestHub(t, source)

	hub.NotifySpaceList()

	frame := readFrame(t, conn)
	assert.Equal(t, "spaces_update", frameType(t, frame))
}
