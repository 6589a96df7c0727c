// Package notify delivers best-effort change notifications. A broadcast
// tries the cross-process HTTP relay first and falls back to the in-process
// notifier; it never fails the write that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mindmesh-backend/pkg/observability"
)

// Broadcast message types accepted by the relay endpoint.
const (
	TypeSpaceUpdate  = "space_update"
	TypeSpaceList    = "space_list"
	TypeSpaceCreated = "space_created"
)

// Message is the relay wire format.
type Message struct {
	Type    string `json:"type"`
	SpaceID string `json:"spaceId,omitempty"`
}

// LocalNotifier is the in-process delivery target, typically the websocket
// hub living in this process.
type LocalNotifier interface {
	NotifySpace(spaceID string)
	NotifySpaceList()
}

// ChangeNotifier broadcasts mutation events to observers in this process and
// in sibling processes sharing the database file.
type ChangeNotifier struct {
	relayURL string
	client   *http.Client
	local    LocalNotifier
	logger   *zap.Logger
}

// New builds a notifier. An empty relayURL skips the cross-process hop; a
// nil local notifier skips the in-process fallback. Both may be unset, in
// which case broadcasts are logged no-ops.
func New(relayURL string, local LocalNotifier, logger *zap.Logger) *ChangeNotifier {
	return &ChangeNotifier{
		relayURL: relayURL,
		client:   &http.Client{Timeout: 2 * time.Second},
		local:    local,
		logger:   logger,
	}
}

// BroadcastSpace announces that a space's nodes or edges changed.
func (n *ChangeNotifier) BroadcastSpace(ctx context.Context, spaceID string) {
	n.deliver(ctx, Message{Type: TypeSpaceUpdate, SpaceID: spaceID})
}

// BroadcastSpaceCreated announces a newly created space.
func (n *ChangeNotifier) BroadcastSpaceCreated(ctx context.Context, spaceID string) {
	n.deliver(ctx, Message{Type: TypeSpaceCreated, SpaceID: spaceID})
}

// BroadcastSpaceList announces that the set of spaces changed.
func (n *ChangeNotifier) BroadcastSpaceList(ctx context.Context) {
	n.deliver(ctx, Message{Type: TypeSpaceList})
}

// deliver never returns an error: the mutation that triggered it already
// committed and must be reported as successful regardless of delivery.
func (n *ChangeNotifier) deliver(ctx context.Context, msg Message) {
	if n.relayURL != "" {
		if err := n.postRelay(ctx, msg); err == nil {
			observability.Broadcasts.WithLabelValues("relay", "ok").Inc()
			return
		} else {
			observability.Broadcasts.WithLabelValues("relay", "failed").Inc()
			n.logger.Debug("relay broadcast failed, trying in-process",
				zap.String("type", msg.Type),
				zap.String("spaceId", msg.SpaceID),
				zap.Error(err),
			)
		}
	}

	if n.local == nil {
		observability.Broadcasts.WithLabelValues("local", "skipped").Inc()
		n.logger.Debug("no notifier available for broadcast",
			zap.String("type", msg.Type),
			zap.String("spaceId", msg.SpaceID),
		)
		return
	}

	// Apply locally.
	switch msg.Type {
	case TypeSpaceUpdate:
		n.local.NotifySpace(msg.SpaceID)
	default:
		n.local.NotifySpaceList()
	}
	observability.Broadcasts.WithLabelValues("local", "ok").Inc()
}

// Deliver routes a relay-received message into the local notifier. Used by
// the relay HTTP endpoint on the receiving side.
func (n *ChangeNotifier) Deliver(msg Message) {
	if n.local == nil {
		return
	}
	switch msg.Type {
	case TypeSpaceUpdate:
		n.local.NotifySpace(msg.SpaceID)
	default:
		n.local.NotifySpaceList()
	}
}

func (n *ChangeNotifier) postRelay(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.relayURL+"/broadcast", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &relayStatusError{status: resp.StatusCode}
	}
	return nil
}

type relayStatusError struct {
	status int
}

func (e *relayStatusError) Error() string {
	return fmt.Sprintf("relay returned %d %s", e.status, http.StatusText(e.status))
}
