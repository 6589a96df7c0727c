package domain

import (
	"fmt"
	"strings"
	"time"

	appErrors "mindmesh-backend/pkg/errors"
)

// Node is a thought entity within a space. Its payload is a schema-flexible
// versioned document; only the Relationships field is projected into edge
// rows for querying.
type Node struct {
	ID        string         `json:"id"`
	SpaceID   string         `json:"spaceId"`
	Key       string         `json:"key"`
	Data      ThoughtPayload `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NodeID derives the composite identifier for a node. Deterministic so
// upserts are naturally idempotent.
func NodeID(spaceID, key string) string {
	return fmt.Sprintf("%s:%s", spaceID, key)
}

// Validate checks node-level invariants.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.Key) == "" {
		return appErrors.NewValidation("node key cannot be empty")
	}
	if strings.Contains(n.Key, ":") {
		return appErrors.NewValidation("node key cannot contain ':'")
	}
	for i := range n.Data.Relationships {
		if err := n.Data.Relationships[i].Validate(); err != nil {
			return appErrors.Wrap(err, fmt.Sprintf("node %q relationship %d", n.Key, i))
		}
	}
	return nil
}
