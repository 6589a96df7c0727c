// Package domain holds the core entities of the thought graph: spaces, nodes,
// edges and history entries. Entities validate themselves; persistence and
// replication live elsewhere.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "mindmesh-backend/pkg/errors"
)

const maxTitleLength = 512

// Space is the top-level graph container. It strictly owns its nodes, edges
// and history rows; deleting a space cascades to all of them.
type Space struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Nodes       []Node         `json:"nodes"`
	History     []HistoryEntry `json:"history"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// SpaceSummary is the list-view projection of a space.
type SpaceSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	NodeCount   int       `json:"nodeCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewSpaceID returns an opaque, time-derived space identifier. The millisecond
// prefix keeps IDs roughly sortable by creation time; the uuid suffix makes
// collisions between concurrent creators a non-issue.
func NewSpaceID(now time.Time) string {
	return fmt.Sprintf("sp-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Validate checks space-level invariants before any write is attempted.
func (s *Space) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return appErrors.NewValidation("space ID cannot be empty")
	}
	if strings.Contains(s.ID, ":") {
		return appErrors.NewValidation("space ID cannot contain ':'")
	}
	if len(s.Title) > maxTitleLength {
		return appErrors.NewValidation("space title exceeds maximum length")
	}
	seen := make(map[string]struct{}, len(s.Nodes))
	for i := range s.Nodes {
		key := s.Nodes[i].Key
		if _, dup := seen[key]; dup {
			return appErrors.NewValidation(fmt.Sprintf("duplicate node key %q in space", key))
		}
		seen[key] = struct{}{}
		if err := s.Nodes[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
