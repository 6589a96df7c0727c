package domain

import (
	"fmt"
	"strings"
	"time"

	appErrors "mindmesh-backend/pkg/errors"
)

// Relationship is the denormalized edge description embedded in a node
// payload. The write path reconciles it into edge rows; edge rows remain the
// source of truth for topology.
type Relationship struct {
	Target   string  `json:"target"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
	Gloss    string  `json:"gloss,omitempty"`
}

// Validate checks a relationship before it is projected into an edge row.
func (r *Relationship) Validate() error {
	if strings.TrimSpace(r.Target) == "" {
		return appErrors.NewValidation("relationship target cannot be empty")
	}
	if r.Strength < 0 || r.Strength > 1 {
		return appErrors.NewValidation("relationship strength must be within [0,1]")
	}
	return nil
}

// Edge is a directed, typed, weighted relationship between two nodes of the
// same space. Source and target are logical node keys; consistency is
// maintained by the write path, not by a foreign key.
type Edge struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"spaceId"`
	SourceKey string    `json:"sourceNode"`
	TargetKey string    `json:"targetNode"`
	Type      string    `json:"type"`
	Strength  float64   `json:"strength"`
	Gloss     string    `json:"gloss,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EdgeID derives the composite identifier for an edge, making upserts
// idempotent and collisions detectable.
func EdgeID(spaceID, sourceKey, targetKey string) string {
	return fmt.Sprintf("%s:%s:%s", spaceID, sourceKey, targetKey)
}

// EdgeFromRelationship projects a payload relationship into an edge row.
func EdgeFromRelationship(spaceID, sourceKey string, rel Relationship, now time.Time) Edge {
	return Edge{
		ID:        EdgeID(spaceID, sourceKey, rel.Target),
		SpaceID:   spaceID,
		SourceKey: sourceKey,
		TargetKey: rel.Target,
		Type:      rel.Type,
		Strength:  rel.Strength,
		Gloss:     rel.Gloss,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Relationship projects an edge row back into the payload representation.
func (e *Edge) Relationship() Relationship {
	return Relationship{
		Target:   e.TargetKey,
		Type:     e.Type,
		Strength: e.Strength,
		Gloss:    e.Gloss,
	}
}

// Validate checks edge invariants before a write.
func (e *Edge) Validate() error {
	if strings.TrimSpace(e.SpaceID) == "" {
		return appErrors.NewValidation("edge space ID cannot be empty")
	}
	if strings.TrimSpace(e.SourceKey) == "" || strings.TrimSpace(e.TargetKey) == "" {
		return appErrors.NewValidation("edge source and target cannot be empty")
	}
	if e.Strength < 0 || e.Strength > 1 {
		return appErrors.NewValidation("edge strength must be within [0,1]")
	}
	return nil
}
