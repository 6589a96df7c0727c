package domain

import (
	"strings"
	"time"

	appErrors "mindmesh-backend/pkg/errors"
)

// HistoryEntry is one line of a space's append-only narrative log. Entries
// are never mutated; they are appended, or bulk-replaced by a full-space
// overwrite.
type HistoryEntry struct {
	ID        int64     `json:"id,omitempty"`
	SpaceID   string    `json:"spaceId,omitempty"`
	Entry     string    `json:"entry"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks that a history entry is writable.
func (h *HistoryEntry) Validate() error {
	if strings.TrimSpace(h.Entry) == "" {
		return appErrors.NewValidation("history entry cannot be empty")
	}
	return nil
}
