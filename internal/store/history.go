package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

// AppendHistory adds one entry to a space's narrative log. History is
// append-only; entries are never mutated in place.
func (s *GraphStore) AppendHistory(ctx context.Context, spaceID, entry string) (*domain.HistoryEntry, error) {
	he := domain.HistoryEntry{SpaceID: spaceID, Entry: entry, CreatedAt: time.Now().UTC()}
	if err := he.Validate(); err != nil {
		return nil, err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireSpaceTx(ctx, tx, spaceID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO history (space_id, entry, created_at) VALUES (?, ?, ?)",
			spaceID, entry, toMillis(he.CreatedAt))
		if err != nil {
			return translateSQLiteErr(err, "append history")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return appErrors.NewInternal("last insert id", err)
		}
		he.ID = id
		return touchSpaceTx(ctx, tx, spaceID, he.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &he, nil
}

// ListHistory returns a space's history entries in append order.
func (s *GraphStore) ListHistory(ctx context.Context, spaceID string) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, entry, created_at FROM history WHERE space_id = ? ORDER BY created_at ASC, id ASC",
		spaceID)
	if err != nil {
		return nil, translateSQLiteErr(err, fmt.Sprintf("list history for %q", spaceID))
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var he domain.HistoryEntry
		var createdMs int64
		if err := rows.Scan(&he.ID, &he.Entry, &createdMs); err != nil {
			return nil, translateSQLiteErr(err, "scan history entry")
		}
		he.SpaceID = spaceID
		he.CreatedAt = fromMillis(createdMs)
		entries = append(entries, he)
	}
	return entries, rows.Err()
}
