package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

// UpsertSpace performs a full-snapshot replace: the space row is upserted,
// every owned node/edge/history row is deleted, and the snapshot's nodes
// (each carrying its own edges via payload relationships) and history are
// re-inserted in original order. Used for bulk import, restore and full
// overwrite (PUT). Idempotent: re-running with identical input yields an
// identical GetSpace result.
func (s *GraphStore) UpsertSpace(ctx context.Context, space *domain.Space) error {
	if err := space.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		createdAt := space.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		updatedAt := space.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO spaces (id, title, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				updated_at = excluded.updated_at`,
			space.ID, space.Title, space.Description, toMillis(createdAt), toMillis(updatedAt),
		)
		if err != nil {
			return translateSQLiteErr(err, "upsert space row")
		}

		// Full replace: clear everything the space owns before re-insert.
		for _, stmt := range []string{
			"DELETE FROM nodes WHERE space_id = ?",
			"DELETE FROM edges WHERE space_id = ?",
			"DELETE FROM history WHERE space_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, space.ID); err != nil {
				return translateSQLiteErr(err, "clear space rows")
			}
		}

		prevCreatedMs := int64(0)
		for i := range space.Nodes {
			node := &space.Nodes[i]
			// created_at carries snapshot order on read-back. Zero stamps
			// get synthetic increasing ones; equal or regressing stamps
			// (bulk imports) are nudged one millisecond forward.
			nodeCreated := node.CreatedAt
			if nodeCreated.IsZero() {
				nodeCreated = now.Add(time.Duration(i) * time.Millisecond)
			}
			if toMillis(nodeCreated) <= prevCreatedMs {
				nodeCreated = fromMillis(prevCreatedMs + 1)
			}
			prevCreatedMs = toMillis(nodeCreated)
			nodeUpdated := node.UpdatedAt
			if nodeUpdated.IsZero() {
				nodeUpdated = nodeCreated
			}
			if err := insertNodeTx(ctx, tx, space.ID, node.Key, node.Data, nodeCreated, nodeUpdated); err != nil {
				return err
			}
			if err := replaceSourceEdgesTx(ctx, tx, space.ID, node.Key, node.Data.Relationships, nodeUpdated); err != nil {
				return err
			}
		}

		for i := range space.History {
			entry := &space.History[i]
			entryCreated := entry.CreatedAt
			if entryCreated.IsZero() {
				entryCreated = now.Add(time.Duration(i) * time.Millisecond)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO history (space_id, entry, created_at) VALUES (?, ?, ?)",
				space.ID, entry.Entry, toMillis(entryCreated),
			); err != nil {
				return translateSQLiteErr(err, "insert history entry")
			}
		}

		s.logger.Debug("space snapshot written",
			zap.String("spaceId", space.ID),
			zap.Int("nodes", len(space.Nodes)),
			zap.Int("history", len(space.History)),
		)
		return nil
	})
}

// GetSpace reconstructs the nested graph for a space: nodes ordered by
// creation time with their relationships re-derived from edge rows, plus the
// history log. Returns a typed NotFound error when the space row is absent.
func (s *GraphStore) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	space := &domain.Space{ID: id}

	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT title, description, created_at, updated_at FROM spaces WHERE id = ?", id,
	).Scan(&space.Title, &space.Description, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound(fmt.Sprintf("space %q not found", id))
	}
	if err != nil {
		return nil, translateSQLiteErr(err, "load space row")
	}
	space.CreatedAt = fromMillis(createdMs)
	space.UpdatedAt = fromMillis(updatedMs)

	nodes, err := s.loadNodes(ctx, id)
	if err != nil {
		return nil, err
	}

	// Edge rows are the source of truth for topology; overwrite whatever
	// relationships the stored payloads carried.
	bySource, err := s.loadEdgesBySource(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		nodes[i].Data.Relationships = bySource[nodes[i].Key]
	}
	space.Nodes = nodes

	history, err := s.ListHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	space.History = history

	return space, nil
}

// ListSpaces returns summaries of every space with owned-node counts,
// ordered by most recently updated first.
func (s *GraphStore) ListSpaces(ctx context.Context) ([]domain.SpaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.description, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM nodes n WHERE n.space_id = s.id) AS node_count
		FROM spaces s
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, translateSQLiteErr(err, "list spaces")
	}
	defer rows.Close()

	var summaries []domain.SpaceSummary
	for rows.Next() {
		var sum domain.SpaceSummary
		var createdMs, updatedMs int64
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Description, &createdMs, &updatedMs, &sum.NodeCount); err != nil {
			return nil, translateSQLiteErr(err, "scan space summary")
		}
		sum.CreatedAt = fromMillis(createdMs)
		sum.UpdatedAt = fromMillis(updatedMs)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// DeleteSpace removes a space and cascades to all owned nodes, edges and
// history rows. Returns whether a space existed.
func (s *GraphStore) DeleteSpace(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM spaces WHERE id = ?", id)
		if err != nil {
			return translateSQLiteErr(err, "delete space row")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return appErrors.NewInternal("rows affected", err)
		}
		existed = affected > 0

		for _, stmt := range []string{
			"DELETE FROM nodes WHERE space_id = ?",
			"DELETE FROM edges WHERE space_id = ?",
			"DELETE FROM history WHERE space_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return translateSQLiteErr(err, "cascade space delete")
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if existed {
		s.logger.Info("space deleted", zap.String("spaceId", id))
	}
	return existed, nil
}

// loadNodes returns a space's nodes ordered by creation time.
func (s *GraphStore) loadNodes(ctx context.Context, spaceID string) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_key, data, created_at, updated_at
		FROM nodes WHERE space_id = ?
		ORDER BY created_at ASC, node_key ASC`, spaceID)
	if err != nil {
		return nil, translateSQLiteErr(err, "load nodes")
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		var node domain.Node
		var data []byte
		var createdMs, updatedMs int64
		if err := rows.Scan(&node.ID, &node.Key, &data, &createdMs, &updatedMs); err != nil {
			return nil, translateSQLiteErr(err, "scan node")
		}
		node.SpaceID = spaceID
		node.CreatedAt = fromMillis(createdMs)
		node.UpdatedAt = fromMillis(updatedMs)

		payload, err := domain.ParsePayload(data)
		if err != nil {
			return nil, appErrors.Wrap(err, fmt.Sprintf("node %q", node.ID))
		}
		node.Data = payload
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// loadEdgesBySource groups a space's edges by their source node key.
func (s *GraphStore) loadEdgesBySource(ctx context.Context, spaceID string) (map[string][]domain.Relationship, error) {
	edges, err := s.ListEdges(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	bySource := make(map[string][]domain.Relationship)
	for i := range edges {
		bySource[edges[i].SourceKey] = append(bySource[edges[i].SourceKey], edges[i].Relationship())
	}
	for _, rels := range bySource {
		sort.Slice(rels, func(i, j int) bool { return rels[i].Target < rels[j].Target })
	}
	return bySource, nil
}
