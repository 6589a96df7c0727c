package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

// UpsertNode is the granular write path for interactive edits: it touches
// exactly one node row plus the edges sourced at that node, keeping write
// amplification and sync payloads small. Full-space overwrites go through
// UpsertSpace instead.
func (s *GraphStore) UpsertNode(ctx context.Context, spaceID, key string, payload domain.ThoughtPayload) error {
	node := domain.Node{SpaceID: spaceID, Key: key, Data: payload}
	if err := node.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireSpaceTx(ctx, tx, spaceID); err != nil {
			return err
		}
		if err := insertNodeTx(ctx, tx, spaceID, key, payload, now, now); err != nil {
			return err
		}
		if err := replaceSourceEdgesTx(ctx, tx, spaceID, key, payload.Relationships, now); err != nil {
			return err
		}
		return touchSpaceTx(ctx, tx, spaceID, now)
	})
}

// UpdateNodeField rewrites a single top-level field of the node's payload
// without touching its edges. Fails with NotFound if the node does not exist
// and with MalformedPayload if the stored document cannot be parsed.
func (s *GraphStore) UpdateNodeField(ctx context.Context, spaceID, key, field string, value json.RawMessage) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var data []byte
		err := tx.QueryRowContext(ctx,
			"SELECT data FROM nodes WHERE space_id = ? AND node_key = ?",
			spaceID, key,
		).Scan(&data)
		if err == sql.ErrNoRows {
			return appErrors.NewNotFound(fmt.Sprintf("node %q not found in space %q", key, spaceID))
		}
		if err != nil {
			return translateSQLiteErr(err, "load node payload")
		}

		payload, err := domain.ParsePayload(data)
		if err != nil {
			return appErrors.Wrap(err, fmt.Sprintf("node %q", domain.NodeID(spaceID, key)))
		}
		if err := payload.SetField(field, value); err != nil {
			return err
		}
		encoded, err := domain.EncodePayload(payload)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET data = ?, updated_at = ? WHERE space_id = ? AND node_key = ?",
			encoded, toMillis(now), spaceID, key,
		); err != nil {
			return translateSQLiteErr(err, "update node payload")
		}
		return touchSpaceTx(ctx, tx, spaceID, now)
	})
}

// DeleteNode removes a node row and cascades to the edges it sources.
// Edges whose target is the deleted node are left in place by default as
// soft references; the PruneDanglingTargets option removes them too.
// Returns whether the node existed.
func (s *GraphStore) DeleteNode(ctx context.Context, spaceID, key string) (bool, error) {
	now := time.Now().UTC()
	var existed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM nodes WHERE space_id = ? AND node_key = ?", spaceID, key)
		if err != nil {
			return translateSQLiteErr(err, "delete node row")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return appErrors.NewInternal("rows affected", err)
		}
		existed = affected > 0
		if !existed {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM edges WHERE space_id = ? AND source_node = ?", spaceID, key); err != nil {
			return translateSQLiteErr(err, "cascade source edges")
		}
		if s.opts.PruneDanglingTargets {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM edges WHERE space_id = ? AND target_node = ?", spaceID, key); err != nil {
				return translateSQLiteErr(err, "prune target edges")
			}
		}
		return touchSpaceTx(ctx, tx, spaceID, now)
	})
	if err != nil {
		return false, err
	}
	if existed {
		s.logger.Debug("node deleted",
			zap.String("spaceId", spaceID),
			zap.String("nodeKey", key),
			zap.Bool("prunedTargets", s.opts.PruneDanglingTargets),
		)
	}
	return existed, nil
}

// GetNode loads one node with its relationships re-derived from edge rows.
func (s *GraphStore) GetNode(ctx context.Context, spaceID, key string) (*domain.Node, error) {
	var node domain.Node
	var data []byte
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, data, created_at, updated_at
		FROM nodes WHERE space_id = ? AND node_key = ?`, spaceID, key,
	).Scan(&node.ID, &data, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound(fmt.Sprintf("node %q not found in space %q", key, spaceID))
	}
	if err != nil {
		return nil, translateSQLiteErr(err, "load node")
	}
	node.SpaceID = spaceID
	node.Key = key
	node.CreatedAt = fromMillis(createdMs)
	node.UpdatedAt = fromMillis(updatedMs)

	payload, err := domain.ParsePayload(data)
	if err != nil {
		return nil, appErrors.Wrap(err, fmt.Sprintf("node %q", node.ID))
	}
	node.Data = payload

	edges, err := s.edgesFromSource(ctx, spaceID, key)
	if err != nil {
		return nil, err
	}
	rels := make([]domain.Relationship, 0, len(edges))
	for i := range edges {
		rels = append(rels, edges[i].Relationship())
	}
	node.Data.Relationships = rels
	return &node, nil
}

// SetNodeEmbedding stores the semantic position vector for a node. Vectors
// are packed little-endian float32, the layout the vector index consumers
// expect.
func (s *GraphStore) SetNodeEmbedding(ctx context.Context, spaceID, key string, vec []float32) error {
	if !s.opts.VectorSearch {
		return appErrors.NewValidation("vector search is disabled")
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE nodes SET embedding = ? WHERE space_id = ? AND node_key = ?",
		encodeVector(vec), spaceID, key)
	if err != nil {
		return translateSQLiteErr(err, "set node embedding")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return appErrors.NewInternal("rows affected", err)
	}
	if affected == 0 {
		return appErrors.NewNotFound(fmt.Sprintf("node %q not found in space %q", key, spaceID))
	}
	return nil
}

// insertNodeTx upserts one node row, preserving created_at across upserts.
func insertNodeTx(ctx context.Context, tx *sql.Tx, spaceID, key string, payload domain.ThoughtPayload, createdAt, updatedAt time.Time) error {
	encoded, err := domain.EncodePayload(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, space_id, node_key, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, node_key) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		domain.NodeID(spaceID, key), spaceID, key, encoded, toMillis(createdAt), toMillis(updatedAt),
	)
	if err != nil {
		return translateSQLiteErr(err, "upsert node row")
	}
	return nil
}

// replaceSourceEdgesTx reconciles a node's payload relationships into edge
// rows: everything sourced at the node is dropped and re-inserted, so edges
// absent from the new relationships disappear.
func replaceSourceEdgesTx(ctx context.Context, tx *sql.Tx, spaceID, sourceKey string, rels []domain.Relationship, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE space_id = ? AND source_node = ?", spaceID, sourceKey); err != nil {
		return translateSQLiteErr(err, "clear source edges")
	}
	for i := range rels {
		edge := domain.EdgeFromRelationship(spaceID, sourceKey, rels[i], now)
		if err := insertEdgeTx(ctx, tx, &edge); err != nil {
			return err
		}
	}
	return nil
}

// requireSpaceTx returns NotFound unless the space row exists.
func requireSpaceTx(ctx context.Context, tx *sql.Tx, spaceID string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM spaces WHERE id = ?", spaceID).Scan(&one)
	if err == sql.ErrNoRows {
		return appErrors.NewNotFound(fmt.Sprintf("space %q not found", spaceID))
	}
	if err != nil {
		return translateSQLiteErr(err, "check space")
	}
	return nil
}

// touchSpaceTx bumps the parent space's updated_at.
func touchSpaceTx(ctx context.Context, tx *sql.Tx, spaceID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE spaces SET updated_at = ? WHERE id = ?", toMillis(now), spaceID); err != nil {
		return translateSQLiteErr(err, "touch space")
	}
	return nil
}
