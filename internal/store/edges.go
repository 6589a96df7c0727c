package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

// InsertEdge upserts a single directed edge. The write path enforces the
// ownership invariant: the edge's source must be a node key owned by the
// same space.
func (s *GraphStore) InsertEdge(ctx context.Context, edge *domain.Edge) error {
	if edge.ID == "" {
		edge.ID = domain.EdgeID(edge.SpaceID, edge.SourceKey, edge.TargetKey)
	}
	if err := edge.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = now
	}
	edge.UpdatedAt = now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM nodes WHERE space_id = ? AND node_key = ?",
			edge.SpaceID, edge.SourceKey,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return appErrors.NewValidation(
				fmt.Sprintf("edge source %q is not a node of space %q", edge.SourceKey, edge.SpaceID))
		}
		if err != nil {
			return translateSQLiteErr(err, "check edge source")
		}
		if err := insertEdgeTx(ctx, tx, edge); err != nil {
			return err
		}
		return touchSpaceTx(ctx, tx, edge.SpaceID, now)
	})
}

// DeleteEdge removes one edge by its composite ID. Returns whether it existed.
func (s *GraphStore) DeleteEdge(ctx context.Context, edgeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM edges WHERE id = ?", edgeID)
	if err != nil {
		return false, translateSQLiteErr(err, "delete edge")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.NewInternal("rows affected", err)
	}
	return affected > 0, nil
}

// ListEdges returns all edges of a space.
func (s *GraphStore) ListEdges(ctx context.Context, spaceID string) ([]domain.Edge, error) {
	return s.queryEdges(ctx,
		"SELECT id, space_id, source_node, target_node, type, strength, gloss, created_at, updated_at FROM edges WHERE space_id = ? ORDER BY source_node, target_node",
		spaceID)
}

// edgesFromSource returns the edges sourced at one node.
func (s *GraphStore) edgesFromSource(ctx context.Context, spaceID, sourceKey string) ([]domain.Edge, error) {
	return s.queryEdges(ctx,
		"SELECT id, space_id, source_node, target_node, type, strength, gloss, created_at, updated_at FROM edges WHERE space_id = ? AND source_node = ? ORDER BY target_node",
		spaceID, sourceKey)
}

func (s *GraphStore) queryEdges(ctx context.Context, query string, args ...any) ([]domain.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateSQLiteErr(err, "query edges")
	}
	defer rows.Close()

	var edges []domain.Edge
	for rows.Next() {
		var e domain.Edge
		var gloss sql.NullString
		var createdMs, updatedMs int64
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.SourceKey, &e.TargetKey, &e.Type, &e.Strength, &gloss, &createdMs, &updatedMs); err != nil {
			return nil, translateSQLiteErr(err, "scan edge")
		}
		e.Gloss = gloss.String
		e.CreatedAt = fromMillis(createdMs)
		e.UpdatedAt = fromMillis(updatedMs)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// insertEdgeTx upserts one edge row, preserving created_at across upserts.
func insertEdgeTx(ctx context.Context, tx *sql.Tx, edge *domain.Edge) error {
	var gloss any
	if edge.Gloss != "" {
		gloss = edge.Gloss
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO edges (id, space_id, source_node, target_node, type, strength, gloss, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, source_node, target_node) DO UPDATE SET
			type = excluded.type,
			strength = excluded.strength,
			gloss = excluded.gloss,
			updated_at = excluded.updated_at`,
		edge.ID, edge.SpaceID, edge.SourceKey, edge.TargetKey,
		edge.Type, edge.Strength, gloss,
		toMillis(edge.CreatedAt), toMillis(edge.UpdatedAt),
	)
	if err != nil {
		return translateSQLiteErr(err, "upsert edge row")
	}
	return nil
}

// encodeVector packs a float32 slice little-endian for the embedding column.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
