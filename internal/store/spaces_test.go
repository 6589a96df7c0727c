package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

func TestUpsertSpaceRoundTripIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tension := 0.4
	space := &domain.Space{
		ID:          "sp-rt",
		Title:       "round trip",
		Description: "snapshot stability",
		Nodes: []domain.Node{
			{Key: "alpha", Data: domain.ThoughtPayload{
				Meanings: []string{"first"},
				Values:   map[string]float64{"weight": 0.7},
				Tension:  &tension,
				Relationships: []domain.Relationship{
					rel("beta", "supports", 0.9),
				},
			}},
			{Key: "beta", Data: domain.ThoughtPayload{
				Focus: 0.3,
				Lists: map[string][]domain.ChecklistItem{
					"todo": {{Text: "write it down", Done: false}},
				},
			}},
		},
		History: []domain.HistoryEntry{
			{Entry: "space created"},
			{Entry: "alpha linked to beta"},
		},
	}
	require.NoError(t, s.UpsertSpace(ctx, space))

	first, err := s.GetSpace(ctx, "sp-rt")
	require.NoError(t, err)

	// Feeding the read result straight back must not change anything.
	require.NoError(t, s.UpsertSpace(ctx, first))
	second, err := s.GetSpace(ctx, "sp-rt")
	require.NoError(t, err)

	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.Description, second.Description)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Len(t, second.Nodes, len(first.Nodes))
	for i := range first.Nodes {
		a, _ := json.Marshal(first.Nodes[i].Data)
		b, _ := json.Marshal(second.Nodes[i].Data)
		assert.JSONEq(t, string(a), string(b))
		assert.Equal(t, first.Nodes[i].Key, second.Nodes[i].Key)
	}
	require.Len(t, second.History, len(first.History))
	for i := range first.History {
		assert.Equal(t, first.History[i].Entry, second.History[i].Entry)
	}
}

func TestUpsertSpacePreservesNodeAndHistoryOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	space := &domain.Space{ID: "sp-ord", Title: "ordering"}
	for _, k := range []string{"zulu", "alpha", "mike"} {
		space.Nodes = append(space.Nodes, domain.Node{Key: k})
	}
	space.History = []domain.HistoryEntry{
		{Entry: "third from last"}, {Entry: "second"}, {Entry: "last"},
	}
	require.NoError(t, s.UpsertSpace(ctx, space))

	got, err := s.GetSpace(ctx, "sp-ord")
	require.NoError(t, err)
	require.Len(t, got.Nodes, 3)
	assert.Equal(t, "zulu", got.Nodes[0].Key)
	assert.Equal(t, "alpha", got.Nodes[1].Key)
	assert.Equal(t, "mike", got.Nodes[2].Key)
	require.Len(t, got.History, 3)
	assert.Equal(t, "third from last", got.History[0].Entry)
	assert.Equal(t, "last", got.History[2].Entry)
}

func TestUpsertSpaceKeepsOrderForIdenticalTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A bulk import stamps every node with the same creation time.
	stamp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	space := &domain.Space{ID: "sp-bulk", Title: "bulk import"}
	for _, k := range []string{"zulu", "alpha", "mike"} {
		space.Nodes = append(space.Nodes, domain.Node{Key: k, CreatedAt: stamp, UpdatedAt: stamp})
	}
	require.NoError(t, s.UpsertSpace(ctx, space))

	got, err := s.GetSpace(ctx, "sp-bulk")
	require.NoError(t, err)
	require.Len(t, got.Nodes, 3)
	assert.Equal(t, "zulu", got.Nodes[0].Key)
	assert.Equal(t, "alpha", got.Nodes[1].Key)
	assert.Equal(t, "mike", got.Nodes[2].Key)
}

func TestUpsertSpaceReplacesPreviousContents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedSpace(t, s, "sp-repl", "old-a", "old-b")
	require.NoError(t, s.UpsertSpace(ctx, &domain.Space{
		ID:    "sp-repl",
		Title: "replaced",
		Nodes: []domain.Node{{Key: "new-only"}},
	}))

	got, err := s.GetSpace(ctx, "sp-repl")
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Title)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "new-only", got.Nodes[0].Key)
}

func TestGetSpaceNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSpace(context.Background(), "sp-missing")
	require.Error(t, err)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeleteSpaceCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSpace(ctx, &domain.Space{
		ID:    "sp-del",
		Title: "doomed",
		Nodes: []domain.Node{
			{Key: "a", Data: domain.ThoughtPayload{
				Relationships: []domain.Relationship{rel("b", "links", 0.5)},
			}},
			{Key: "b"},
		},
		History: []domain.HistoryEntry{{Entry: "born"}},
	}))

	existed, err := s.DeleteSpace(ctx, "sp-del")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = s.GetSpace(ctx, "sp-del")
	assert.True(t, appErrors.IsNotFound(err))

	edges, err := s.ListEdges(ctx, "sp-del")
	require.NoError(t, err)
	assert.Empty(t, edges)

	history, err := s.ListHistory(ctx, "sp-del")
	require.NoError(t, err)
	assert.Empty(t, history)

	existed, err = s.DeleteSpace(ctx, "sp-del")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListSpacesReportsNodeCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedSpace(t, s, "sp-one", "a")
	seedSpace(t, s, "sp-three", "a", "b", "c")

	summaries, err := s.ListSpaces(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	counts := map[string]int{}
	for _, sum := range summaries {
		counts[sum.ID] = sum.NodeCount
	}
	assert.Equal(t, 1, counts["sp-one"])
	assert.Equal(t, 3, counts["sp-three"])
}
