package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTripPreservesUnknownFields(t *testing.T) {
	in := []byte(`{"v":1,"meanings":["anchor"],"focus":0.7,"custom_widget":{"color":"teal"}}`)

	p, err := ParsePayload(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"anchor"}, p.Meanings)
	assert.InDelta(t, 0.7, p.Focus, 1e-9)
	require.Contains(t, p.Extra, "custom_widget")

	out, err := EncodePayload(p)
	require.NoError(t, err)

	again, err := ParsePayload(out)
	require.NoError(t, err)
	assert.Equal(t, p.Meanings, again.Meanings)
	assert.JSONEq(t, string(p.Extra["custom_widget"]), string(again.Extra["custom_widget"]))
}

func TestPayloadRoundTripStable(t *testing.T) {
	// Two encode/parse cycles must agree; collaborators diff snapshots.
	in := []byte(`{"meanings":["m"],"values":{"a":1},"lists":{"todo":[{"text":"x","done":false}]},"opaque":[1,2,3]}`)

	p1, err := ParsePayload(in)
	require.NoError(t, err)
	b1, err := EncodePayload(p1)
	require.NoError(t, err)
	p2, err := ParsePayload(b1)
	require.NoError(t, err)
	b2, err := EncodePayload(p2)
	require.NoError(t, err)

	assert.JSONEq(t, string(b1), string(b2))
}

func TestLegacyPayloadMigration(t *testing.T) {
	// v0 documents carried relationships under "links" with no version tag.
	legacy := []byte(`{"meanings":["old"],"links":[{"target":"b","type":"supports","strength":0.5}]}`)

	p, err := ParsePayload(legacy)
	require.NoError(t, err)
	assert.Equal(t, PayloadVersion, p.Version)
	require.Len(t, p.Relationships, 1)
	assert.Equal(t, "b", p.Relationships[0].Target)
	assert.NotContains(t, p.Extra, "links")
}

func TestParsePayloadMalformed(t *testing.T) {
	_, err := ParsePayload([]byte(`{"v":1,`))
	require.Error(t, err)

	_, err = ParsePayload(nil)
	require.Error(t, err)
}

func TestSetField(t *testing.T) {
	p := ThoughtPayload{
		Version: PayloadVersion,
		Lists: map[string][]ChecklistItem{
			"todo": {{Text: "write", Done: false}},
		},
	}

	patch, _ := json.Marshal(map[string][]ChecklistItem{
		"todo": {{Text: "write", Done: true}},
	})
	require.NoError(t, p.SetField("lists", patch))
	assert.True(t, p.Lists["todo"][0].Done)

	// Unknown fields land in Extra rather than being dropped.
	require.NoError(t, p.SetField("mood", json.RawMessage(`"calm"`)))
	assert.Equal(t, json.RawMessage(`"calm"`), p.Extra["mood"])
}

func TestRelationshipValidate(t *testing.T) {
	bad := Relationship{Target: "", Strength: 0.5}
	assert.Error(t, bad.Validate())

	outOfRange := Relationship{Target: "x", Strength: 1.5}
	assert.Error(t, outOfRange.Validate())

	ok := Relationship{Target: "x", Type: "supports", Strength: 1.0}
	assert.NoError(t, ok.Validate())
}

func TestSpaceValidateDuplicateKeys(t *testing.T) {
	s := Space{
		ID: "sp-1",
		Nodes: []Node{
			{Key: "a"},
			{Key: "a"},
		},
	}
	assert.Error(t, s.Validate())
}

func TestIDDerivation(t *testing.T) {
	assert.Equal(t, "sp-1:root", NodeID("sp-1", "root"))
	assert.Equal(t, "sp-1:a:b", EdgeID("sp-1", "a", "b"))
}
