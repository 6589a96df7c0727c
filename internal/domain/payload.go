package domain

import (
	"encoding/json"

	appErrors "mindmesh-backend/pkg/errors"
)

// PayloadVersion is the current thought payload schema version.
const PayloadVersion = 1

// SemanticPosition places a thought in the semantic plane of its space.
type SemanticPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ChecklistItem is a single entry of a named list inside a payload.
type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// ThoughtPayload is the versioned document carried by every node. Known
// fields are typed; unrecognized fields survive round trips untouched so
// collaborators can attach their own data without schema changes here.
//
// Schema versions:
//
//	v0 - legacy untagged documents; relationships stored under "links"
//	v1 - current; explicit "v" tag, "relationships" field
type ThoughtPayload struct {
	Version       int                        `json:"v"`
	Meanings      []string                   `json:"meanings,omitempty"`
	Values        map[string]float64         `json:"values,omitempty"`
	Focus         float64                    `json:"focus,omitempty"`
	Position      *SemanticPosition          `json:"position,omitempty"`
	Branches      []string                   `json:"branches,omitempty"`
	Tension       *float64                   `json:"tension,omitempty"`
	Lists         map[string][]ChecklistItem `json:"lists,omitempty"`
	Relationships []Relationship             `json:"relationships,omitempty"`

	// Extra preserves fields this schema version does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

// payloadAlias avoids recursive MarshalJSON/UnmarshalJSON calls.
type payloadAlias ThoughtPayload

var knownPayloadFields = map[string]struct{}{
	"v": {}, "meanings": {}, "values": {}, "focus": {}, "position": {},
	"branches": {}, "tension": {}, "lists": {}, "relationships": {},
}

// UnmarshalJSON decodes a payload, migrating legacy versions and stashing
// unknown fields into Extra.
func (p *ThoughtPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	// v0 legacy documents carried relationships under "links" and no tag.
	if _, tagged := raw["v"]; !tagged {
		if links, ok := raw["links"]; ok {
			raw["relationships"] = links
			delete(raw, "links")
		}
	}

	migrated, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var alias payloadAlias
	if err := json.Unmarshal(migrated, &alias); err != nil {
		return err
	}
	*p = ThoughtPayload(alias)
	p.Version = PayloadVersion

	for k, v := range raw {
		if _, known := knownPayloadFields[k]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

// MarshalJSON encodes known fields and Extra as one flat object.
func (p ThoughtPayload) MarshalJSON() ([]byte, error) {
	if p.Version == 0 {
		p.Version = PayloadVersion
	}
	base, err := json.Marshal(payloadAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, known := knownPayloadFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ParsePayload decodes a stored payload document. A parse failure is a hard
// MalformedPayload error on the specific read path, never silently dropped.
func ParsePayload(data []byte) (ThoughtPayload, error) {
	var p ThoughtPayload
	if len(data) == 0 {
		return p, appErrors.NewMalformedPayload("empty payload document", nil)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, appErrors.NewMalformedPayload("payload is not valid JSON", err)
	}
	return p, nil
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p ThoughtPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, appErrors.NewMalformedPayload("payload cannot be serialized", err)
	}
	return data, nil
}

// SetField replaces one top-level field of the payload document by name,
// touching nothing else. Used by the granular field-update path.
func (p *ThoughtPayload) SetField(field string, value json.RawMessage) error {
	doc, err := EncodePayload(*p)
	if err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return appErrors.NewMalformedPayload("payload document is not an object", err)
	}
	raw[field] = value

	patched, err := json.Marshal(raw)
	if err != nil {
		return appErrors.NewMalformedPayload("patched payload cannot be serialized", err)
	}
	var next ThoughtPayload
	if err := json.Unmarshal(patched, &next); err != nil {
		return appErrors.NewMalformedPayload("patched payload is not valid", err)
	}
	*p = next
	return nil
}
