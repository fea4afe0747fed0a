package patternindex

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// Schema wraps a resolved jsonschema.Schema for validating IndexJSON input.
type Schema struct {
	resolved *jsonschema.Resolved
}

// NewSchema resolves raw (a JSON Schema document) for use as Config.Schema.
func NewSchema(raw *jsonschema.Schema) (*Schema, error) {
	resolved, err := raw.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("patternindex: resolve schema: %w", err)
	}
	return &Schema{resolved: resolved}, nil
}

// recordEnvelope is the on-the-wire shape IndexJSON expects: Fields plus
// the two reserved top-level keys. When there is no "fields" object, the
// whole object minus id/confidence becomes Fields, so callers can also
// post a bare domain object with id/confidence alongside it; when
// "fields" is present, other top-level keys are ignored.
type recordEnvelope struct {
	ID         string         `json:"id"`
	Confidence float64        `json:"confidence"`
	Fields     map[string]any `json:"fields"`
}

// parseRecordJSON repairs possibly-malformed JSON, validates it against
// schema if non-nil, and maps it onto a Record.
func parseRecordJSON(raw []byte, schema *Schema) (Record, error) {
	fixed, err := repairIfNeeded(raw)
	if err != nil {
		return Record{}, fmt.Errorf("patternindex: repair json: %w", err)
	}

	if schema != nil {
		var instance any
		if err := json.Unmarshal(fixed, &instance); err != nil {
			return Record{}, fmt.Errorf("patternindex: unmarshal for validation: %w", err)
		}
		if err := schema.resolved.Validate(instance); err != nil {
			return Record{}, fmt.Errorf("%w: schema validation: %v", ErrRejected, err)
		}
	}

	var env recordEnvelope
	if err := json.Unmarshal(fixed, &env); err != nil {
		return Record{}, fmt.Errorf("patternindex: unmarshal record: %w", err)
	}

	fields := env.Fields
	if fields == nil {
		// No explicit "fields" wrapper: treat the whole object (minus the
		// reserved keys) as the field set.
		var whole map[string]any
		if err := json.Unmarshal(fixed, &whole); err == nil {
			delete(whole, "id")
			delete(whole, "confidence")
			fields = whole
		}
	}

	return Record{
		ID:         env.ID,
		Confidence: env.Confidence,
		Fields:     fields,
	}, nil
}

func repairIfNeeded(raw []byte) ([]byte, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err == nil {
		return raw, nil
	}
	fixed, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, err
	}
	return []byte(fixed), nil
}
