package envelope

import (
	"encoding/json"
	"fmt"
)

// volatileKeys are removed from the payload at every nesting depth before
// the canonical form is computed, so that two publishes of the same logical
// event hash identically even when bookkeeping fields differ.
var volatileKeys = map[string]struct{}{
	"timestamp":  {},
	"created_at": {},
	"updated_at": {},
	"deleted_at": {},
	"trace_id":   {},
}

// CanonicalPayload serializes a payload to its canonical JSON form:
// volatile keys stripped recursively, object keys in lexicographic order,
// array order preserved. The result is the hashing input for the
// idempotency key.
func CanonicalPayload(payload map[string]any) (string, error) {
	normalized, err := normalize(payload)
	if err != nil {
		return "", err
	}

	stripped := stripVolatile(normalized)

	// encoding/json marshals map keys in sorted order, which gives the
	// stable key ordering the canonical form requires.
	out, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("failed to serialize canonical payload: %w", err)
	}
	return string(out), nil
}

// normalize round-trips the payload through JSON so that typed values
// (structs, ints, custom types) collapse to the same representation a
// consumer sees after decoding the wire body.
func normalize(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-serializable: %w", err)
	}

	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	return normalized, nil
}

func stripVolatile(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			if _, volatile := volatileKeys[key]; volatile {
				continue
			}
			out[key] = stripVolatile(nested)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = stripVolatile(item)
		}
		return out
	default:
		return v
	}
}
