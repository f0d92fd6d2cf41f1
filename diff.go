package wsync

import (
	"encoding/json"

	"github.com/wI2L/jsondiff"
)

// computeDiff produces the RFC 6902 JSON Patch that transforms prev into
// next. Both are re-marshaled through encoding/json so that map key order
// and numeric representation are canonicalized identically on both sides:
// applying the result to prev yields next byte-for-byte once both are
// re-serialized.
func computeDiff(prev, next map[string]any) (json.RawMessage, error) {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, err
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	patch, err := jsondiff.CompareJSON(prevJSON, nextJSON)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, nil
	}
	return json.Marshal(patch)
}
