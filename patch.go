package wsync

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// applyPatch applies an inbound RFC 6902 JSON Patch array to base,
// returning the resulting document as a fresh map. base is never mutated.
func applyPatch(base map[string]any, patchData json.RawMessage) (map[string]any, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(patchData)
	if err != nil {
		return nil, err
	}
	result, err := patch.Apply(baseJSON)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, err
	}
	return out, nil
}
