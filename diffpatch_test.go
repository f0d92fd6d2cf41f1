package wsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeDiff_EmptyOnEqual is the empty-diff-silence invariant: two
// structurally equal projections produce no patch.
func TestComputeDiff_EmptyOnEqual(t *testing.T) {
	prev := map[string]any{"title": "N", "notes": []any{}}
	next := map[string]any{"title": "N", "notes": []any{}}
	patch, err := computeDiff(prev, next)
	require.NoError(t, err)
	assert.Nil(t, patch)
}

// TestComputeDiffThenApplyPatch_Fidelity is the patch-fidelity invariant:
// applying the emitted patch to prev must reproduce next byte-for-byte
// once both are canonically re-serialized.
func TestComputeDiffThenApplyPatch_Fidelity(t *testing.T) {
	prev := map[string]any{"title": "N", "notes": []any{}}
	next := map[string]any{"title": "N", "notes": []any{"hello"}}

	patch, err := computeDiff(prev, next)
	require.NoError(t, err)
	require.NotNil(t, patch)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(patch, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "add", ops[0]["op"])
	assert.Equal(t, "hello", ops[0]["value"])

	patched, err := applyPatch(prev, patch)
	require.NoError(t, err)

	wantJSON, err := json.Marshal(next)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(patched)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func TestApplyPatch_DoesNotMutateBase(t *testing.T) {
	base := map[string]any{"value": float64(1)}
	patch := json.RawMessage(`[{"op":"replace","path":"/value","value":2}]`)

	out, err := applyPatch(base, patch)
	require.NoError(t, err)

	assert.Equal(t, float64(1), base["value"])
	assert.Equal(t, float64(2), out["value"])
}
