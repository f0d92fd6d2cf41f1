package wsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("NOTES"))
	assert.True(t, ValidKey("NOTES_2"))
	assert.False(t, ValidKey(""))
	assert.False(t, ValidKey("notes"))
	assert.False(t, ValidKey("NOTES-2"))
}

func TestEncodeEnvelope(t *testing.T) {
	env, err := EncodeEnvelope("NOTES:SET", map[string]any{"title": "N"})
	require.NoError(t, err)
	assert.Equal(t, "NOTES:SET", env.Type)
	assert.JSONEq(t, `{"title":"N"}`, string(env.Data))

	env, err = EncodeEnvelope("NOTES:GET", nil)
	require.NoError(t, err)
	assert.Nil(t, env.Data)
}

func TestEventTypeBuilders(t *testing.T) {
	assert.Equal(t, "NOTES:SET", setEvent("NOTES"))
	assert.Equal(t, "NOTES:GET", getEvent("NOTES"))
	assert.Equal(t, "NOTES:PATCH", patchEvent("NOTES"))
	assert.Equal(t, "NOTES:ACTION:RENAME", actionEvent("NOTES", "RENAME"))
	assert.Equal(t, "NOTES:TASK_START:INC", taskStartEvent("NOTES", "INC"))
	assert.Equal(t, "NOTES:TASK_CANCEL:INC", taskCancelEvent("NOTES", "INC"))
	assert.Equal(t, "NOTES:TASK_DONE:INC", taskDoneEvent("NOTES", "INC"))
	assert.Equal(t, "NOTES:BIN_META:BLOB", binMetaEvent("NOTES", "BLOB"))
	assert.Equal(t, "NOTES:ERROR:RENAME", errorEvent("NOTES", "RENAME"))
}
