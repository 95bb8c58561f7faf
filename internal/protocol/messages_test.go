package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFrame(t *testing.T) {
	msg := Error("SessionNotFound", "session not found", "req-1", "sess-1")

	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "SessionNotFound", msg.Kind)
	assert.Equal(t, "session not found", msg.Data)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.Equal(t, "sess-1", msg.SessionID)
}

func TestOptionalFieldsOmittedFromWire(t *testing.T) {
	raw, err := json.Marshal(ServerMessage{Type: TypeOutput, SessionID: "s1", Data: "x", Sequence: 3})
	require.NoError(t, err)

	// Pointer fields must stay off the wire when unset: an absent
	// lastSequence means "no cursor", not "cursor zero".
	assert.NotContains(t, string(raw), "lastSequence")
	assert.NotContains(t, string(raw), "scrollback")
	assert.NotContains(t, string(raw), "exitCode")
}

func TestLastSequenceZeroIsEncoded(t *testing.T) {
	zero := uint64(0)
	raw, err := json.Marshal(ServerMessage{Type: TypeConnect, LastSequence: &zero})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"lastSequence":0`)
}

func TestClientMessageDecodesPartialFrames(t *testing.T) {
	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"connect","sessionId":"s1","useIncrementalUpdates":true,"lastSequence":7}`), &msg))

	assert.Equal(t, TypeConnect, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	assert.True(t, msg.UseIncrementalUpdates)
	require.NotNil(t, msg.LastSequence)
	assert.Equal(t, uint64(7), *msg.LastSequence)
}
