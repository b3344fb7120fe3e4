package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelivery(t *testing.T) {
	batch, err := json.Marshal([]Result{Placeholder(TaskSpeechToText)})
	require.NoError(t, err)

	d, err := ParseDelivery(batch)
	require.NoError(t, err)
	assert.False(t, d.Terminal())
	assert.Len(t, d.Results, 1)

	done, err := json.Marshal(CompletedMarker())
	require.NoError(t, err)
	d, err = ParseDelivery(done)
	require.NoError(t, err)
	require.True(t, d.Terminal())
	assert.False(t, d.Marker.Failed())

	failed, err := json.Marshal(FailedMarker("u1", ReasonRetriesExhausted))
	require.NoError(t, err)
	d, err = ParseDelivery(failed)
	require.NoError(t, err)
	require.True(t, d.Terminal())
	assert.True(t, d.Marker.Failed())
	assert.Equal(t, "u1", d.Marker.TaskID)

	for _, bad := range []string{"", "  ", "42", "{}", "[1,"} {
		_, err := ParseDelivery([]byte(bad))
		assert.Error(t, err, "payload %q", bad)
	}
}

func TestResultChannel(t *testing.T) {
	assert.Equal(t, "result_queue_abc", ResultChannel("abc"))
}
