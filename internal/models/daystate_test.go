package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayStateDeliveredGrowsMonotonically(t *testing.T) {
	state := NewDayState("2026-08-31")

	state.MarkDelivered("k1", "-100")
	state.MarkDelivered("k1", "-100")
	state.MarkDelivered("k1", "-200")

	assert.True(t, state.Delivered("k1", "-100"))
	assert.True(t, state.Delivered("k1", "-200"))
	assert.False(t, state.Delivered("k1", "-300"))
	assert.Len(t, state.DeliveredByMsg["k1"], 2)
}

func TestDayStateLatestHandleOverwrites(t *testing.T) {
	state := NewDayState("2026-08-31")

	_, ok := state.LatestHandle("t1", "-100")
	assert.False(t, ok)

	state.SetLatestHandle("t1", "-100", 10)
	state.SetLatestHandle("t1", "-100", 25)

	id, ok := state.LatestHandle("t1", "-100")
	require.True(t, ok)
	assert.Equal(t, int64(25), id)
}

func TestDayStateJSONRoundTrip(t *testing.T) {
	state := NewDayState("2026-08-31")
	state.MarkSeen("k1")
	state.MarkDelivered("k1", "-100")
	state.SetLatestHandle("t1", "-100", 7)
	state.AppendSent(SentRecord{Number: "+201234567", Code: "123-456", SentAt: time.Now()})

	payload, err := json.Marshal(state)
	require.NoError(t, err)

	var restored DayState
	require.NoError(t, json.Unmarshal(payload, &restored))
	restored.Normalize("2026-08-31")

	assert.True(t, restored.Seen("k1"))
	assert.True(t, restored.Delivered("k1", "-100"))
	id, ok := restored.LatestHandle("t1", "-100")
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Len(t, restored.Sent, 1)
}

func TestDayStateNormalizeRepairsNilMaps(t *testing.T) {
	var state DayState
	state.Normalize("2026-08-31")

	assert.Equal(t, "2026-08-31", state.Day)
	assert.NotNil(t, state.DeliveredByMsg)
	assert.NotNil(t, state.LatestByThread)
	assert.NotNil(t, state.SeenKeys)
	assert.NotNil(t, state.Sent)
}
