package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-meet/types"
)

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []*types.SessionEvent{
		sessionEvent("m", "u2", types.ActionJoin, base.Add(time.Minute)),
		sessionEvent("m", "u1", types.ActionJoin, base),
		sessionEvent("m", "u1", types.ActionDisconnect, base.Add(10*time.Minute)),
		sessionEvent("m", "u1", types.ActionJoin, base.Add(20*time.Minute)),
		// reconnect while still present
		sessionEvent("m", "u1", types.ActionJoin, base.Add(25*time.Minute)),
		sessionEvent("m", "u3", types.ActionJoin, base.Add(40*time.Minute)),
		sessionEvent("m", "u3", types.ActionLeave, base.Add(45*time.Minute)),
		sessionEvent("m", "", types.ActionEnd, base.Add(50*time.Minute)),
	}
	entries := Summarize(events)
	require.Len(t, entries, 3)

	assert.Equal(t, "u1", entries[0].UserId)
	assert.Equal(t, 2, entries[0].Sessions)
	assert.Equal(t, 40*time.Minute, entries[0].Duration)
	assert.Equal(t, base, entries[0].FirstJoin)
	assert.Equal(t, base.Add(50*time.Minute), entries[0].LastLeave)
	assert.False(t, entries[0].Present)

	assert.Equal(t, "u2", entries[1].UserId)
	assert.Equal(t, 49*time.Minute, entries[1].Duration)

	assert.Equal(t, "u3", entries[2].UserId)
	assert.Equal(t, 5*time.Minute, entries[2].Duration)
	assert.Equal(t, 1, entries[2].Sessions)
}

func TestSummarizeOpenSession(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := Summarize([]*types.SessionEvent{
		sessionEvent("m", "u1", types.ActionJoin, base),
		sessionEvent("m", "u2", types.ActionLeave, base.Add(time.Minute)),
	})
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Present)
	assert.Zero(t, entries[0].Duration)
	assert.True(t, entries[0].LastLeave.IsZero())
	assert.Empty(t, Summarize(nil))
}
