package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-meet/types"
)

func TestJournalFlushesOnClose(t *testing.T) {
	p, err := NewPersister(persistenceConfig("buntdb", ":memory:"))
	require.NoError(t, err)
	defer p.Close()

	j := NewJournal(p)
	now := time.Now()
	for i := 0; i < 150; i++ {
		assert.True(t, j.Record(sessionEvent("m", "u1", types.ActionJoin, now)))
	}
	j.Close()
	j.Close()

	events, err := p.GetSessionEvents("m", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 150)
}

func TestJournalPrune(t *testing.T) {
	p, err := NewPersister(persistenceConfig("buntdb", ":memory:"))
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.StoreSessionEvents([]*types.SessionEvent{
		sessionEvent("old", "u1", types.ActionJoin, time.Now().Add(-72*time.Hour)),
		sessionEvent("new", "u1", types.ActionJoin, time.Now()),
	}))

	j := NewJournal(p)
	defer j.Close()
	j.Prune(24 * time.Hour)
	ids, err := p.GetMeetingIds()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)
}

func TestNilJournal(t *testing.T) {
	j := NewJournal(nil)
	assert.Nil(t, j)
	assert.False(t, j.Record(&types.SessionEvent{}))
	j.Prune(time.Hour)
	j.Close()
}
