package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/types"
	"gorm.io/datatypes"
)

func persistenceConfig(typ, dsn string) *config.Config {
	return &config.Config{PersistenceConfig: config.PersistenceConfig{Type: typ, DSN: dsn}}
}

func sessionEvent(meetingId, userId, action string, created time.Time) *types.SessionEvent {
	event := types.NewSessionEvent(meetingId, action, types.NewParticipant("c-"+userId, userId, "name "+userId, types.RoleStudent))
	event.Created = created.In(time.UTC)
	return event
}

// exercisePersister runs the same checks against every backend.
func exercisePersister(t *testing.T, p Persister) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []*types.SessionEvent{
		sessionEvent("math", "u1", types.ActionJoin, base),
		sessionEvent("math", "u2", types.ActionJoin, base.Add(time.Minute)),
		sessionEvent("math", "u1", types.ActionLeave, base.Add(10*time.Minute)),
		sessionEvent("mathematics", "u3", types.ActionJoin, base.Add(2*time.Minute)),
		sessionEvent("art", "u4", types.ActionJoin, base.Add(-48*time.Hour)),
	}
	events[2].Details = datatypes.JSON(`{"reason":"left"}`)
	require.NoError(t, p.StoreSessionEvents(events))

	got, err := p.GetSessionEvents("math", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "u1", got[0].UserId)
	assert.Equal(t, "u2", got[1].UserId)
	assert.Equal(t, types.ActionLeave, got[2].Action)
	assert.JSONEq(t, `{"reason":"left"}`, string(got[2].Details))

	got, err = p.GetSessionEvents("math", base.Add(30*time.Second), base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserId)

	ids, err := p.GetMeetingIds()
	require.NoError(t, err)
	assert.Equal(t, []string{"art", "math", "mathematics"}, ids)

	count, err := p.PruneSessionEvents(base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	ids, err = p.GetMeetingIds()
	require.NoError(t, err)
	assert.Equal(t, []string{"math", "mathematics"}, ids)
}

func TestBuntPersister(t *testing.T) {
	p, err := NewPersister(persistenceConfig("buntdb", ":memory:"))
	require.NoError(t, err)
	defer p.Close()
	exercisePersister(t, p)
}

func TestBuntPersisterLocked(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "journal.db")
	p, err := NewBuntPersister(persistenceConfig("buntdb", fileName))
	require.NoError(t, err)

	_, err = NewBuntPersister(persistenceConfig("buntdb", fileName))
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, p.Close())
	p, err = NewBuntPersister(persistenceConfig("buntdb", fileName))
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestGormPersister(t *testing.T) {
	p, err := NewPersister(persistenceConfig("sqlite", filepath.Join(t.TempDir(), "journal.sqlite")))
	require.NoError(t, err)
	defer p.Close()
	exercisePersister(t, p)
}

func TestNewPersister(t *testing.T) {
	p, err := NewPersister(persistenceConfig("", ""))
	assert.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewPersister(persistenceConfig("redis", "x"))
	assert.Error(t, err)
	_, err = NewPersister(persistenceConfig("sqlite", ""))
	assert.Error(t, err)
}
