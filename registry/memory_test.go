package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-meet/types"
)

func TestAddParticipantDeduplicates(t *testing.T) {
	reg := NewMemoryRegistry()
	assert.True(t, reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "Alice", types.RoleTeacher)))
	assert.False(t, reg.AddParticipant("m1", types.NewParticipant("c2", "u1", "Alice", types.RoleTeacher)))

	room, ok := reg.GetRoom("m1")
	require.True(t, ok)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "c1", room.Participants[0].ConnectionId)
	assert.True(t, room.Participants[0].AudioEnabled)
	assert.True(t, room.Participants[0].VideoEnabled)
	assert.False(t, room.Participants[0].IsHandRaised)
}

func TestRosterKeepsJoinOrder(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleTeacher))
	reg.AddParticipant("m1", types.NewParticipant("c2", "u2", "B", types.RoleStudent))
	reg.AddParticipant("m1", types.NewParticipant("c3", "u3", "C", types.RoleStudent))
	reg.RemoveParticipant("m1", "c2")

	room, ok := reg.GetRoom("m1")
	require.True(t, ok)
	ids := []string{}
	for _, p := range room.Participants {
		ids = append(ids, p.UserId)
	}
	assert.Equal(t, []string{"u1", "u3"}, ids)
}

func TestRemoveEvictsEmptyRoom(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleTeacher))
	reg.SetRoomFlag("m1", types.RoomFlagLocked, true)

	p, removed, evicted := reg.RemoveParticipant("m1", "c1")
	assert.True(t, removed)
	assert.True(t, evicted)
	assert.Equal(t, "u1", p.UserId)
	_, ok := reg.GetRoom("m1")
	assert.False(t, ok)

	// idempotent
	_, removed, evicted = reg.RemoveParticipant("m1", "c1")
	assert.False(t, removed)
	assert.False(t, evicted)

	// a new join starts over with default flags
	reg.AddParticipant("m1", types.NewParticipant("c2", "u2", "B", types.RoleStudent))
	room, ok := reg.GetRoom("m1")
	require.True(t, ok)
	assert.False(t, room.Locked)
	assert.Len(t, room.Participants, 1)
}

func TestEvictRoom(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleTeacher))
	reg.AddParticipant("m1", types.NewParticipant("c2", "u2", "B", types.RoleStudent))
	reg.AddParticipant("m2", types.NewParticipant("c3", "u3", "C", types.RoleStudent))

	removed := reg.EvictRoom("m1")
	assert.Len(t, removed, 2)
	_, ok := reg.GetRoom("m1")
	assert.False(t, ok)
	assert.Nil(t, reg.EvictRoom("m1"))
	assert.Equal(t, Stats{Rooms: 1, Participants: 1}, reg.Stats())
}

func TestRebindParticipant(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleTeacher))
	reg.UpdateParticipantFlags("m1", "u1", types.FlagUpdate{AudioEnabled: types.Bool(false)})

	old, ok := reg.RebindParticipant("m1", "u1", "c9")
	require.True(t, ok)
	assert.Equal(t, "c1", old)

	p, ok := reg.FindParticipantByConnection("m1", "c9")
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserId)
	assert.False(t, p.AudioEnabled)
	_, ok = reg.FindParticipantByConnection("m1", "c1")
	assert.False(t, ok)

	_, ok = reg.RebindParticipant("m1", "nobody", "c10")
	assert.False(t, ok)
}

func TestUpdateParticipantFlags(t *testing.T) {
	reg := NewMemoryRegistry()
	assert.False(t, reg.UpdateParticipantFlags("missing", "u1", types.FlagUpdate{AudioEnabled: types.Bool(false)}))

	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleStudent))
	assert.True(t, reg.UpdateParticipantFlags("m1", "u1", types.FlagUpdate{VideoEnabled: types.Bool(false), IsScreenSharing: types.Bool(true)}))
	assert.False(t, reg.UpdateParticipantFlags("m1", "u2", types.FlagUpdate{VideoEnabled: types.Bool(false)}))

	p, ok := reg.FindParticipant("m1", "u1")
	require.True(t, ok)
	assert.True(t, p.AudioEnabled)
	assert.False(t, p.VideoEnabled)
	assert.True(t, p.IsScreenSharing)
}

func TestSnapshotsAreCopies(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleStudent))
	reg.SetBreakoutRooms("m1", []types.BreakoutRoom{{Id: "b1", Name: "one"}})

	room, _ := reg.GetRoom("m1")
	room.Participants[0].UserName = "changed"
	room.BreakoutRooms[0].Participants = append(room.BreakoutRooms[0].Participants, "u1")

	p, _ := reg.FindParticipant("m1", "u1")
	assert.Equal(t, "A", p.UserName)
	assert.Empty(t, reg.BreakoutRooms("m1")[0].Participants)
}

func TestSetRoomFlag(t *testing.T) {
	reg := NewMemoryRegistry()
	assert.False(t, reg.SetRoomFlag("m1", types.RoomFlagRecording, true))
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleTeacher))
	assert.True(t, reg.SetRoomFlag("m1", types.RoomFlagRecording, true))
	assert.False(t, reg.SetRoomFlag("m1", types.RoomFlag("bogus"), true))

	room, _ := reg.GetRoom("m1")
	assert.True(t, room.Recording)
	assert.False(t, room.Locked)
}

func TestRaiseHandClearsAfterTimeout(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleStudent))
	require.True(t, reg.RaiseHand("m1", "u1", 20*time.Millisecond))

	p, _ := reg.FindParticipant("m1", "u1")
	assert.True(t, p.IsHandRaised)

	assert.Eventually(t, func() bool {
		p, _ := reg.FindParticipant("m1", "u1")
		return !p.IsHandRaised
	}, time.Second, 5*time.Millisecond)
}

func TestRaiseHandReschedules(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleStudent))
	reg.RaiseHand("m1", "u1", 30*time.Millisecond)
	reg.RaiseHand("m1", "u1", time.Hour)

	time.Sleep(80 * time.Millisecond)
	p, _ := reg.FindParticipant("m1", "u1")
	assert.True(t, p.IsHandRaised)
}

func TestRemoveCancelsHandTimer(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "u1", "A", types.RoleStudent))
	reg.RaiseHand("m1", "u1", 20*time.Millisecond)
	reg.RemoveParticipant("m1", "c1")

	// the user rejoins, the old timer must not touch the new entry
	reg.AddParticipant("m1", types.NewParticipant("c2", "u1", "A", types.RoleStudent))
	reg.UpdateParticipantFlags("m1", "u1", types.FlagUpdate{IsHandRaised: types.Bool(true)})
	time.Sleep(60 * time.Millisecond)
	p, _ := reg.FindParticipant("m1", "u1")
	assert.True(t, p.IsHandRaised)
}

func TestBreakoutRooms(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "t1", "T", types.RoleTeacher))
	reg.AddParticipant("m1", types.NewParticipant("c2", "s1", "S", types.RoleStudent))
	require.True(t, reg.SetBreakoutRooms("m1", []types.BreakoutRoom{{Id: "b1", Name: "one"}, {Id: "b2", Name: "two"}}))

	assert.False(t, reg.AssignBreakout("m1", "b3", "s1"))
	assert.True(t, reg.AssignBreakout("m1", "b1", "s1"))
	assert.True(t, reg.AssignBreakout("m1", "b1", "t1"))
	rooms := reg.BreakoutRooms("m1")
	assert.Equal(t, []string{"s1"}, rooms[0].Participants)
	assert.Equal(t, []string{"t1"}, rooms[0].Teachers)

	// moving to another room drops the old membership
	assert.True(t, reg.EnterBreakout("m1", "b2", "s1"))
	rooms = reg.BreakoutRooms("m1")
	assert.Empty(t, rooms[0].Participants)
	assert.Equal(t, []string{"s1"}, rooms[1].Participants)
	p, _ := reg.FindParticipant("m1", "s1")
	assert.Equal(t, "b2", p.BreakoutRoomId)

	assert.False(t, reg.ExitBreakout("m1", "b1", "s1"))
	assert.True(t, reg.ExitBreakout("m1", "b2", "s1"))
	p, _ = reg.FindParticipant("m1", "s1")
	assert.Empty(t, p.BreakoutRoomId)

	assert.True(t, reg.UnassignBreakout("m1", "b2", "s1"))
	assert.False(t, reg.UnassignBreakout("m1", "b2", "s1"))

	reg.EnterBreakout("m1", "b1", "s1")
	assert.True(t, reg.ClearBreakoutRooms("m1"))
	assert.Empty(t, reg.BreakoutRooms("m1"))
	p, _ = reg.FindParticipant("m1", "s1")
	assert.Empty(t, p.BreakoutRoomId)
}

func TestEnterBreakoutIsAtomic(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("m1", types.NewParticipant("c1", "s1", "S", types.RoleStudent))
	require.True(t, reg.SetBreakoutRooms("m1", []types.BreakoutRoom{{Id: "b1"}, {Id: "b2"}}))
	assert.False(t, reg.EnterBreakout("m1", "b3", "s1"))
	p, _ := reg.FindParticipant("m1", "s1")
	assert.Empty(t, p.BreakoutRoomId)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			reg.EnterBreakout("m1", []string{"b1", "b2"}[i%2], "s1")
		}
	}()
	for i := 0; i < 500; i++ {
		room, ok := reg.GetRoom("m1")
		require.True(t, ok)
		current, _ := room.Participant("s1")
		if current.BreakoutRoomId == "" {
			continue
		}
		// every snapshot sees the participant in the breakout room it points to
		for _, b := range room.BreakoutRooms {
			assert.Equal(t, b.Id == current.BreakoutRoomId, b.HasMember("s1"), "breakout %s at iteration %d", b.Id, i)
		}
	}
	wg.Wait()
}

func TestRoomsSorted(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.AddParticipant("b", types.NewParticipant("c1", "u1", "A", types.RoleStudent))
	reg.AddParticipant("a", types.NewParticipant("c2", "u2", "B", types.RoleStudent))
	reg.EnsureRoom("c")
	rooms := reg.Rooms()
	require.Len(t, rooms, 3)
	assert.Equal(t, "a", rooms[0].Id)
	assert.Equal(t, "b", rooms[1].Id)
	assert.Equal(t, "c", rooms[2].Id)
	assert.Equal(t, Stats{Rooms: 3, Participants: 2}, reg.Stats())
}
