// Package registry holds the session registry: the process-local source of truth for which participants are in
// which meeting room.
package registry

import (
	"time"

	"github.com/tcriess/lightspeed-meet/types"
)

// Registry is the store of active rooms and their participants. All methods return copies; callers never hold
// references into the registry. Operations on unknown rooms or participants are no-ops.
//
// A room exists if and only if it has at least one participant: rooms are created lazily by AddParticipant (or
// EnsureRoom) and evicted by RemoveParticipant once the last participant is gone.
type Registry interface {
	// EnsureRoom returns the room, creating an empty one if it does not exist.
	EnsureRoom(roomId string) types.Room
	GetRoom(roomId string) (types.Room, bool)
	Rooms() []types.Room

	// AddParticipant inserts p unless a participant with the same user id is already in the room.
	// It returns false in the latter case.
	AddParticipant(roomId string, p types.Participant) bool
	// RebindParticipant points an existing participant at a new connection and returns the previous connection id.
	RebindParticipant(roomId, userId, connectionId string) (string, bool)
	// RemoveParticipant removes the participant bound to connectionId. evicted is true if the room was deleted
	// because it became empty.
	RemoveParticipant(roomId, connectionId string) (p types.Participant, removed bool, evicted bool)
	FindParticipant(roomId, userId string) (types.Participant, bool)
	FindParticipantByConnection(roomId, connectionId string) (types.Participant, bool)
	UpdateParticipantFlags(roomId, userId string, update types.FlagUpdate) bool
	// RaiseHand sets the hand-raised flag and schedules it to be cleared after clearAfter. Raising again
	// reschedules, removing the participant cancels.
	RaiseHand(roomId, userId string, clearAfter time.Duration) bool

	SetRoomFlag(roomId string, flag types.RoomFlag, value bool) bool
	// EvictRoom deletes the room regardless of its participants and returns them.
	EvictRoom(roomId string) []types.Participant

	SetBreakoutRooms(roomId string, rooms []types.BreakoutRoom) bool
	BreakoutRooms(roomId string) []types.BreakoutRoom
	AssignBreakout(roomId, breakoutId, userId string) bool
	UnassignBreakout(roomId, breakoutId, userId string) bool
	EnterBreakout(roomId, breakoutId, userId string) bool
	ExitBreakout(roomId, breakoutId, userId string) bool
	ClearBreakoutRooms(roomId string) bool

	Stats() Stats
}

type Stats struct {
	Rooms        int
	Participants int
}
