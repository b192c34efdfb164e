package types

import "time"

// RoomFlag names one of the room-level boolean switches.
type RoomFlag string

const (
	RoomFlagLocked    RoomFlag = "locked"
	RoomFlagRecording RoomFlag = "recording"
)

// Room is a snapshot of one active meeting as held by the session registry.
// Snapshots are copies, mutating them does not touch the registry.
type Room struct {
	Id            string         `json:"meetingId"`
	CreatedAt     time.Time      `json:"createdAt"`
	Recording     bool           `json:"isRecording"`
	Locked        bool           `json:"isLocked"`
	Participants  []Participant  `json:"participants"`
	BreakoutRooms []BreakoutRoom `json:"breakoutRooms"`
}

// BreakoutRoom is a sub-group of a meeting, membership is tracked by user id.
type BreakoutRoom struct {
	Id           string   `json:"id" mapstructure:"id"`
	Name         string   `json:"name" mapstructure:"name"`
	Participants []string `json:"participants" mapstructure:"participants"`
	Teachers     []string `json:"teachers" mapstructure:"teachers"`
}

// HasMember reports whether userId is assigned to the breakout room, either as participant or as teacher.
func (b *BreakoutRoom) HasMember(userId string) bool {
	for _, id := range b.Participants {
		if id == userId {
			return true
		}
	}
	for _, id := range b.Teachers {
		if id == userId {
			return true
		}
	}
	return false
}

// Participant returns the snapshot of the participant with the given user id.
func (r *Room) Participant(userId string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserId == userId {
			return p, true
		}
	}
	return Participant{}, false
}
