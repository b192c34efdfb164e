package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Session journal actions.
const (
	ActionJoin             = "join"
	ActionLeave            = "leave"
	ActionDisconnect       = "disconnect"
	ActionEnd              = "end"
	ActionRecordingStarted = "recording-started"
	ActionRecordingStopped = "recording-stopped"
)

// SessionEvent is one entry of the attendance journal. It is written after the fact and never read back
// into the session registry.
type SessionEvent struct {
	Id           string         `json:"id" gorm:"primaryKey"`
	MeetingId    string         `json:"meetingId" gorm:"index"`
	UserId       string         `json:"userId"`
	UserName     string         `json:"userName"`
	Role         string         `json:"role"`
	ConnectionId string         `json:"socketId"`
	Action       string         `json:"action"`
	Details      datatypes.JSON `json:"details,omitempty"`
	Created      time.Time      `json:"created" gorm:"index"`
}

// NewSessionEvent creates a journal entry for the participant p. p may be the zero value for room-level actions.
func NewSessionEvent(meetingId, action string, p Participant) *SessionEvent {
	return &SessionEvent{
		Id:           uuid.NewString(),
		MeetingId:    meetingId,
		UserId:       p.UserId,
		UserName:     p.UserName,
		Role:         p.Role,
		ConnectionId: p.ConnectionId,
		Action:       action,
		Created:      time.Now().In(time.UTC),
	}
}

// AttendanceEntry is the per-user attendance summary of one meeting, folded from the session journal.
type AttendanceEntry struct {
	UserId    string        `json:"userId"`
	UserName  string        `json:"userName"`
	Role      string        `json:"role"`
	FirstJoin time.Time     `json:"firstJoin"`
	LastLeave time.Time     `json:"lastLeave"`
	Duration  time.Duration `json:"duration"`
	Sessions  int           `json:"sessions"`
	Present   bool          `json:"present"`
}
