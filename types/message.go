package types

import (
	"errors"
	"fmt"
)

// Inbound event names (client to server).
const (
	EventJoinMeeting        = "join-meeting"
	EventSignal             = "signal"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventIceCandidate       = "ice-candidate"
	EventMediaStateChanged  = "media-state-changed"
	EventMediaStreamReady   = "media-stream-ready"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventChatMessage        = "chat-message"
	EventPinMessage         = "pin-message"
	EventRaiseHand          = "raise-hand"
	EventSendReaction       = "send-reaction"
	EventMuteParticipant    = "mute-participant"
	EventRecordingStarted   = "recording-started"
	EventRecordingStopped   = "recording-stopped"
	EventLockMeeting        = "lock-meeting"
	EventUnlockMeeting      = "unlock-meeting"
	EventLeaveMeeting       = "leave-meeting"
	EventEndMeeting         = "end-meeting"

	EventBreakoutRoomsCreated      = "breakout-rooms-created"
	EventAssignToBreakoutRoom      = "assign-to-breakout-room"
	EventManualAssignment          = "manual-assignment"
	EventRemoveFromBreakoutRoom    = "remove-from-breakout-room"
	EventGetBreakoutRooms          = "get-breakout-rooms"
	EventCloseBreakoutRooms        = "close-breakout-rooms"
	EventJoinBreakoutRoom          = "join-breakout-room"
	EventLeaveBreakoutRoom         = "leave-breakout-room"
	EventUserLeftMainMeeting       = "user-left-main-meeting"
	EventUserReturnedToMainMeeting = "user-returned-to-main-meeting"
)

// Outbound event names (server to client) that are not echoes of an inbound name.
const (
	EventAllUsers               = "all-users"
	EventMeetingJoined          = "meeting-joined"
	EventUserJoined             = "user-joined"
	EventUserLeft               = "user-left"
	EventMessagePinned          = "message-pinned"
	EventReaction               = "reaction"
	EventForceMute              = "force-mute"
	EventMeetingEnded           = "meeting-ended"
	EventMeetingLocked          = "meeting-locked"
	EventMeetingUnlocked        = "meeting-unlocked"
	EventAssignedToBreakoutRoom = "assigned-to-breakout-room"
	EventBreakoutRoomsUpdated   = "breakout-rooms-updated"
	EventBreakoutRoomsClosed    = "breakout-rooms-closed"
)

// ErrMissingField is returned by Validate when a required payload field is empty.
var ErrMissingField = errors.New("missing required field")

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// WebsocketMessage is the envelope of every frame sent over the websocket connection, in both directions.
type WebsocketMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Validator is implemented by inbound payloads that have required fields.
type Validator interface {
	Validate() error
}

// The different types of payloads transferred from the client to here.

// JoinMeeting is sent by a client to enter a meeting. Token and Provider are optional and used to verify the identity.
type JoinMeeting struct {
	MeetingId string `mapstructure:"meetingId"`
	UserId    string `mapstructure:"userId"`
	UserName  string `mapstructure:"userName"`
	Role      string `mapstructure:"role"`
	Token     string `mapstructure:"token"`
	Provider  string `mapstructure:"provider"`
}

func (j *JoinMeeting) Validate() error {
	if j.MeetingId == "" {
		return missing("meetingId")
	}
	if j.UserId == "" {
		return missing("userId")
	}
	if j.Role != "" && !ValidRole(j.Role) {
		return fmt.Errorf("invalid role %q", j.Role)
	}
	return nil
}

// Signal is an opaque offer/answer/candidate addressed to one connection.
type Signal struct {
	UserToSignal string      `mapstructure:"userToSignal"`
	CallerId     string      `mapstructure:"callerId"`
	Signal       interface{} `mapstructure:"signal"`
}

func (s *Signal) Validate() error {
	if s.UserToSignal == "" {
		return missing("userToSignal")
	}
	if s.Signal == nil {
		return missing("signal")
	}
	return nil
}

// PeerSignal carries one of offer, answer or candidate to the peer named in To.
type PeerSignal struct {
	To        string      `mapstructure:"to"`
	UserName  string      `mapstructure:"userName"`
	Offer     interface{} `mapstructure:"offer"`
	Answer    interface{} `mapstructure:"answer"`
	Candidate interface{} `mapstructure:"candidate"`
}

func (s *PeerSignal) Validate() error {
	if s.To == "" {
		return missing("to")
	}
	if s.Offer == nil && s.Answer == nil && s.Candidate == nil {
		return missing("offer, answer or candidate")
	}
	return nil
}

// MeetingRef is the payload of the events that only name a meeting.
type MeetingRef struct {
	MeetingId string `mapstructure:"meetingId"`
}

func (m *MeetingRef) Validate() error {
	if m.MeetingId == "" {
		return missing("meetingId")
	}
	return nil
}

// UserRef names a user within a meeting. For mute-participant, UserId is the target.
type UserRef struct {
	MeetingId string `mapstructure:"meetingId"`
	UserId    string `mapstructure:"userId"`
	UserName  string `mapstructure:"userName"`
}

func (u *UserRef) Validate() error {
	if u.MeetingId == "" {
		return missing("meetingId")
	}
	if u.UserId == "" {
		return missing("userId")
	}
	return nil
}

type MediaState struct {
	MeetingId    string `mapstructure:"meetingId"`
	UserId       string `mapstructure:"userId"`
	AudioEnabled *bool  `mapstructure:"audioEnabled"`
	VideoEnabled *bool  `mapstructure:"videoEnabled"`
}

func (m *MediaState) Validate() error {
	if m.MeetingId == "" {
		return missing("meetingId")
	}
	if m.UserId == "" {
		return missing("userId")
	}
	return nil
}

// ChatMessage wraps a client chat message, which is relayed verbatim apart from the server timestamp.
type ChatMessage struct {
	MeetingId string                 `mapstructure:"meetingId"`
	Message   map[string]interface{} `mapstructure:"message"`
}

func (c *ChatMessage) Validate() error {
	if c.MeetingId == "" {
		return missing("meetingId")
	}
	if c.Message == nil {
		return missing("message")
	}
	return nil
}

type Reaction struct {
	MeetingId string      `mapstructure:"meetingId"`
	UserId    string      `mapstructure:"userId"`
	UserName  string      `mapstructure:"userName"`
	Reaction  interface{} `mapstructure:"reaction"`
}

func (r *Reaction) Validate() error {
	if r.MeetingId == "" {
		return missing("meetingId")
	}
	if r.Reaction == nil {
		return missing("reaction")
	}
	return nil
}

type BreakoutRoomsCreated struct {
	MeetingId        string         `mapstructure:"meetingId"`
	Rooms            []BreakoutRoom `mapstructure:"rooms"`
	AssignmentMethod string         `mapstructure:"assignmentMethod"`
}

func (b *BreakoutRoomsCreated) Validate() error {
	if b.MeetingId == "" {
		return missing("meetingId")
	}
	return nil
}

// BreakoutAssignment moves ParticipantId (a user id) into or out of the breakout room RoomId.
type BreakoutAssignment struct {
	MeetingId      string `mapstructure:"meetingId"`
	RoomId         string `mapstructure:"roomId"`
	RoomName       string `mapstructure:"roomName"`
	ParticipantId  string `mapstructure:"participantId"`
	AssignedBy     string `mapstructure:"assignedBy"`
	AssignedByName string `mapstructure:"assignedByName"`
}

func (b *BreakoutAssignment) Validate() error {
	if b.MeetingId == "" {
		return missing("meetingId")
	}
	if b.RoomId == "" {
		return missing("roomId")
	}
	if b.ParticipantId == "" {
		return missing("participantId")
	}
	return nil
}

// BreakoutMembership is sent by a participant entering or leaving a breakout room on its own.
type BreakoutMembership struct {
	MeetingId string `mapstructure:"meetingId"`
	RoomId    string `mapstructure:"roomId"`
	UserId    string `mapstructure:"userId"`
	UserName  string `mapstructure:"userName"`
}

func (b *BreakoutMembership) Validate() error {
	if b.MeetingId == "" {
		return missing("meetingId")
	}
	if b.RoomId == "" {
		return missing("roomId")
	}
	if b.UserId == "" {
		return missing("userId")
	}
	return nil
}

type MainMeetingPresence struct {
	MeetingId string `mapstructure:"meetingId"`
	UserId    string `mapstructure:"userId"`
	UserName  string `mapstructure:"userName"`
	Reason    string `mapstructure:"reason"`
}

func (m *MainMeetingPresence) Validate() error {
	if m.MeetingId == "" {
		return missing("meetingId")
	}
	if m.UserId == "" {
		return missing("userId")
	}
	return nil
}
