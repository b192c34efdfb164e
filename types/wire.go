package types

// Payloads sent from here to the clients. Field names follow the browser client.

type MeetingJoinedMessage struct {
	MeetingId    string        `json:"meetingId"`
	SocketId     string        `json:"socketId"`
	Participants []Participant `json:"participants"`
	IsRecording  bool          `json:"isRecording"`
	IsLocked     bool          `json:"isLocked"`
}

type SignalRelayMessage struct {
	From   string      `json:"from"`
	Signal interface{} `json:"signal"`
}

// PeerSignalMessage relays an offer, answer or ICE candidate. From is the sender's connection id.
type PeerSignalMessage struct {
	From       string      `json:"from" mapstructure:"from"`
	FromUserId string      `json:"fromUserId,omitempty" mapstructure:"fromUserId"`
	UserName   string      `json:"userName,omitempty" mapstructure:"userName"`
	Offer      interface{} `json:"offer,omitempty" mapstructure:"offer"`
	Answer     interface{} `json:"answer,omitempty" mapstructure:"answer"`
	Candidate  interface{} `json:"candidate,omitempty" mapstructure:"candidate"`
}

type MediaStateMessage struct {
	UserId       string `json:"userId"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

type UserIdMessage struct {
	UserId string `json:"userId"`
}

type UserNameMessage struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
}

type ReactionMessage struct {
	UserId   string      `json:"userId"`
	UserName string      `json:"userName"`
	Reaction interface{} `json:"reaction"`
}

type PresenceMessage struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
	Reason   string `json:"reason,omitempty"`
}

type BreakoutRoomsCreatedMessage struct {
	Rooms            []BreakoutRoom `json:"rooms"`
	AssignmentMethod string         `json:"assignmentMethod"`
}

type AssignedToBreakoutMessage struct {
	RoomId     string `json:"roomId"`
	RoomName   string `json:"roomName"`
	AssignedBy string `json:"assignedBy"`
}

type ManualAssignmentMessage struct {
	RoomId        string `json:"roomId"`
	RoomName      string `json:"roomName"`
	ParticipantId string `json:"participantId"`
	AssignedBy    string `json:"assignedBy"`
}

type BreakoutRoomsUpdatedMessage struct {
	Rooms []BreakoutRoom `json:"rooms"`
}

// MeetingIdMessage is sent for room-level events that only name the meeting.
type MeetingIdMessage struct {
	MeetingId string `json:"meetingId"`
}
