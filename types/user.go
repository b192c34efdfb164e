package types

import "time"

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// ValidRole reports whether role is one of the known participant roles.
func ValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}

// Participant is one connected user within a room.
type Participant struct {
	ConnectionId    string    `json:"socketId" mapstructure:"socketId"`
	UserId          string    `json:"userId" mapstructure:"userId"`
	UserName        string    `json:"userName" mapstructure:"userName"`
	Role            string    `json:"role" mapstructure:"role"`
	JoinedAt        time.Time `json:"joinedAt" mapstructure:"joinedAt"`
	AudioEnabled    bool      `json:"audioEnabled" mapstructure:"audioEnabled"`
	VideoEnabled    bool      `json:"videoEnabled" mapstructure:"videoEnabled"`
	IsScreenSharing bool      `json:"isScreenSharing" mapstructure:"isScreenSharing"`
	IsHandRaised    bool      `json:"isHandRaised" mapstructure:"isHandRaised"`
	BreakoutRoomId  string    `json:"breakoutRoomId,omitempty" mapstructure:"breakoutRoomId"`
}

// NewParticipant returns a participant record with the default media state (audio and video on).
func NewParticipant(connectionId, userId, userName, role string) Participant {
	return Participant{
		ConnectionId: connectionId,
		UserId:       userId,
		UserName:     userName,
		Role:         role,
		JoinedAt:     time.Now(),
		AudioEnabled: true,
		VideoEnabled: true,
	}
}

// FlagUpdate is a partial update of a participant's media flags, nil fields are left untouched.
type FlagUpdate struct {
	AudioEnabled    *bool
	VideoEnabled    *bool
	IsScreenSharing *bool
	IsHandRaised    *bool
}

// Apply merges the set fields of u into p.
func (u FlagUpdate) Apply(p *Participant) {
	if u.AudioEnabled != nil {
		p.AudioEnabled = *u.AudioEnabled
	}
	if u.VideoEnabled != nil {
		p.VideoEnabled = *u.VideoEnabled
	}
	if u.IsScreenSharing != nil {
		p.IsScreenSharing = *u.IsScreenSharing
	}
	if u.IsHandRaised != nil {
		p.IsHandRaised = *u.IsHandRaised
	}
}

// Bool returns a pointer to b, for building FlagUpdate values.
func Bool(b bool) *bool {
	return &b
}

// Identity is a verified user identity as returned by the auth collaborator.
type Identity struct {
	UserId   string
	UserName string
	Role     string
	Expiry   time.Time
}
