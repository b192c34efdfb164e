package filter

/*
Here the Env used in the event policy expressions is defined.
Once this struct is fixed, it should not be changed, otherwise configured policies may not compile any more
(f.e. if properties are renamed etc.)
*/

type Participant struct {
	Id              string
	ConnectionId    string
	Name            string
	Role            string
	AudioEnabled    bool
	VideoEnabled    bool
	IsScreenSharing bool
	IsHandRaised    bool
	BreakoutRoomId  string
	JoinedAt        int64
}

type Room struct {
	Id               string
	Locked           bool
	Recording        bool
	ParticipantCount int
}

// Env is the environment a policy expression is evaluated in. Source is the sender of the event (zero if it has
// not joined a meeting yet), Target the addressed participant for events that have one.
type Env struct {
	Event  string
	Source Participant
	Target Participant
	Room   Room
	Now    int64
}
