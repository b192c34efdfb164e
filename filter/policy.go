package filter

import (
	"fmt"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/types"
)

// AnyEvent is the policy key that applies to every event without an expression of its own.
const AnyEvent = "*"

// Policy decides per event whether it is processed. Events without an expression are allowed.
type Policy struct {
	programs map[string]*vm.Program
}

// NewPolicy compiles the expressions of the given event -> expression map. An invalid expression is an error, the
// policy is not usable in that case.
func NewPolicy(expressions map[string]string) (*Policy, error) {
	p := &Policy{programs: make(map[string]*vm.Program)}
	for event, expression := range expressions {
		if expression == "" {
			continue
		}
		prog, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("could not compile policy for %s: %w", event, err)
		}
		p.programs[event] = prog
	}
	return p, nil
}

// Len returns the number of configured expressions.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.programs)
}

// Allow evaluates the expression for env.Event. A nil policy allows everything, a failing expression denies.
func (p *Policy) Allow(env Env) bool {
	if p == nil {
		return true
	}
	prog, ok := p.programs[env.Event]
	if !ok {
		prog, ok = p.programs[AnyEvent]
		if !ok {
			return true
		}
	}
	if env.Now == 0 {
		env.Now = time.Now().Unix()
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run policy", "event", env.Event, "error", err)
		return false
	}
	bRes, ok := res.(bool)
	return ok && bRes
}

func FromParticipant(p types.Participant) Participant {
	res := Participant{
		Id:              p.UserId,
		ConnectionId:    p.ConnectionId,
		Name:            p.UserName,
		Role:            p.Role,
		AudioEnabled:    p.AudioEnabled,
		VideoEnabled:    p.VideoEnabled,
		IsScreenSharing: p.IsScreenSharing,
		IsHandRaised:    p.IsHandRaised,
		BreakoutRoomId:  p.BreakoutRoomId,
	}
	if !p.JoinedAt.IsZero() {
		res.JoinedAt = p.JoinedAt.Unix()
	}
	return res
}

func FromRoom(r types.Room) Room {
	return Room{
		Id:               r.Id,
		Locked:           r.Locked,
		Recording:        r.Recording,
		ParticipantCount: len(r.Participants),
	}
}
