package ws

import (
	"errors"
	"fmt"
	"time"

	"github.com/folkengine/goname"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-meet/metrics"
	"github.com/tcriess/lightspeed-meet/types"
)

var (
	errMalformed    = errors.New("malformed payload")
	errPolicy       = errors.New("denied by policy")
	errUnauthorized = errors.New("missing or invalid identity token")
	errNotJoined    = errors.New("connection has not joined a meeting")
	errNoTarget     = errors.New("unknown room or target")
)

func dropReason(err error) string {
	switch {
	case errors.Is(err, errMalformed):
		return metrics.DropMalformed
	case errors.Is(err, errPolicy):
		return metrics.DropPolicy
	case errors.Is(err, errUnauthorized):
		return metrics.DropUnauthorized
	case errors.Is(err, errNotJoined):
		return metrics.DropNotJoined
	default:
		return metrics.DropNoTarget
	}
}

type eventHandler func(h *Hub, in inbound) error

var eventHandlers map[string]eventHandler

func init() {
	eventHandlers = map[string]eventHandler{
		types.EventJoinMeeting:        handleJoinMeeting,
		types.EventSignal:             handleSignal,
		types.EventOffer:              handlePeerSignal,
		types.EventAnswer:             handlePeerSignal,
		types.EventIceCandidate:       handlePeerSignal,
		types.EventMediaStateChanged:  handleMediaStateChanged,
		types.EventMediaStreamReady:   handleMediaStreamReady,
		types.EventScreenShareStarted: handleScreenShare,
		types.EventScreenShareStopped: handleScreenShare,
		types.EventChatMessage:        handleChatMessage,
		types.EventPinMessage:         handlePinMessage,
		types.EventRaiseHand:          handleRaiseHand,
		types.EventSendReaction:       handleSendReaction,
		types.EventMuteParticipant:    handleMuteParticipant,
		types.EventRecordingStarted:   handleRecording,
		types.EventRecordingStopped:   handleRecording,
		types.EventLockMeeting:        handleLock,
		types.EventUnlockMeeting:      handleLock,
		types.EventLeaveMeeting:       handleLeaveMeeting,
		types.EventEndMeeting:         handleEndMeeting,

		types.EventBreakoutRoomsCreated:      handleBreakoutRoomsCreated,
		types.EventAssignToBreakoutRoom:      handleAssignToBreakoutRoom,
		types.EventManualAssignment:          handleManualAssignment,
		types.EventRemoveFromBreakoutRoom:    handleRemoveFromBreakoutRoom,
		types.EventGetBreakoutRooms:          handleGetBreakoutRooms,
		types.EventCloseBreakoutRooms:        handleCloseBreakoutRooms,
		types.EventJoinBreakoutRoom:          handleBreakoutMembership,
		types.EventLeaveBreakoutRoom:         handleBreakoutMembership,
		types.EventUserLeftMainMeeting:       handleMainMeetingPresence,
		types.EventUserReturnedToMainMeeting: handleMainMeetingPresence,
	}
}

// decode fills v from a generic payload (as produced by both codecs) and validates it.
func decode(data interface{}, v types.Validator) error {
	if err := mapstructure.WeakDecode(data, v); err != nil {
		return fmt.Errorf("%w: %s", errMalformed, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %s", errMalformed, err)
	}
	return nil
}

func guestName() string {
	return goname.New(goname.FantasyMap).FirstLast() + " (guest)"
}

func handleJoinMeeting(h *Hub, in inbound) error {
	join := &types.JoinMeeting{}
	if err := decode(in.message.Data, join); err != nil {
		return err
	}
	if in.identity != nil {
		join.UserId = in.identity.UserId
		if in.identity.UserName != "" {
			join.UserName = in.identity.UserName
		}
		if in.identity.Role != "" {
			join.Role = in.identity.Role
		}
	} else if h.cfg.AuthConfig.RequireToken {
		return errUnauthorized
	}
	if join.UserName == "" {
		join.UserName = guestName()
	}
	if join.Role == "" {
		join.Role = types.RoleStudent
	}
	c := in.client
	candidate := types.NewParticipant(c.id, join.UserId, join.UserName, join.Role)
	if err := h.allow(types.EventJoinMeeting, &candidate, join.MeetingId, nil); err != nil {
		return err
	}

	// a connection is in at most one meeting
	if s, ok := h.sessions[c.id]; ok && (s.roomId != join.MeetingId || s.userId != join.UserId) {
		h.leave(s.roomId, c.id, types.ActionLeave)
	}

	room := h.registry.EnsureRoom(join.MeetingId)
	existing, found := room.Participant(join.UserId)
	switch {
	case found && existing.ConnectionId == c.id:
		// repeated join on the same connection, only the roster is sent again

	case found:
		// same user on a new connection (reload, second tab): the record moves to the new connection
		old, _ := h.registry.RebindParticipant(join.MeetingId, join.UserId, c.id)
		delete(h.sessions, old)
		existing.ConnectionId = c.id
		h.record(join.MeetingId, types.ActionJoin, existing)
		h.logger.Debug("participant rebound", "room", join.MeetingId, "user", join.UserId, "old", old, "new", c.id)

	case room.Locked:
		h.sendTo(c.id, types.EventMeetingLocked, types.MeetingIdMessage{MeetingId: join.MeetingId})
		return nil

	default:
		h.registry.AddParticipant(join.MeetingId, candidate)
		h.record(join.MeetingId, types.ActionJoin, candidate)
		h.broadcast(join.MeetingId, c.id, types.EventUserJoined, candidate)
	}
	h.sessions[c.id] = session{roomId: join.MeetingId, userId: join.UserId}

	room, ok := h.registry.GetRoom(join.MeetingId)
	if !ok {
		return errNoTarget
	}
	others := make([]types.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		if p.ConnectionId != c.id {
			others = append(others, p)
		}
	}
	h.sendTo(c.id, types.EventAllUsers, others)
	h.sendTo(c.id, types.EventMeetingJoined, types.MeetingJoinedMessage{
		MeetingId:    room.Id,
		SocketId:     c.id,
		Participants: others,
		IsRecording:  room.Recording,
		IsLocked:     room.Locked,
	})
	return nil
}

func handleSignal(h *Hub, in inbound) error {
	signal := &types.Signal{}
	if err := decode(in.message.Data, signal); err != nil {
		return err
	}
	target, ok := h.resolveTarget(in.client, signal.UserToSignal)
	if !ok {
		return errNoTarget
	}
	roomId, targetParticipant, _ := h.participantOf(target)
	if err := h.allow(types.EventSignal, h.source(in.client), roomId, &targetParticipant); err != nil {
		return err
	}
	from := signal.CallerId
	if from == "" {
		from = in.client.id
	}
	h.sendTo(target, types.EventSignal, types.SignalRelayMessage{From: from, Signal: signal.Signal})
	return nil
}

func handlePeerSignal(h *Hub, in inbound) error {
	event := in.message.Event
	signal := &types.PeerSignal{}
	if err := decode(in.message.Data, signal); err != nil {
		return err
	}
	target, ok := h.resolveTarget(in.client, signal.To)
	if !ok {
		return errNoTarget
	}
	source := h.source(in.client)
	roomId, targetParticipant, _ := h.participantOf(target)
	if err := h.allow(event, source, roomId, &targetParticipant); err != nil {
		return err
	}
	msg := types.PeerSignalMessage{
		From:     in.client.id,
		UserName: signal.UserName,
	}
	if source != nil {
		msg.FromUserId = source.UserId
		if msg.UserName == "" {
			msg.UserName = source.UserName
		}
	}
	switch event {
	case types.EventOffer:
		msg.Offer = signal.Offer
	case types.EventAnswer:
		msg.Answer = signal.Answer
	default:
		msg.Candidate = signal.Candidate
	}
	if msg.Offer == nil && msg.Answer == nil && msg.Candidate == nil {
		return fmt.Errorf("%w: %s without matching payload", errMalformed, event)
	}
	h.sendTo(target, event, msg)
	return nil
}

func handleMediaStateChanged(h *Hub, in inbound) error {
	state := &types.MediaState{}
	if err := decode(in.message.Data, state); err != nil {
		return err
	}
	if err := h.allow(types.EventMediaStateChanged, h.source(in.client), state.MeetingId, nil); err != nil {
		return err
	}
	update := types.FlagUpdate{AudioEnabled: state.AudioEnabled, VideoEnabled: state.VideoEnabled}
	if !h.registry.UpdateParticipantFlags(state.MeetingId, state.UserId, update) {
		return errNoTarget
	}
	p, _ := h.registry.FindParticipant(state.MeetingId, state.UserId)
	h.broadcast(state.MeetingId, in.client.id, types.EventMediaStateChanged, types.MediaStateMessage{
		UserId:       p.UserId,
		AudioEnabled: p.AudioEnabled,
		VideoEnabled: p.VideoEnabled,
	})
	return nil
}

func handleMediaStreamReady(h *Hub, in inbound) error {
	ref := &types.UserRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	h.logger.Debug("media stream ready", "room", ref.MeetingId, "user", ref.UserId, "conn", in.client.id)
	return nil
}

func handleScreenShare(h *Hub, in inbound) error {
	event := in.message.Event
	ref := &types.UserRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	if err := h.allow(event, h.source(in.client), ref.MeetingId, nil); err != nil {
		return err
	}
	sharing := event == types.EventScreenShareStarted
	if !h.registry.UpdateParticipantFlags(ref.MeetingId, ref.UserId, types.FlagUpdate{IsScreenSharing: types.Bool(sharing)}) {
		return errNoTarget
	}
	h.broadcast(ref.MeetingId, in.client.id, event, types.UserIdMessage{UserId: ref.UserId})
	return nil
}

// stampMessage sets the server timestamp and, if the client did not provide one, a content based id.
func stampMessage(message map[string]interface{}) {
	if id, ok := message["id"]; !ok || id == nil || id == "" {
		hash, err := hashstructure.Hash(message, hashstructure.FormatV2, nil)
		if err == nil {
			message["id"] = fmt.Sprintf("%x", hash)
		}
	}
	message["timestamp"] = time.Now().UTC().Format(time.RFC3339)
}

func handleChatMessage(h *Hub, in inbound) error {
	chat := &types.ChatMessage{}
	if err := decode(in.message.Data, chat); err != nil {
		return err
	}
	if err := h.allow(types.EventChatMessage, h.source(in.client), chat.MeetingId, nil); err != nil {
		return err
	}
	if _, ok := h.registry.GetRoom(chat.MeetingId); !ok {
		return errNoTarget
	}
	stampMessage(chat.Message)
	h.broadcast(chat.MeetingId, "", types.EventChatMessage, chat.Message)
	return nil
}

func handlePinMessage(h *Hub, in inbound) error {
	pin := &types.ChatMessage{}
	if err := decode(in.message.Data, pin); err != nil {
		return err
	}
	if err := h.allow(types.EventPinMessage, h.source(in.client), pin.MeetingId, nil); err != nil {
		return err
	}
	if _, ok := h.registry.GetRoom(pin.MeetingId); !ok {
		return errNoTarget
	}
	h.broadcast(pin.MeetingId, "", types.EventMessagePinned, pin.Message)
	return nil
}

func handleRaiseHand(h *Hub, in inbound) error {
	ref := &types.UserRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	if err := h.allow(types.EventRaiseHand, h.source(in.client), ref.MeetingId, nil); err != nil {
		return err
	}
	if !h.registry.RaiseHand(ref.MeetingId, ref.UserId, h.handRaiseTimeout()) {
		return errNoTarget
	}
	userName := ref.UserName
	if userName == "" {
		if p, ok := h.registry.FindParticipant(ref.MeetingId, ref.UserId); ok {
			userName = p.UserName
		}
	}
	h.broadcast(ref.MeetingId, "", types.EventRaiseHand, types.UserNameMessage{UserId: ref.UserId, UserName: userName})
	return nil
}

func handleSendReaction(h *Hub, in inbound) error {
	reaction := &types.Reaction{}
	if err := decode(in.message.Data, reaction); err != nil {
		return err
	}
	if err := h.allow(types.EventSendReaction, h.source(in.client), reaction.MeetingId, nil); err != nil {
		return err
	}
	if _, ok := h.registry.GetRoom(reaction.MeetingId); !ok {
		return errNoTarget
	}
	h.broadcast(reaction.MeetingId, "", types.EventReaction, types.ReactionMessage{
		UserId:   reaction.UserId,
		UserName: reaction.UserName,
		Reaction: reaction.Reaction,
	})
	return nil
}

func handleMuteParticipant(h *Hub, in inbound) error {
	ref := &types.UserRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	target, ok := h.registry.FindParticipant(ref.MeetingId, ref.UserId)
	if !ok {
		return errNoTarget
	}
	if err := h.allow(types.EventMuteParticipant, h.source(in.client), ref.MeetingId, &target); err != nil {
		return err
	}
	h.registry.UpdateParticipantFlags(ref.MeetingId, ref.UserId, types.FlagUpdate{AudioEnabled: types.Bool(false)})
	h.sendTo(target.ConnectionId, types.EventForceMute, types.UserIdMessage{UserId: target.UserId})
	return nil
}

func handleRecording(h *Hub, in inbound) error {
	event := in.message.Event
	ref := &types.MeetingRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	source := h.source(in.client)
	if err := h.allow(event, source, ref.MeetingId, nil); err != nil {
		return err
	}
	recording := event == types.EventRecordingStarted
	if !h.registry.SetRoomFlag(ref.MeetingId, types.RoomFlagRecording, recording) {
		return errNoTarget
	}
	action := types.ActionRecordingStopped
	if recording {
		action = types.ActionRecordingStarted
	}
	p := types.Participant{}
	if source != nil {
		p = *source
	}
	h.record(ref.MeetingId, action, p)
	h.broadcast(ref.MeetingId, in.client.id, event, types.MeetingIdMessage{MeetingId: ref.MeetingId})
	return nil
}

func handleLock(h *Hub, in inbound) error {
	event := in.message.Event
	ref := &types.MeetingRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	if err := h.allow(event, h.source(in.client), ref.MeetingId, nil); err != nil {
		return err
	}
	locked := event == types.EventLockMeeting
	if !h.registry.SetRoomFlag(ref.MeetingId, types.RoomFlagLocked, locked) {
		return errNoTarget
	}
	outEvent := types.EventMeetingUnlocked
	if locked {
		outEvent = types.EventMeetingLocked
	}
	h.broadcast(ref.MeetingId, "", outEvent, types.MeetingIdMessage{MeetingId: ref.MeetingId})
	return nil
}

func handleLeaveMeeting(h *Hub, in inbound) error {
	ref := &types.UserRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	p, ok := h.registry.FindParticipant(ref.MeetingId, ref.UserId)
	if !ok {
		// already gone, leave is idempotent
		if s, ok := h.sessions[in.client.id]; ok && s.roomId == ref.MeetingId && s.userId == ref.UserId {
			delete(h.sessions, in.client.id)
		}
		return nil
	}
	if err := h.allow(types.EventLeaveMeeting, h.source(in.client), ref.MeetingId, &p); err != nil {
		return err
	}
	h.leave(ref.MeetingId, p.ConnectionId, types.ActionLeave)
	return nil
}

func handleEndMeeting(h *Hub, in inbound) error {
	ref := &types.MeetingRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	source := h.source(in.client)
	if err := h.allow(types.EventEndMeeting, source, ref.MeetingId, nil); err != nil {
		return err
	}
	room, ok := h.registry.GetRoom(ref.MeetingId)
	if !ok {
		return errNoTarget
	}
	h.broadcastTo(room.Participants, "", types.EventMeetingEnded, types.MeetingIdMessage{MeetingId: ref.MeetingId})
	for _, p := range h.registry.EvictRoom(ref.MeetingId) {
		if s, ok := h.sessions[p.ConnectionId]; ok && s.roomId == ref.MeetingId {
			delete(h.sessions, p.ConnectionId)
		}
	}
	ender := types.Participant{}
	if source != nil {
		ender = *source
	}
	h.record(ref.MeetingId, types.ActionEnd, ender)
	h.logger.Info("meeting ended", "room", ref.MeetingId, "participants", len(room.Participants))
	return nil
}

func (h *Hub) broadcastBreakoutRooms(roomId string) {
	h.broadcast(roomId, "", types.EventBreakoutRoomsUpdated, types.BreakoutRoomsUpdatedMessage{Rooms: h.registry.BreakoutRooms(roomId)})
}

func handleBreakoutRoomsCreated(h *Hub, in inbound) error {
	created := &types.BreakoutRoomsCreated{}
	if err := decode(in.message.Data, created); err != nil {
		return err
	}
	if err := h.allow(types.EventBreakoutRoomsCreated, h.source(in.client), created.MeetingId, nil); err != nil {
		return err
	}
	if !h.registry.SetBreakoutRooms(created.MeetingId, created.Rooms) {
		return errNoTarget
	}
	h.broadcast(created.MeetingId, in.client.id, types.EventBreakoutRoomsCreated, types.BreakoutRoomsCreatedMessage{
		Rooms:            h.registry.BreakoutRooms(created.MeetingId),
		AssignmentMethod: created.AssignmentMethod,
	})
	return nil
}

func handleAssignToBreakoutRoom(h *Hub, in inbound) error {
	assignment := &types.BreakoutAssignment{}
	if err := decode(in.message.Data, assignment); err != nil {
		return err
	}
	target, ok := h.registry.FindParticipant(assignment.MeetingId, assignment.ParticipantId)
	if !ok {
		return errNoTarget
	}
	if err := h.allow(types.EventAssignToBreakoutRoom, h.source(in.client), assignment.MeetingId, &target); err != nil {
		return err
	}
	if !h.registry.AssignBreakout(assignment.MeetingId, assignment.RoomId, assignment.ParticipantId) {
		return errNoTarget
	}
	assignedBy := assignment.AssignedByName
	if assignedBy == "" {
		assignedBy = assignment.AssignedBy
	}
	h.sendTo(target.ConnectionId, types.EventAssignedToBreakoutRoom, types.AssignedToBreakoutMessage{
		RoomId:     assignment.RoomId,
		RoomName:   assignment.RoomName,
		AssignedBy: assignedBy,
	})
	h.broadcastBreakoutRooms(assignment.MeetingId)
	return nil
}

func handleManualAssignment(h *Hub, in inbound) error {
	assignment := &types.BreakoutAssignment{}
	if err := decode(in.message.Data, assignment); err != nil {
		return err
	}
	target, ok := h.registry.FindParticipant(assignment.MeetingId, assignment.ParticipantId)
	if !ok {
		return errNoTarget
	}
	if err := h.allow(types.EventManualAssignment, h.source(in.client), assignment.MeetingId, &target); err != nil {
		return err
	}
	h.sendTo(target.ConnectionId, types.EventManualAssignment, types.ManualAssignmentMessage{
		RoomId:        assignment.RoomId,
		RoomName:      assignment.RoomName,
		ParticipantId: assignment.ParticipantId,
		AssignedBy:    assignment.AssignedBy,
	})
	return nil
}

func handleRemoveFromBreakoutRoom(h *Hub, in inbound) error {
	assignment := &types.BreakoutAssignment{}
	if err := decode(in.message.Data, assignment); err != nil {
		return err
	}
	var target *types.Participant
	if p, ok := h.registry.FindParticipant(assignment.MeetingId, assignment.ParticipantId); ok {
		target = &p
	}
	if err := h.allow(types.EventRemoveFromBreakoutRoom, h.source(in.client), assignment.MeetingId, target); err != nil {
		return err
	}
	if !h.registry.UnassignBreakout(assignment.MeetingId, assignment.RoomId, assignment.ParticipantId) {
		return errNoTarget
	}
	h.broadcastBreakoutRooms(assignment.MeetingId)
	return nil
}

func handleGetBreakoutRooms(h *Hub, in inbound) error {
	ref := &types.MeetingRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	if _, ok := h.registry.GetRoom(ref.MeetingId); !ok {
		return errNoTarget
	}
	h.sendTo(in.client.id, types.EventBreakoutRoomsUpdated, types.BreakoutRoomsUpdatedMessage{Rooms: h.registry.BreakoutRooms(ref.MeetingId)})
	return nil
}

func handleCloseBreakoutRooms(h *Hub, in inbound) error {
	ref := &types.MeetingRef{}
	if err := decode(in.message.Data, ref); err != nil {
		return err
	}
	if err := h.allow(types.EventCloseBreakoutRooms, h.source(in.client), ref.MeetingId, nil); err != nil {
		return err
	}
	if !h.registry.ClearBreakoutRooms(ref.MeetingId) {
		return errNoTarget
	}
	h.broadcast(ref.MeetingId, "", types.EventBreakoutRoomsClosed, types.MeetingIdMessage{MeetingId: ref.MeetingId})
	return nil
}

func handleBreakoutMembership(h *Hub, in inbound) error {
	event := in.message.Event
	membership := &types.BreakoutMembership{}
	if err := decode(in.message.Data, membership); err != nil {
		return err
	}
	if err := h.allow(event, h.source(in.client), membership.MeetingId, nil); err != nil {
		return err
	}
	var ok bool
	if event == types.EventJoinBreakoutRoom {
		ok = h.registry.EnterBreakout(membership.MeetingId, membership.RoomId, membership.UserId)
	} else {
		ok = h.registry.UnassignBreakout(membership.MeetingId, membership.RoomId, membership.UserId)
	}
	if !ok {
		return errNoTarget
	}
	h.broadcastBreakoutRooms(membership.MeetingId)
	return nil
}

func handleMainMeetingPresence(h *Hub, in inbound) error {
	event := in.message.Event
	presence := &types.MainMeetingPresence{}
	if err := decode(in.message.Data, presence); err != nil {
		return err
	}
	if err := h.allow(event, h.source(in.client), presence.MeetingId, nil); err != nil {
		return err
	}
	p, ok := h.registry.FindParticipant(presence.MeetingId, presence.UserId)
	if !ok {
		return errNoTarget
	}
	if event == types.EventUserReturnedToMainMeeting && p.BreakoutRoomId != "" {
		h.registry.ExitBreakout(presence.MeetingId, p.BreakoutRoomId, p.UserId)
	}
	userName := presence.UserName
	if userName == "" {
		userName = p.UserName
	}
	h.broadcast(presence.MeetingId, in.client.id, event, types.PresenceMessage{
		UserId:   p.UserId,
		UserName: userName,
		Reason:   presence.Reason,
	})
	return nil
}
