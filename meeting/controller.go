// Package meeting is the participant side of a meeting: it follows the relay events of one connection and keeps
// a mesh of peer connections, one per remote participant.
package meeting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/pion/webrtc/v4"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/peer"
	"github.com/tcriess/lightspeed-meet/types"
)

var ErrMeetingEnded = errors.New("meeting has ended")

// Signaler sends one event to the relay.
type Signaler interface {
	Send(event string, data interface{}) error
}

// PeerConn is the part of a peer connection the controller drives.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	ApplyRemoteOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) error
	ApplyRemoteIceCandidate(candidate webrtc.ICECandidateInit) error
	State() webrtc.PeerConnectionState
	Close() error
}

// PeerFactory opens a connection to the remote connection remoteId.
type PeerFactory func(remoteId string, handlers peer.Handlers) (PeerConn, error)

// AdapterFactory opens pion connections with the given local tracks attached.
func AdapterFactory(adapter *peer.Adapter, tracks ...webrtc.TrackLocal) PeerFactory {
	return func(remoteId string, handlers peer.Handlers) (PeerConn, error) {
		conn, err := adapter.CreateConnection(handlers)
		if err != nil {
			return nil, err
		}
		if err := conn.AttachLocalMedia(tracks...); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// Callbacks notify the application. All of them are optional and are called without the controller lock held.
type Callbacks struct {
	OnRosterChange    func(roster []types.Participant)
	OnTrack           func(remoteId string, track *webrtc.TrackRemote)
	OnPeerStateChange func(remoteId string, state webrtc.PeerConnectionState)
	OnForceMute       func()
	OnChatMessage     func(message map[string]interface{})
	OnMeetingEnded    func()
}

// Identity is what the controller sends in its join-meeting event.
type Identity struct {
	MeetingId string
	UserId    string
	UserName  string
	Role      string
	Token     string
	Provider  string
}

// Controller consumes the relay events of one connection. HandleEvent is expected to be called from a single
// goroutine (the transport's read loop); peer callbacks arrive on pion's goroutines.
type Controller struct {
	signaler  Signaler
	factory   PeerFactory
	callbacks Callbacks
	identity  Identity
	logger    hclog.Logger

	sync.Mutex
	socketId string
	// peer connections by remote connection id
	peers map[string]PeerConn
	// roster by connection id, without ourselves
	roster map[string]types.Participant
	ended  bool
}

func NewController(signaler Signaler, factory PeerFactory, identity Identity, callbacks Callbacks) *Controller {
	return &Controller{
		signaler:  signaler,
		factory:   factory,
		callbacks: callbacks,
		identity:  identity,
		logger:    globals.AppLogger.Named("meeting").With("meeting", identity.MeetingId, "user", identity.UserId),
		peers:     make(map[string]PeerConn),
		roster:    make(map[string]types.Participant),
	}
}

// Join sends the join-meeting event. The relay answers with all-users, which starts the offers.
func (c *Controller) Join() error {
	join := map[string]interface{}{
		"meetingId": c.identity.MeetingId,
		"userId":    c.identity.UserId,
		"userName":  c.identity.UserName,
		"role":      c.identity.Role,
	}
	if c.identity.Token != "" {
		join["token"] = c.identity.Token
		join["provider"] = c.identity.Provider
	}
	return c.signaler.Send(types.EventJoinMeeting, join)
}

// Leave tells the relay and closes all peer connections.
func (c *Controller) Leave() error {
	err := c.signaler.Send(types.EventLeaveMeeting, map[string]interface{}{
		"meetingId": c.identity.MeetingId,
		"userId":    c.identity.UserId,
	})
	c.closeAll()
	return err
}

func (c *Controller) SetMediaState(audioEnabled, videoEnabled bool) error {
	return c.signaler.Send(types.EventMediaStateChanged, map[string]interface{}{
		"meetingId":    c.identity.MeetingId,
		"userId":       c.identity.UserId,
		"audioEnabled": audioEnabled,
		"videoEnabled": videoEnabled,
	})
}

func (c *Controller) SendChat(text string) error {
	return c.signaler.Send(types.EventChatMessage, map[string]interface{}{
		"meetingId": c.identity.MeetingId,
		"message": map[string]interface{}{
			"text":     text,
			"sender":   c.identity.UserName,
			"senderId": c.identity.UserId,
		},
	})
}

func (c *Controller) SocketId() string {
	c.Lock()
	defer c.Unlock()
	return c.socketId
}

// Roster returns the other participants, ordered by join time.
func (c *Controller) Roster() []types.Participant {
	c.Lock()
	defer c.Unlock()
	return c.rosterLocked()
}

func (c *Controller) rosterLocked() []types.Participant {
	roster := make([]types.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		roster = append(roster, p)
	}
	sort.SliceStable(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UserId < roster[j].UserId
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

// Peers returns the remote connection ids with an open peer connection.
func (c *Controller) Peers() []string {
	c.Lock()
	defer c.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) Ended() bool {
	c.Lock()
	defer c.Unlock()
	return c.ended
}

// decodePayload decodes a relay payload into one of the outbound message types, using their json field names.
// Timestamps arrive as RFC 3339 strings from the JSON codec and as time.Time from the msgpack codec.
func decodePayload(data interface{}, v interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           v,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(data)
}

// HandleEvent processes one relay event. Errors are returned for logging only; the controller stays usable.
func (c *Controller) HandleEvent(msg types.WebsocketMessage) error {
	if c.Ended() {
		return ErrMeetingEnded
	}
	switch msg.Event {
	case types.EventMeetingJoined:
		return c.handleMeetingJoined(msg.Data)
	case types.EventAllUsers:
		return c.handleAllUsers(msg.Data)
	case types.EventUserJoined:
		return c.handleUserJoined(msg.Data)
	case types.EventUserLeft:
		return c.handleUserLeft(msg.Data)
	case types.EventOffer, types.EventAnswer, types.EventIceCandidate:
		return c.handlePeerSignal(msg.Event, msg.Data)
	case types.EventSignal:
		return c.handleSignal(msg.Data)
	case types.EventMediaStateChanged:
		return c.handleMediaState(msg.Data)
	case types.EventScreenShareStarted, types.EventScreenShareStopped:
		return c.handleScreenShare(msg.Event, msg.Data)
	case types.EventForceMute:
		if c.callbacks.OnForceMute != nil {
			c.callbacks.OnForceMute()
		}
	case types.EventChatMessage:
		message, ok := msg.Data.(map[string]interface{})
		if !ok {
			return fmt.Errorf("unexpected chat message payload %T", msg.Data)
		}
		if c.callbacks.OnChatMessage != nil {
			c.callbacks.OnChatMessage(message)
		}
	case types.EventMeetingEnded:
		c.Lock()
		c.ended = true
		c.Unlock()
		c.closeAll()
		if c.callbacks.OnMeetingEnded != nil {
			c.callbacks.OnMeetingEnded()
		}
	default:
		c.logger.Trace("ignoring event", "event", msg.Event)
	}
	return nil
}

func (c *Controller) notifyRoster() {
	if c.callbacks.OnRosterChange == nil {
		return
	}
	c.callbacks.OnRosterChange(c.Roster())
}

func (c *Controller) handleMeetingJoined(data interface{}) error {
	joined := types.MeetingJoinedMessage{}
	if err := decodePayload(data, &joined); err != nil {
		return err
	}
	c.Lock()
	c.socketId = joined.SocketId
	for _, p := range joined.Participants {
		if p.ConnectionId != joined.SocketId {
			c.roster[p.ConnectionId] = p
		}
	}
	c.Unlock()
	c.notifyRoster()
	return nil
}

// handleAllUsers offers to every participant that was there before us.
func (c *Controller) handleAllUsers(data interface{}) error {
	participants := make([]types.Participant, 0)
	if err := decodePayload(data, &participants); err != nil {
		return err
	}
	var errs []error
	for _, p := range participants {
		c.Lock()
		c.roster[p.ConnectionId] = p
		c.Unlock()
		if err := c.offer(p.ConnectionId); err != nil {
			errs = append(errs, err)
		}
	}
	c.notifyRoster()
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d offers failed, first error: %w", len(errs), len(participants), errs[0])
	}
	return nil
}

// connection returns the connection to remoteId, creating it if there is none. Never more than one connection
// exists per remote connection id.
func (c *Controller) connection(remoteId string) (PeerConn, bool, error) {
	c.Lock()
	defer c.Unlock()
	if pc, ok := c.peers[remoteId]; ok {
		return pc, false, nil
	}
	pc, err := c.factory(remoteId, c.handlers(remoteId))
	if err != nil {
		return nil, false, fmt.Errorf("create connection to %s: %w", remoteId, err)
	}
	c.peers[remoteId] = pc
	return pc, true, nil
}

func (c *Controller) handlers(remoteId string) peer.Handlers {
	return peer.Handlers{
		OnICECandidate: func(candidate webrtc.ICECandidateInit) {
			err := c.signaler.Send(types.EventIceCandidate, map[string]interface{}{
				"to":        remoteId,
				"candidate": peer.CandidatePayload(candidate),
			})
			if err != nil {
				c.logger.Debug("could not send ice candidate", "to", remoteId, "error", err)
			}
		},
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if c.callbacks.OnTrack != nil {
				c.callbacks.OnTrack(remoteId, track)
			}
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if c.callbacks.OnPeerStateChange != nil {
				c.callbacks.OnPeerStateChange(remoteId, state)
			}
		},
	}
}

func (c *Controller) offer(remoteId string) error {
	pc, created, err := c.connection(remoteId)
	if err != nil {
		return err
	}
	if !created {
		c.logger.Debug("connection exists, not offering again", "remote", remoteId)
		return nil
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("offer to %s: %w", remoteId, err)
	}
	return c.signaler.Send(types.EventOffer, map[string]interface{}{
		"to":       remoteId,
		"offer":    peer.DescriptionPayload(offer),
		"userName": c.identity.UserName,
	})
}

func (c *Controller) answer(remoteId string, offer webrtc.SessionDescription) error {
	pc, _, err := c.connection(remoteId)
	if err != nil {
		return err
	}
	answer, err := pc.ApplyRemoteOffer(offer)
	if err != nil {
		return fmt.Errorf("answer to %s: %w", remoteId, err)
	}
	return c.signaler.Send(types.EventAnswer, map[string]interface{}{
		"to":     remoteId,
		"answer": peer.DescriptionPayload(answer),
	})
}

func (c *Controller) existing(remoteId string) (PeerConn, bool) {
	c.Lock()
	defer c.Unlock()
	pc, ok := c.peers[remoteId]
	return pc, ok
}

func (c *Controller) applyAnswer(remoteId string, answer webrtc.SessionDescription) error {
	pc, ok := c.existing(remoteId)
	if !ok {
		return fmt.Errorf("answer from %s without connection", remoteId)
	}
	return pc.ApplyRemoteAnswer(answer)
}

func (c *Controller) applyCandidate(remoteId string, candidate webrtc.ICECandidateInit) error {
	pc, ok := c.existing(remoteId)
	if !ok {
		return fmt.Errorf("ice candidate from %s without connection", remoteId)
	}
	return pc.ApplyRemoteIceCandidate(candidate)
}

func (c *Controller) handlePeerSignal(event string, data interface{}) error {
	msg := types.PeerSignalMessage{}
	if err := decodePayload(data, &msg); err != nil {
		return err
	}
	if msg.From == "" {
		return fmt.Errorf("%s without sender", event)
	}
	switch event {
	case types.EventOffer:
		offer, err := peer.ParseDescription(msg.Offer)
		if err != nil {
			return err
		}
		if msg.FromUserId != "" && c.bindRemote(msg.From, msg.FromUserId, msg.UserName) {
			c.notifyRoster()
		}
		return c.answer(msg.From, offer)
	case types.EventAnswer:
		answer, err := peer.ParseDescription(msg.Answer)
		if err != nil {
			return err
		}
		return c.applyAnswer(msg.From, answer)
	default:
		candidate, err := peer.ParseCandidate(msg.Candidate)
		if err != nil {
			return err
		}
		return c.applyCandidate(msg.From, candidate)
	}
}

// handleSignal handles the generic envelope: {from, signal} where signal is a description ({type, sdp}) or a
// candidate ({candidate, ...}).
func (c *Controller) handleSignal(data interface{}) error {
	msg := types.SignalRelayMessage{}
	if err := decodePayload(data, &msg); err != nil {
		return err
	}
	signal, ok := msg.Signal.(map[string]interface{})
	if msg.From == "" || !ok {
		return fmt.Errorf("malformed signal from %q", msg.From)
	}
	if _, ok := signal["candidate"]; ok {
		candidate, err := peer.ParseCandidate(signal)
		if err != nil {
			return err
		}
		return c.applyCandidate(msg.From, candidate)
	}
	desc, err := peer.ParseDescription(signal)
	if err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeOffer {
		return c.answer(msg.From, desc)
	}
	return c.applyAnswer(msg.From, desc)
}

// handleUserJoined only updates the roster, the newcomer sends the offer.
func (c *Controller) handleUserJoined(data interface{}) error {
	p := types.Participant{}
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	c.Lock()
	c.roster[p.ConnectionId] = p
	c.Unlock()
	c.notifyRoster()
	return nil
}

// bindRemote records that connId belongs to userId. A user that rejoined on a new connection is not announced
// by the relay, so the entries and connections of its previous connections are dropped here. It reports
// whether the roster changed.
func (c *Controller) bindRemote(connId, userId, userName string) bool {
	c.Lock()
	var closing []PeerConn
	p, known := c.roster[connId]
	changed := !known || p.UserId != userId
	if !known {
		p = types.Participant{UserName: userName, JoinedAt: time.Now(), AudioEnabled: true, VideoEnabled: true}
	}
	for otherId, other := range c.roster {
		if otherId == connId || other.UserId != userId {
			continue
		}
		if !known {
			p = other
		}
		delete(c.roster, otherId)
		changed = true
		if pc, ok := c.peers[otherId]; ok {
			closing = append(closing, pc)
			delete(c.peers, otherId)
		}
	}
	p.ConnectionId = connId
	p.UserId = userId
	if p.UserName == "" {
		p.UserName = userName
	}
	c.roster[connId] = p
	c.Unlock()
	for _, pc := range closing {
		if err := pc.Close(); err != nil {
			c.logger.Debug("could not close stale connection", "user", userId, "error", err)
		}
	}
	return changed
}

// leftUserId reads the user-left payload, a bare user id. Objects with a userId field are accepted as well.
func leftUserId(data interface{}) (string, error) {
	if userId, ok := data.(string); ok {
		return userId, nil
	}
	msg := types.UserIdMessage{}
	if err := decodePayload(data, &msg); err != nil {
		return "", err
	}
	return msg.UserId, nil
}

func (c *Controller) handleUserLeft(data interface{}) error {
	userId, err := leftUserId(data)
	if err != nil {
		return err
	}
	if userId == "" {
		return fmt.Errorf("user-left without user id")
	}
	c.Lock()
	var closing []PeerConn
	for connId, p := range c.roster {
		if p.UserId != userId {
			continue
		}
		delete(c.roster, connId)
		if pc, ok := c.peers[connId]; ok {
			closing = append(closing, pc)
			delete(c.peers, connId)
		}
	}
	c.Unlock()
	for _, pc := range closing {
		if err := pc.Close(); err != nil {
			c.logger.Debug("could not close connection", "user", userId, "error", err)
		}
	}
	c.notifyRoster()
	return nil
}

func (c *Controller) updateRoster(userId string, update types.FlagUpdate) bool {
	c.Lock()
	defer c.Unlock()
	for connId, p := range c.roster {
		if p.UserId == userId {
			update.Apply(&p)
			c.roster[connId] = p
			return true
		}
	}
	return false
}

func (c *Controller) handleMediaState(data interface{}) error {
	msg := types.MediaStateMessage{}
	if err := decodePayload(data, &msg); err != nil {
		return err
	}
	if c.updateRoster(msg.UserId, types.FlagUpdate{AudioEnabled: types.Bool(msg.AudioEnabled), VideoEnabled: types.Bool(msg.VideoEnabled)}) {
		c.notifyRoster()
	}
	return nil
}

func (c *Controller) handleScreenShare(event string, data interface{}) error {
	msg := types.UserIdMessage{}
	if err := decodePayload(data, &msg); err != nil {
		return err
	}
	sharing := event == types.EventScreenShareStarted
	if c.updateRoster(msg.UserId, types.FlagUpdate{IsScreenSharing: types.Bool(sharing)}) {
		c.notifyRoster()
	}
	return nil
}

func (c *Controller) closeAll() {
	c.Lock()
	peers := c.peers
	c.peers = make(map[string]PeerConn)
	c.Unlock()
	for remoteId, pc := range peers {
		if err := pc.Close(); err != nil {
			c.logger.Debug("could not close connection", "remote", remoteId, "error", err)
		}
	}
}
