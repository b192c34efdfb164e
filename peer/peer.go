// Package peer wraps pion/webrtc peer connections for one participant's side of the mesh. It performs no
// retries and no renegotiation, failures are only reported through the connection state callback.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/pion/webrtc/v4"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/globals"
)

var ErrInvalidDescription = errors.New("invalid session description")

// Handlers are the callbacks of one peer connection. All of them are optional.
type Handlers struct {
	OnTrack                 func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnICECandidate          func(candidate webrtc.ICECandidateInit)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// Adapter creates peer connections with a shared ICE configuration.
type Adapter struct {
	configuration webrtc.Configuration
	logger        hclog.Logger
}

// NewAdapter builds the ICE server list from cfg, falling back to the default STUN servers if neither STUN nor
// TURN servers are configured.
func NewAdapter(cfg config.ICEConfig) *Adapter {
	stunServers := cfg.StunServers
	if len(stunServers) == 0 && len(cfg.TurnServers) == 0 {
		stunServers = config.DefaultStunServers
	}
	iceServers := make([]webrtc.ICEServer, 0, 2)
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	if len(cfg.TurnServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       cfg.TurnServers,
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}
	return &Adapter{
		configuration: webrtc.Configuration{ICEServers: iceServers},
		logger:        globals.AppLogger.Named("peer"),
	}
}

func (a *Adapter) Configuration() webrtc.Configuration {
	return a.configuration
}

// Connection is one peer connection to a remote participant.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger hclog.Logger

	mu sync.Mutex
	// remote candidates that arrived before the remote description
	pending []webrtc.ICECandidateInit
}

func (a *Adapter) CreateConnection(handlers Handlers) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(a.configuration)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	c := &Connection{pc: pc, logger: a.logger}
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil || handlers.OnICECandidate == nil {
			return
		}
		handlers.OnICECandidate(candidate.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Debug("remote track", "kind", track.Kind().String(), "id", track.ID())
		if handlers.OnTrack != nil {
			handlers.OnTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("connection state changed", "state", state.String())
		if handlers.OnConnectionStateChange != nil {
			handlers.OnConnectionStateChange(state)
		}
	})
	return c, nil
}

// AttachLocalMedia adds the local tracks to the connection. It must be called before the offer or answer is
// created.
func (c *Connection) AttachLocalMedia(tracks ...webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	return nil
}

// ensureReceivers adds a receive-only transceiver for every media kind that has none yet, so the remote side
// can always send audio and video.
func (c *Connection) ensureReceivers() error {
	have := make(map[webrtc.RTPCodecType]bool)
	for _, t := range c.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind.String(), err)
		}
	}
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := c.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (c *Connection) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Warn("could not add queued ice candidate", "error", err)
		}
	}
	return nil
}

// ApplyRemoteOffer sets the remote offer and returns the local answer.
func (c *Connection) ApplyRemoteOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %s", ErrInvalidDescription, offer.Type)
	}
	if err := c.setRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.CreateAnswer()
}

func (c *Connection) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrInvalidDescription, answer.Type)
	}
	return c.setRemoteDescription(answer)
}

// ApplyRemoteIceCandidate adds a remote candidate. Candidates received before the remote description are queued
// and added once it is set.
func (c *Connection) ApplyRemoteIceCandidate(candidate webrtc.ICECandidateInit) error {
	if c.pc.RemoteDescription() == nil {
		c.mu.Lock()
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *Connection) State() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) Close() error {
	return c.pc.Close()
}

// The relay forwards descriptions and candidates as generic maps. The helpers below convert between those maps
// and the pion types; webrtc.SDPType only has a JSON representation, so the maps are built by hand.

type descriptionPayload struct {
	Type string `mapstructure:"type"`
	SDP  string `mapstructure:"sdp"`
}

// ParseDescription converts a relayed {type, sdp} payload into a session description.
func ParseDescription(v interface{}) (webrtc.SessionDescription, error) {
	payload := descriptionPayload{}
	if err := mapstructure.WeakDecode(v, &payload); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrInvalidDescription, err)
	}
	sdpType := webrtc.NewSDPType(payload.Type)
	if sdpType == webrtc.SDPTypeUnknown || payload.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: type %q", ErrInvalidDescription, payload.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: payload.SDP}, nil
}

func DescriptionPayload(desc webrtc.SessionDescription) map[string]interface{} {
	return map[string]interface{}{
		"type": desc.Type.String(),
		"sdp":  desc.SDP,
	}
}

type candidatePayload struct {
	Candidate        string  `mapstructure:"candidate"`
	SDPMid           *string `mapstructure:"sdpMid"`
	SDPMLineIndex    *uint16 `mapstructure:"sdpMLineIndex"`
	UsernameFragment *string `mapstructure:"usernameFragment"`
}

// ParseCandidate converts a relayed candidate payload into an ICE candidate.
func ParseCandidate(v interface{}) (webrtc.ICECandidateInit, error) {
	payload := candidatePayload{}
	if err := mapstructure.WeakDecode(v, &payload); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("invalid ice candidate: %w", err)
	}
	if payload.Candidate == "" {
		return webrtc.ICECandidateInit{}, errors.New("invalid ice candidate: empty candidate")
	}
	return webrtc.ICECandidateInit{
		Candidate:        payload.Candidate,
		SDPMid:           payload.SDPMid,
		SDPMLineIndex:    payload.SDPMLineIndex,
		UsernameFragment: payload.UsernameFragment,
	}, nil
}

func CandidatePayload(candidate webrtc.ICECandidateInit) map[string]interface{} {
	payload := map[string]interface{}{"candidate": candidate.Candidate}
	if candidate.SDPMid != nil {
		payload["sdpMid"] = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = *candidate.SDPMLineIndex
	}
	if candidate.UsernameFragment != nil {
		payload["usernameFragment"] = *candidate.UsernameFragment
	}
	return payload
}
