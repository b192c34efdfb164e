package ws

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-meet/auth"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/filter"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/metrics"
	"github.com/tcriess/lightspeed-meet/persistence"
	"github.com/tcriess/lightspeed-meet/registry"
	"github.com/tcriess/lightspeed-meet/types"
)

const (
	pongWait   = 2 * time.Minute
	pingPeriod = time.Minute
	writeWait  = 10 * time.Second
	authWait   = 10 * time.Second

	defaultSendBufferSize   = 256
	defaultMaxMessageSize   = 64 * 1024
	defaultHandRaiseTimeout = 5 * time.Second
)

// inbound is one decoded frame of a client, together with the identity verified in the client's read loop.
type inbound struct {
	client   *Client
	message  types.WebsocketMessage
	identity *types.Identity
}

// session is the side table entry of a joined connection.
type session struct {
	roomId string
	userId string
}

// Hub is the signaling relay. A single goroutine (Run) owns the connections and the side table and processes
// register, unregister and inbound events in arrival order, so handlers never race each other. The registry
// is shared with the HTTP API and the metrics collector.
type Hub struct {
	registry      registry.Registry
	cfg           *config.Config
	journal       *persistence.Journal
	policy        *filter.Policy
	authenticator auth.Authenticator
	metrics       *metrics.Metrics
	logger        hclog.Logger

	// connected clients by connection id
	clients map[string]*Client
	// connection id -> (room, user), only for connections that joined a meeting
	sessions map[string]session

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub. The hub closes the client's send channel.
	Unregister chan *Client

	// Inbound events. The channel is unbuffered, so a client's unregister can never overtake its last event.
	Inbound chan inbound

	done chan struct{}
}

// NewHub creates the relay. journal, policy, authenticator and m are optional and may be nil.
func NewHub(reg registry.Registry, cfg *config.Config, journal *persistence.Journal, policy *filter.Policy, authenticator auth.Authenticator, m *metrics.Metrics) *Hub {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Hub{
		registry:      reg,
		cfg:           cfg,
		journal:       journal,
		policy:        policy,
		authenticator: authenticator,
		metrics:       m,
		logger:        globals.AppLogger.Named("hub"),
		clients:       make(map[string]*Client),
		sessions:      make(map[string]session),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		Inbound:       make(chan inbound),
		done:          make(chan struct{}),
	}
}

func (h *Hub) sendBufferSize() int {
	if h.cfg.MeetingConfig.SendBufferSize > 0 {
		return h.cfg.MeetingConfig.SendBufferSize
	}
	return defaultSendBufferSize
}

func (h *Hub) maxMessageSize() int64 {
	if h.cfg.MeetingConfig.MaxMessageSize > 0 {
		return h.cfg.MeetingConfig.MaxMessageSize
	}
	return defaultMaxMessageSize
}

func (h *Hub) handRaiseTimeout() time.Duration {
	if h.cfg.MeetingConfig.HandRaiseTimeout > 0 {
		return h.cfg.MeetingConfig.HandRaiseTimeout
	}
	return defaultHandRaiseTimeout
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run is the main hub event loop handling register, unregister and inbound events. It returns when ctx is
// cancelled, closing all client send channels.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if spec := h.cfg.JanitorConfig.CronSpec; spec != "" {
		_, err := cronRunner.AddFunc(spec, h.janitor)
		if err != nil {
			h.logger.Error("invalid janitor cron spec, janitor disabled", "spec", spec, "error", err)
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	h.logger.Info("start hub run loop")
	for {
		select {
		case client := <-h.Register:
			h.clients[client.id] = client
			h.metrics.ConnectionOpened()
			h.logger.Debug("registered client", "conn", client.id)

		case client := <-h.Unregister:
			if _, ok := h.clients[client.id]; !ok {
				continue
			}
			h.disconnect(client)

		case in := <-h.Inbound:
			if _, ok := h.clients[in.client.id]; !ok {
				continue
			}
			h.dispatch(in)

		case <-ctx.Done():
			h.logger.Info("stopping hub run loop")
			for _, client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[string]*Client)
			h.sessions = make(map[string]session)
			return
		}
	}
}

// janitor runs from the cron runner, it must not touch the hub's own maps.
func (h *Hub) janitor() {
	stats := h.registry.Stats()
	h.logger.Info("stats", "rooms", stats.Rooms, "participants", stats.Participants)
	h.journal.Prune(h.cfg.PersistenceConfig.Retention)
}

func (h *Hub) disconnect(client *Client) {
	if s, ok := h.sessions[client.id]; ok {
		h.leave(s.roomId, client.id, types.ActionDisconnect)
	}
	delete(h.clients, client.id)
	close(client.send)
	h.metrics.ConnectionClosed()
	h.logger.Debug("unregistered client", "conn", client.id)
}

// dispatch runs the handler of one inbound event. A panicking handler only loses its own event.
func (h *Hub) dispatch(in inbound) {
	event := in.message.Event
	defer func() {
		if r := recover(); r != nil {
			h.metrics.Dropped(metrics.DropPanic)
			h.logger.Error("recovered from panic in event handler", "event", event, "conn", in.client.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler, ok := eventHandlers[event]
	if !ok {
		h.metrics.Dropped(metrics.DropUnknownEvent)
		h.logger.Debug("dropping unknown event", "event", event, "conn", in.client.id)
		return
	}
	if err := handler(h, in); err != nil {
		h.metrics.Dropped(dropReason(err))
		h.logger.Debug("dropping event", "event", event, "conn", in.client.id, "error", err)
		return
	}
	h.metrics.EventHandled(event)
}

// participantOf returns the participant bound to a connection, via the side table.
func (h *Hub) participantOf(connectionId string) (string, types.Participant, bool) {
	s, ok := h.sessions[connectionId]
	if !ok {
		return "", types.Participant{}, false
	}
	p, ok := h.registry.FindParticipant(s.roomId, s.userId)
	if !ok {
		return "", types.Participant{}, false
	}
	return s.roomId, p, true
}

// source returns the participant bound to a connection, nil if it has not joined a meeting.
func (h *Hub) source(c *Client) *types.Participant {
	_, p, ok := h.participantOf(c.id)
	if !ok {
		return nil
	}
	return &p
}

// allow evaluates the policy for event. source and target may be nil.
func (h *Hub) allow(event string, source *types.Participant, roomId string, target *types.Participant) error {
	if h.policy.Len() == 0 {
		return nil
	}
	env := filter.Env{Event: event}
	if source != nil {
		env.Source = filter.FromParticipant(*source)
	}
	if target != nil {
		env.Target = filter.FromParticipant(*target)
	}
	if room, ok := h.registry.GetRoom(roomId); ok {
		env.Room = filter.FromRoom(room)
	} else {
		env.Room = filter.Room{Id: roomId}
	}
	if !h.policy.Allow(env) {
		return errPolicy
	}
	return nil
}

func (h *Hub) record(roomId, action string, p types.Participant) {
	h.journal.Record(types.NewSessionEvent(roomId, action, p))
}

// sendTo queues an event for one connection. A full send buffer drops the event.
func (h *Hub) sendTo(connectionId, event string, data interface{}) {
	client, ok := h.clients[connectionId]
	if !ok {
		return
	}
	frame, err := client.codec.Encode(types.WebsocketMessage{Event: event, Data: data})
	if err != nil {
		h.logger.Error("could not encode message", "event", event, "error", err)
		return
	}
	h.enqueue(client, event, frame)
}

func (h *Hub) enqueue(client *Client, event string, frame []byte) {
	select {
	case client.send <- frame:
	default:
		h.metrics.Dropped(metrics.DropSendBuffer)
		h.logger.Warn("send buffer full, dropping message", "event", event, "conn", client.id)
	}
}

// broadcast sends an event to every participant of the room except the connection exceptId (empty for none).
func (h *Hub) broadcast(roomId, exceptId, event string, data interface{}) {
	room, ok := h.registry.GetRoom(roomId)
	if !ok {
		return
	}
	h.broadcastTo(room.Participants, exceptId, event, data)
}

func (h *Hub) broadcastTo(participants []types.Participant, exceptId, event string, data interface{}) {
	// encode once per codec
	frames := make(map[string][]byte)
	for _, p := range participants {
		if p.ConnectionId == exceptId {
			continue
		}
		client, ok := h.clients[p.ConnectionId]
		if !ok {
			continue
		}
		frame, ok := frames[client.codec.Name()]
		if !ok {
			var err error
			frame, err = client.codec.Encode(types.WebsocketMessage{Event: event, Data: data})
			if err != nil {
				h.logger.Error("could not encode message", "event", event, "error", err)
				return
			}
			frames[client.codec.Name()] = frame
		}
		h.enqueue(client, event, frame)
	}
}

// leave removes the participant bound to connectionId from the room and tells the rest of the room.
func (h *Hub) leave(roomId, connectionId, action string) {
	delete(h.sessions, connectionId)
	p, removed, evicted := h.registry.RemoveParticipant(roomId, connectionId)
	if !removed {
		return
	}
	h.record(roomId, action, p)
	if !evicted {
		// the payload is the bare user id
		h.broadcast(roomId, connectionId, types.EventUserLeft, p.UserId)
	}
	h.logger.Debug("participant left", "room", roomId, "user", p.UserId, "action", action, "evicted", evicted)
}

// resolveTarget finds the connection addressed by target: first as a connection id, then as a user id in the
// sender's room.
func (h *Hub) resolveTarget(sender *Client, target string) (string, bool) {
	if _, ok := h.clients[target]; ok {
		return target, true
	}
	s, ok := h.sessions[sender.id]
	if !ok {
		return "", false
	}
	p, ok := h.registry.FindParticipant(s.roomId, target)
	if !ok {
		return "", false
	}
	return p.ConnectionId, true
}
