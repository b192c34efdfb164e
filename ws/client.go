package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-meet/codec"
	"github.com/tcriess/lightspeed-meet/metrics"
	"github.com/tcriess/lightspeed-meet/types"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// connection id, handed to the browser as socketId
	id string

	// The websocket connection.
	conn *websocket.Conn

	codec codec.Codec

	// Buffered channel of outbound frames. Only the hub writes to and closes it.
	send chan []byte

	logger hclog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, frameCodec codec.Codec) *Client {
	id := uuid.NewString()
	return &Client{
		hub:    hub,
		id:     id,
		conn:   conn,
		codec:  frameCodec,
		send:   make(chan []byte, hub.sendBufferSize()),
		logger: hub.logger.Named("client").With("conn", id),
	}
}

func (c *Client) Id() string {
	return c.id
}

// toHub hands an event to the hub. It returns false once the hub has stopped.
func (c *Client) toHub(in inbound) bool {
	select {
	case c.hub.Inbound <- in:
		return true
	case <-c.hub.done:
		return false
	}
}

// verifyJoin checks the identity token of a join event. It runs in the read loop, so a slow identity provider
// only blocks this connection.
func (c *Client) verifyJoin(data interface{}) (*types.Identity, bool) {
	authenticator := c.hub.authenticator
	if authenticator == nil {
		return nil, true
	}
	join := types.JoinMeeting{}
	if err := mapstructure.WeakDecode(data, &join); err != nil {
		// the hub reports the malformed payload
		return nil, true
	}
	if join.Token == "" {
		return nil, !c.hub.cfg.AuthConfig.RequireToken
	}
	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	defer cancel()
	identity, err := authenticator.Authenticate(ctx, join.Token, join.Provider)
	if err != nil {
		c.logger.Info("could not verify id token", "provider", join.Provider, "error", err)
		return nil, false
	}
	return &identity, true
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(c.hub.maxMessageSize())
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("ws closed unexpected", "error", err)
			} else {
				c.logger.Debug("read loop done", "error", err)
			}
			return
		}

		message := types.WebsocketMessage{}
		err = c.codec.Decode(raw, &message)
		if err != nil || message.Event == "" {
			c.hub.metrics.Dropped(metrics.DropMalformed)
			c.logger.Debug("could not decode ws message", "error", err)
			continue
		}

		in := inbound{client: c, message: message}
		if message.Event == types.EventJoinMeeting {
			identity, ok := c.verifyJoin(message.Data)
			if !ok {
				c.hub.metrics.Dropped(metrics.DropUnauthorized)
				continue
			}
			in.identity = identity
		}
		if !c.toHub(in) {
			return
		}
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(c.codec.MessageType(), message); err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping message, exiting write loop", "error", err)
				return
			}
		}
	}
}
