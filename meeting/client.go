package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-meet/codec"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingBuffer = 64
)

var ErrClosed = errors.New("connection closed")

// Client is the websocket transport of a participant. It implements Signaler.
type Client struct {
	conn     *websocket.Conn
	codec    codec.Codec
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	logger   hclog.Logger
}

// Dial connects to the relay endpoint (f.e. ws://localhost:8000/meet). With useMsgpack the client offers the
// msgpack subprotocol; the server may still answer with JSON.
func Dial(ctx context.Context, url string, useMsgpack bool) (*Client, error) {
	dialer := *websocket.DefaultDialer
	if useMsgpack {
		dialer.Subprotocols = []string{codec.MsgpackSubprotocol}
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c := &Client{
		conn:     conn,
		codec:    codec.For(conn.Subprotocol()),
		outgoing: make(chan []byte, outgoingBuffer),
		done:     make(chan struct{}),
		logger:   globals.AppLogger.Named("client"),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c, nil
}

func (c *Client) Codec() codec.Codec {
	return c.codec
}

// Send queues one event for the relay.
func (c *Client) Send(event string, data interface{}) error {
	frame, err := c.codec.Encode(types.WebsocketMessage{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Run reads events and hands them to handle until the connection is closed. It is the read pump, so there is
// at most one reader on the connection.
func (c *Client) Run(handle func(types.WebsocketMessage)) error {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		msg := types.WebsocketMessage{}
		if err := c.codec.Decode(raw, &msg); err != nil {
			c.logger.Warn("could not decode message", "error", err)
			continue
		}
		handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.MessageType(), frame); err != nil {
				c.logger.Debug("write failed, stopping write pump", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes what is still queued, f.e. the leave-meeting event.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.MessageType(), frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close sends a close frame and stops both pumps. It is safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}
