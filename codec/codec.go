// Package codec turns the relay envelope into websocket frames. JSON text frames are the default, clients that
// negotiate the msgpack subprotocol get binary MessagePack frames.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/tcriess/lightspeed-meet/types"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackSubprotocol is the websocket subprotocol a client offers to receive binary MessagePack frames instead of
// JSON text frames.
const MsgpackSubprotocol = "msgpack"

// Codec turns envelopes into websocket frames and back. Both codecs use the json field names.
type Codec interface {
	Name() string
	Encode(types.WebsocketMessage) ([]byte, error)
	Decode([]byte, *types.WebsocketMessage) error
	// MessageType is the websocket frame type to write.
	MessageType() int
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(msg types.WebsocketMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Decode(raw []byte, msg *types.WebsocketMessage) error {
	return json.Unmarshal(raw, msg)
}

func (jsonCodec) MessageType() int { return websocket.TextMessage }

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return MsgpackSubprotocol }

func (msgpackCodec) Encode(msg types.WebsocketMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Decode(raw []byte, msg *types.WebsocketMessage) error {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetCustomStructTag("json")
	return dec.Decode(msg)
}

func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// For returns the codec for a negotiated subprotocol, JSON if none was negotiated.
func For(subprotocol string) Codec {
	if subprotocol == MsgpackSubprotocol {
		return Msgpack
	}
	return JSON
}
