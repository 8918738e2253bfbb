package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shape-z/windowmesh/layout"
	"github.com/shape-z/windowmesh/peers"
)

// Type discriminates the message union. A message without a known type is
// ill-formed and dropped before it reaches any handler.
type Type string

const (
	// TypeHello announces a new peer; payload is the peer snapshot.
	TypeHello Type = "HELLO"
	// TypeHeartbeat carries liveness and the peer's latest rect.
	TypeHeartbeat Type = "HEARTBEAT"
	// TypeGoodbye signals graceful departure of the peer named by ID.
	TypeGoodbye Type = "GOODBYE"
	// TypeLayoutUpdate carries the authoritative layout from the leader.
	TypeLayoutUpdate Type = "LAYOUT_UPDATE"
	// TypeLeaderClaim preempts other leaders; receivers step down.
	TypeLeaderClaim Type = "LEADER_CLAIM"
	// TypeRequestLayout asks the leader to rebroadcast layout and shared data.
	TypeRequestLayout Type = "REQUEST_LAYOUT"
	// TypeSharedDataUpdate replicates one shared map entry, last write wins.
	TypeSharedDataUpdate Type = "SHARED_DATA_UPDATE"
)

var knownTypes = map[Type]struct{}{
	TypeHello:            {},
	TypeHeartbeat:        {},
	TypeGoodbye:          {},
	TypeLayoutUpdate:     {},
	TypeLeaderClaim:      {},
	TypeRequestLayout:    {},
	TypeSharedDataUpdate: {},
}

// Message is the tagged union travelling on the bus. Only the fields of
// the active variant are populated.
type Message struct {
	Type      Type            `json:"type"`
	Peer      *peers.Snapshot `json:"peer,omitempty"`
	ID        string          `json:"id,omitempty"`
	Layout    *layout.Layout  `json:"layout,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// Handler consumes one inbound message. Handlers must not assume any
// cross-sender ordering; delivery is FIFO per sender only.
type Handler func(Message)

// Transport is a duplex broadcast bus scoped to one session channel.
// Broadcast never echoes back to the sender. Implementations deliver
// best-effort, in order per sender, at most once.
type Transport interface {
	Broadcast(Message) error
	OnMessage(Handler) (cancel func())
	Close() error
}

var ErrIllFormed = errors.New("ill-formed message")
var ErrClosed = errors.New("transport is closed")

// Encode renders the message for the wire.
func Encode(msg Message) ([]byte, error) {
	if _, ok := knownTypes[msg.Type]; !ok {
		return nil, ErrIllFormed
	}
	return json.Marshal(msg)
}

// Decode parses a wire frame. Frames without a known discriminator fail
// with ErrIllFormed; callers drop them silently.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, errors.Wrap(ErrIllFormed, err.Error())
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return Message{}, ErrIllFormed
	}
	return msg, nil
}
