package bus

import (
	"strconv"

	"github.com/eldtechnologies/chatmesh/internal/codec"
)

// Kind names the event carried by an envelope.
type Kind string

const (
	KindMessage      Kind = "message"
	KindRecall       Kind = "recall"
	KindAnnouncement Kind = "announcement"
)

// Broadcast is the routing key of envelopes addressed to every local user.
const Broadcast = "*"

// Envelope is one cross-server delivery. Payload is the JSON push frame
// body, forwarded to the recipient unchanged.
type Envelope struct {
	Kind        Kind   `cbor:"1,keyasint"`
	RecipientID int64  `cbor:"2,keyasint,omitempty"` // 0 for broadcasts
	MessageID   int64  `cbor:"3,keyasint"`
	SessionID   int64  `cbor:"4,keyasint,omitempty"`
	Payload     []byte `cbor:"5,keyasint"`
}

// RoutingKey returns the recipient user ID, or Broadcast.
func (e Envelope) RoutingKey() string {
	if e.RecipientID == 0 {
		return Broadcast
	}
	return strconv.FormatInt(e.RecipientID, 10)
}

// IdempotencyKey identifies the event for one recipient. Applying two
// envelopes with the same key has the effect of applying one.
func (e Envelope) IdempotencyKey() string {
	return strconv.FormatInt(e.MessageID, 10) + ":" + string(e.Kind) + ":" + e.RoutingKey()
}

func encode(e Envelope) ([]byte, error) {
	return codec.Marshal(e)
}

func decode(data []byte) (Envelope, error) {
	var e Envelope
	err := codec.Unmarshal(data, &e)
	return e, err
}
