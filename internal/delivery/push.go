package delivery

import (
	"encoding/json"
)

// Push types written to connected clients.
const (
	PushMessage      = "message"
	PushRecall       = "recall"
	PushAnnouncement = "announcement"
	PushResync       = "resync"
)

// Push is a server-initiated event for one client. Body is the complete
// JSON frame; SessionID and MessageID let the receiving connection keep
// per-session ordering without parsing it.
type Push struct {
	Type      string
	SessionID int64
	MessageID int64
	Body      []byte
}

// pushFrame is the wire form of a push.
type pushFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RecallNotice is the data of a recall push.
type RecallNotice struct {
	MessageID int64 `json:"message_id,string"`
	SessionID int64 `json:"session_id,string"`
}

// ResyncNotice asks the client to fetch a session's history.
type ResyncNotice struct {
	SessionID int64 `json:"session_id,string"`
}

// NewPush encodes data as a push frame of the given type.
func NewPush(typ string, sessionID, messageID int64, data any) (Push, error) {
	body, err := json.Marshal(pushFrame{Type: typ, Data: data})
	if err != nil {
		return Push{}, err
	}
	return Push{Type: typ, SessionID: sessionID, MessageID: messageID, Body: body}, nil
}

// LocalHub delivers pushes to connections held by this server.
type LocalHub interface {
	// Deliver pushes to every local connection of userID and reports
	// whether there was at least one.
	Deliver(userID int64, push Push) bool
	// Broadcast pushes to every authenticated local connection.
	Broadcast(push Push) int
}
