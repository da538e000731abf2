package chatmesh

import (
	"encoding/json"
	"fmt"
	"time"
)

// Unit types.
const (
	UnitText  = "text"
	UnitImage = "image"
	UnitFile  = "file"
)

// Unit is one part of a message.
type Unit struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
	Ref  string `json:"ref,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Bundle is the ordered content of a message.
type Bundle []Unit

// Text returns a single-unit text bundle.
func Text(s string) Bundle {
	return Bundle{{Type: UnitText, Text: s}}
}

// Message is a stored message as returned by fetch and message pushes.
type Message struct {
	MessageID   int64     `json:"message_id,string"`
	SessionID   int64     `json:"session_id,string"`
	SenderID    *int64    `json:"sender_id,string,omitempty"`
	Bundle      Bundle    `json:"bundle"`
	Time        time.Time `json:"time"`
	IsEncrypted bool      `json:"is_encrypted"`
	IsAllUser   bool      `json:"is_all_user"`
	Recalled    bool      `json:"recalled"`
}

// User is the public part of an account.
type User struct {
	ID       int64  `json:"id,string"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// Session is a chat session.
type Session struct {
	ID   int64  `json:"id,string"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Relation is the caller's membership in a session.
type Relation struct {
	SessionID   int64      `json:"session_id,string"`
	UserID      int64      `json:"user_id,string"`
	Role        string     `json:"role"`
	MutedUntil  *time.Time `json:"muted_until,omitempty"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

// Announcement is a server-wide broadcast.
type Announcement struct {
	ID        int64     `json:"id,string"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Push types.
const (
	PushMessage      = "message"
	PushRecall       = "recall"
	PushAnnouncement = "announcement"
	PushResync       = "resync"
)

// Push is a server-initiated event. Data holds the raw payload; use the
// typed accessors to decode it.
type Push struct {
	Type string
	Data json.RawMessage
}

// Message decodes a message push.
func (p Push) Message() (Message, error) {
	var m Message
	err := p.decode(PushMessage, &m)
	return m, err
}

// Recall decodes a recall push.
func (p Push) Recall() (messageID, sessionID int64, err error) {
	var n struct {
		MessageID int64 `json:"message_id,string"`
		SessionID int64 `json:"session_id,string"`
	}
	err = p.decode(PushRecall, &n)
	return n.MessageID, n.SessionID, err
}

// Resync returns the session whose history must be fetched again.
func (p Push) Resync() (sessionID int64, err error) {
	var n struct {
		SessionID int64 `json:"session_id,string"`
	}
	err = p.decode(PushResync, &n)
	return n.SessionID, err
}

func (p Push) decode(want string, v any) error {
	if p.Type != want {
		return fmt.Errorf("chatmesh: push is %q, not %q", p.Type, want)
	}
	return json.Unmarshal(p.Data, v)
}

// Error is a request rejected by the server.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
