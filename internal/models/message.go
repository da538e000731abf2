package models

import (
	"encoding/json"
	"time"
)

// Unit message types.
const (
	UnitText  = "text"
	UnitImage = "image"
	UnitFile  = "file"
)

// Unit is one typed part of a bundle.
type Unit struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
	Ref  string `json:"ref,omitempty"` // media key for image/file units
	Mime string `json:"mime,omitempty"`
}

// Bundle is the ordered list of units that form one chat message.
type Bundle []Unit

// MessageRecord is a persisted chat message. Records are never deleted;
// recall only sets the Recalled flag.
type MessageRecord struct {
	MessageID   int64     `json:"message_id,string"`
	SessionID   int64     `json:"session_id,string"`
	SenderID    *int64    `json:"sender_id,string,omitempty"` // nil for system messages
	Bundle      Bundle    `json:"bundle"`
	Time        time.Time `json:"-"`
	IsEncrypted bool      `json:"is_encrypted"`
	IsAllUser   bool      `json:"is_all_user"`
	Recalled    bool      `json:"recalled"`
}

type messageRecordJSON MessageRecord

// MarshalJSON renders Time as an RFC3339 string.
func (m MessageRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		messageRecordJSON
		Time string `json:"time"`
	}{
		messageRecordJSON: messageRecordJSON(m),
		Time:              m.Time.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON parses the RFC3339 time field.
func (m *MessageRecord) UnmarshalJSON(data []byte) error {
	var aux struct {
		messageRecordJSON
		Time string `json:"time"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = MessageRecord(aux.messageRecordJSON)
	if aux.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Time)
		if err != nil {
			return err
		}
		m.Time = t
	}
	return nil
}

// Announcement is a server-wide broadcast.
type Announcement struct {
	ID          int64     `json:"id,string"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublisherID int64     `json:"publisher_id,string"`
	CreatedAt   time.Time `json:"created_at"`
}
