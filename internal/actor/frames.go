package actor

import (
	"encoding/json"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// Request types.
const (
	ReqLogin         = "login"
	ReqRegister      = "register"
	ReqVerify        = "verify"
	ReqSend          = "send"
	ReqRecall        = "recall"
	ReqFetch         = "fetch"
	ReqJoin          = "join"
	ReqLeave         = "leave"
	ReqCreateSession = "create_session"
	ReqMute          = "mute"
	ReqBan           = "ban"
	ReqRelations     = "relations"
	ReqAnnouncements = "announcements"
	ReqPublishKey    = "publish_key"
	ReqProfile       = "profile"
	ReqPing          = "ping"
)

// FrameReply is the type of every reply frame.
const FrameReply = "reply"

// Request is a client frame.
type Request struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reply answers exactly one Request.
type Reply struct {
	ID    string      `json:"id"`
	Type  string      `json:"type"`
	OK    bool        `json:"ok"`
	Data  any         `json:"data,omitempty"`
	Error *ReplyError `json:"error,omitempty"`
}

type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func okReply(id string, data any) Reply {
	return Reply{ID: id, Type: FrameReply, OK: true, Data: data}
}

func errReply(id string, err error) Reply {
	code, msg := apperr.Public(err)
	return Reply{ID: id, Type: FrameReply, Error: &ReplyError{Code: code, Message: msg}}
}

// Request payloads.

type LoginData struct {
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"` // resumes an issued token instead
}

type LoginResult struct {
	User  *models.User `json:"user"`
	Token string       `json:"token,omitempty"`
}

type RegisterData struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyData struct {
	UserID int64  `json:"user_id,string"`
	Code   string `json:"code"`
}

type SendData struct {
	SessionID   int64         `json:"session_id,string"`
	Bundle      models.Bundle `json:"bundle"`
	IsEncrypted bool          `json:"is_encrypted"`
}

type SendResult struct {
	MessageID int64 `json:"message_id,string"`
}

type RecallData struct {
	MessageID int64 `json:"message_id,string"`
}

type FetchData struct {
	SessionID int64     `json:"session_id,string"`
	Since     time.Time `json:"since"`
	// After resumes a page: only messages with larger IDs are returned.
	After int64 `json:"after,string,omitempty"`
	Limit int   `json:"limit"`
}

type FetchResult struct {
	Messages []models.MessageRecord `json:"messages"`
	// More is set when the limit cut the result short.
	More bool `json:"more"`
}

type SessionData struct {
	SessionID int64 `json:"session_id,string"`
}

type CreateSessionData struct {
	Name string `json:"name"`
}

type ModerateData struct {
	SessionID int64     `json:"session_id,string"`
	UserID    int64     `json:"user_id,string"` // 0 targets the whole session
	Until     time.Time `json:"until"`          // zero lifts
}

type PublishKeyData struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type ProfileData struct {
	UserID int64 `json:"user_id,string"`
}

type AnnouncementsData struct {
	Since time.Time `json:"since"`
}

type PingResult struct {
	Time time.Time `json:"time"`
}
