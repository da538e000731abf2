// Package cachekey builds Redis keys following the deployment-scoped grammar
// "<deployment>:<purpose>:<session-or-user>[:<qualifier>]".
package cachekey

import (
	"strconv"
	"strings"
)

// Purposes.
const (
	Mute        = "mute"
	Ban         = "ban"
	ServerBan   = "server_ban"
	FailedLogin = "failed_login"
	UserServer  = "user_server"
	RateLimit   = "rate"
	Verify      = "verify"
	Token       = "token"
	Machine     = "machine"
	Servers     = "servers"
	UserMsg     = "user_msg"
	BusApplied  = "bus_applied"
)

// All is the qualifier for session-wide moderation entries.
const All = "all"

// Space is a key namespace bound to one deployment so environments sharing
// a cache cluster never collide.
type Space struct {
	deployment string
}

// New returns a key space for the given deployment name.
func New(deployment string) Space {
	if deployment == "" {
		deployment = "chatmesh"
	}
	return Space{deployment: deployment}
}

// Deployment returns the namespace prefix.
func (s Space) Deployment() string {
	return s.deployment
}

// Key joins purpose and parts under the deployment prefix.
func (s Space) Key(purpose string, parts ...string) string {
	var b strings.Builder
	b.WriteString(s.deployment)
	b.WriteByte(':')
	b.WriteString(purpose)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// ID formats a numeric identifier for use in a key.
func ID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Target returns the user qualifier, or All for userID 0.
func Target(userID int64) string {
	if userID == 0 {
		return All
	}
	return ID(userID)
}

func (s Space) MuteKey(sessionID, userID int64) string {
	return s.Key(Mute, ID(sessionID), Target(userID))
}

func (s Space) BanKey(sessionID, userID int64) string {
	return s.Key(Ban, ID(sessionID), Target(userID))
}

func (s Space) ServerBanKey(userID int64) string {
	return s.Key(ServerBan, ID(userID))
}

func (s Space) FailedLoginKey(userID int64) string {
	return s.Key(FailedLogin, ID(userID))
}

func (s Space) UserServerKey(userID int64) string {
	return s.Key(UserServer, ID(userID))
}

func (s Space) RateKey(userID int64) string {
	return s.Key(RateLimit, ID(userID))
}

func (s Space) VerifyKey(userID int64) string {
	return s.Key(Verify, ID(userID))
}

func (s Space) TokenKey(token string) string {
	return s.Key(Token, token)
}
