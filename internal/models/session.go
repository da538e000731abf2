package models

import "time"

// Session represents a chat room or group.
// Size counts relation rows that have not been finalized; it only changes
// inside a membership transaction.
type Session struct {
	ID          int64      `json:"id,string"`
	Name        string     `json:"name"`
	AvatarKey   string     `json:"avatar_key,omitempty"`
	Size        int64      `json:"size"`
	MutedUntil  *time.Time `json:"muted_until,omitempty"`  // session-wide mute
	BannedUntil *time.Time `json:"banned_until,omitempty"` // session-wide ban
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Roles a member can hold in a session.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// SessionRelation is one user's membership in a session.
type SessionRelation struct {
	SessionID        int64      `json:"session_id,string"`
	UserID           int64      `json:"user_id,string"`
	Role             string     `json:"role"`
	MutedUntil       *time.Time `json:"muted_until,omitempty"`
	BannedUntil      *time.Time `json:"banned_until,omitempty"`
	LeavingToProcess bool       `json:"leaving_to_process"`
	RoomKeyTime      *time.Time `json:"room_key_time,omitempty"`
	JoinedAt         time.Time  `json:"joined_at"`
}

// Active reports whether the relation is a current member (not leaving).
func (r *SessionRelation) Active() bool {
	return r != nil && !r.LeavingToProcess
}

// CanModerate reports whether the member holds a privileged role.
func (r *SessionRelation) CanModerate() bool {
	return r.Active() && (r.Role == RoleAdmin || r.Role == RoleOwner)
}

// ActiveUntil reports whether t is set and still in the future.
func ActiveUntil(t *time.Time, now time.Time) bool {
	return t != nil && t.After(now)
}
