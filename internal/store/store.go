package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// Moderation selects which moderation column an update touches.
type Moderation int

const (
	ModerationMute Moderation = iota
	ModerationBan
)

func (m Moderation) column() string {
	if m == ModerationBan {
		return "banned_until"
	}
	return "muted_until"
}

func (m Moderation) String() string {
	if m == ModerationBan {
		return "ban"
	}
	return "mute"
}

// IDFunc allocates the ID and timestamp of a new message. The store calls it
// while holding the session lock so commit order matches ID order.
type IDFunc func() (int64, time.Time, error)

// DataStore defines the interface for persistent storage of users, sessions,
// memberships, and messages. PostgresStore and SQLiteStore implement it.
//
// Get* methods return nil, nil when the row does not exist. Driver failures
// are returned as apperr Transient errors.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error
	Backend() string

	// User operations
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByName(ctx context.Context, name string) (*models.User, error)
	SetUserVerified(ctx context.Context, id int64) error
	SetUserPublicKey(ctx context.Context, id int64, key string) error

	// Session operations
	CreateSession(ctx context.Context, s *models.Session, ownerID int64) error
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	SetSessionModeration(ctx context.Context, id int64, kind Moderation, until *time.Time) error

	// Relation operations. Join and FinalizeLeaves lock the session row
	// so concurrent size updates never overwrite each other.
	Join(ctx context.Context, sessionID, userID int64, role string) (rejoined bool, err error)
	MarkLeaving(ctx context.Context, sessionID, userID int64) error
	FinalizeLeaves(ctx context.Context, limit int) ([]models.SessionRelation, error)
	GetRelation(ctx context.Context, sessionID, userID int64) (*models.SessionRelation, error)
	ListRelations(ctx context.Context, userID int64) ([]models.SessionRelation, error)
	ListMembers(ctx context.Context, sessionID int64) ([]models.SessionRelation, error)
	SetRelationModeration(ctx context.Context, sessionID, userID int64, kind Moderation, until *time.Time) error

	// Message operations
	InsertMessage(ctx context.Context, rec *models.MessageRecord, next IDFunc) error
	GetMessage(ctx context.Context, id int64) (*models.MessageRecord, error)
	SetRecalled(ctx context.Context, id int64) (bool, error)
	ListMessagesSince(ctx context.Context, sessionID int64, since time.Time, afterID int64, limit int) ([]models.MessageRecord, error)

	// Announcement operations
	InsertAnnouncement(ctx context.Context, a *models.Announcement) error
	ListAnnouncementsSince(ctx context.Context, since time.Time, limit int) ([]models.Announcement, error)
}

// Open selects a backend adapter from the URL scheme.
//
//	postgres://... or postgresql://...  PostgresStore
//	sqlite://path, file:path, *.db       SQLiteStore
func Open(ctx context.Context, url string) (DataStore, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "file:"))
	case strings.HasSuffix(url, ".db"):
		return NewSQLiteStore(ctx, url)
	}
	return nil, fmt.Errorf("store: unsupported database url %q", url)
}

// dbErr classifies a driver error. Errors already carrying a kind and
// context cancellation pass through unchanged.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Transient(err, op)
}
