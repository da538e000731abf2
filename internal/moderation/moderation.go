// Package moderation caches mute, ban, and login-failure state in Redis.
//
// The relational store is authoritative. Entries here expire on their own
// when the moderation window ends, so a present key means the state is still
// in effect. A missing key may also be a cache miss, which callers resolve
// against the store and repair with Restore.
package moderation

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// Status is the moderation state of a user in one session.
type Status struct {
	Muted        bool
	Banned       bool
	ServerBanned bool
}

// Blocked reports whether the user may not send.
func (s Status) Blocked() bool {
	return s.Muted || s.Banned || s.ServerBanned
}

// Cache reads and writes moderation entries.
type Cache struct {
	rdb    *redis.Client
	keys   cachekey.Space
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a moderation cache.
func New(rdb *redis.Client, keys cachekey.Space, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		keys:   keys,
		now:    time.Now,
		logger: logger.With().Str("component", "moderation").Logger(),
	}
}

// setUntil writes key with a TTL equal to the remaining window, or deletes it
// when until is nil or already past.
func (c *Cache) setUntil(ctx context.Context, key string, until *time.Time) error {
	var err error
	if remaining := c.remaining(until); remaining > 0 {
		err = c.rdb.Set(ctx, key, until.UTC().Format(time.RFC3339Nano), remaining).Err()
	} else {
		err = c.rdb.Del(ctx, key).Err()
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("moderation cache write failed")
		return apperr.Transient(err, "moderation cache write")
	}
	return nil
}

func (c *Cache) remaining(until *time.Time) time.Duration {
	if until == nil {
		return 0
	}
	return until.Sub(c.now())
}

// SetMute records a mute of userID in sessionID. userID 0 mutes everyone.
func (c *Cache) SetMute(ctx context.Context, sessionID, userID int64, until *time.Time) error {
	return c.setUntil(ctx, c.keys.MuteKey(sessionID, userID), until)
}

// SetBan records a ban of userID from sessionID. userID 0 bans everyone.
func (c *Cache) SetBan(ctx context.Context, sessionID, userID int64, until *time.Time) error {
	return c.setUntil(ctx, c.keys.BanKey(sessionID, userID), until)
}

// SetServerBan records a server-wide ban.
func (c *Cache) SetServerBan(ctx context.Context, userID int64, until *time.Time) error {
	return c.setUntil(ctx, c.keys.ServerBanKey(userID), until)
}

// Check returns the cached moderation state for userID in sessionID.
// The five lookups share one round trip.
func (c *Cache) Check(ctx context.Context, sessionID, userID int64) (Status, error) {
	pipe := c.rdb.Pipeline()
	muteUser := pipe.Exists(ctx, c.keys.MuteKey(sessionID, userID))
	muteAll := pipe.Exists(ctx, c.keys.MuteKey(sessionID, 0))
	banUser := pipe.Exists(ctx, c.keys.BanKey(sessionID, userID))
	banAll := pipe.Exists(ctx, c.keys.BanKey(sessionID, 0))
	serverBan := pipe.Exists(ctx, c.keys.ServerBanKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, apperr.Transient(err, "moderation cache read")
	}

	return Status{
		Muted:        muteUser.Val() > 0 || muteAll.Val() > 0,
		Banned:       banUser.Val() > 0 || banAll.Val() > 0,
		ServerBanned: serverBan.Val() > 0,
	}, nil
}

// ServerBanned reports whether userID holds a server-wide ban.
func (c *Cache) ServerBanned(ctx context.Context, userID int64) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.keys.ServerBanKey(userID)).Result()
	if err != nil {
		return false, apperr.Transient(err, "moderation cache read")
	}
	return n > 0, nil
}

// Restore re-derives the cache entries of one relation and its session from
// authoritative rows. Either argument may be nil. Failures are logged only.
func (c *Cache) Restore(ctx context.Context, rel *models.SessionRelation, sess *models.Session) {
	now := c.now()
	if rel != nil {
		if models.ActiveUntil(rel.MutedUntil, now) {
			c.SetMute(ctx, rel.SessionID, rel.UserID, rel.MutedUntil)
		}
		if models.ActiveUntil(rel.BannedUntil, now) {
			c.SetBan(ctx, rel.SessionID, rel.UserID, rel.BannedUntil)
		}
	}
	if sess != nil {
		if models.ActiveUntil(sess.MutedUntil, now) {
			c.SetMute(ctx, sess.ID, 0, sess.MutedUntil)
		}
		if models.ActiveUntil(sess.BannedUntil, now) {
			c.SetBan(ctx, sess.ID, 0, sess.BannedUntil)
		}
	}
}

// RegisterFailedLogin counts a failed login and returns the count so far.
// The counter expires window after the most recent failure.
func (c *Cache) RegisterFailedLogin(ctx context.Context, userID int64, window time.Duration) (int64, error) {
	key := c.keys.FailedLoginKey(userID)

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apperr.Transient(err, "failed login counter")
	}
	return incr.Val(), nil
}

// FailedLogins returns the current failed-login count.
func (c *Cache) FailedLogins(ctx context.Context, userID int64) (int64, error) {
	n, err := c.rdb.Get(ctx, c.keys.FailedLoginKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Transient(err, "failed login counter")
	}
	return n, nil
}

// ClearFailedLogins resets the counter after a successful login.
func (c *Cache) ClearFailedLogins(ctx context.Context, userID int64) {
	if err := c.rdb.Del(ctx, c.keys.FailedLoginKey(userID)).Err(); err != nil {
		c.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to clear login failures")
	}
}

// AllowSend counts a send and reports whether the user is still under limit.
// The counter expires window after the most recent send.
func (c *Cache) AllowSend(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := c.keys.RateKey(userID)

	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, apperr.Transient(err, "send rate counter")
	}
	return incr.Val() <= int64(limit), nil
}
