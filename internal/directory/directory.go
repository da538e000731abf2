// Package directory maps online users to the server instance holding their
// connection, and tracks which server instances are alive.
//
// Entries are leases: each carries a TTL and disappears unless its owner
// refreshes it. Refresh and removal are compare-and-act scripts, so a server
// can only touch entries it owns.
package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/snowflake"
)

// KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = ttl ms
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] = lease key, ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Directory is the Redis-backed routing directory.
type Directory struct {
	rdb    *redis.Client
	keys   cachekey.Space
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a directory whose user entries default to ttl.
func New(rdb *redis.Client, keys cachekey.Space, ttl time.Duration, logger zerolog.Logger) *Directory {
	return &Directory{
		rdb:    rdb,
		keys:   keys,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// TTL returns the default user lease duration.
func (d *Directory) TTL() time.Duration {
	return d.ttl
}

// Register points userID at serverID. The latest login wins; an entry owned
// by another server is overwritten.
func (d *Directory) Register(ctx context.Context, userID int64, serverID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.ttl
	}
	if err := d.rdb.Set(ctx, d.keys.UserServerKey(userID), serverID, ttl).Err(); err != nil {
		return apperr.Transient(err, "directory register")
	}
	return nil
}

// Claim points userID at serverID only when the user has no live entry. It
// reports whether the entry now belongs to serverID.
func (d *Directory) Claim(ctx context.Context, userID int64, serverID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.keys.UserServerKey(userID), serverID, d.ttl).Result()
	if err != nil {
		return false, apperr.Transient(err, "directory claim")
	}
	return ok, nil
}

// Heartbeat extends the entry for userID if serverID still owns it. It
// returns false when the lease was lost to expiry or another server.
func (d *Directory) Heartbeat(ctx context.Context, userID int64, serverID string) (bool, error) {
	n, err := refreshScript.Run(ctx, d.rdb,
		[]string{d.keys.UserServerKey(userID)},
		serverID, d.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, apperr.Transient(err, "directory heartbeat")
	}
	return n == 1, nil
}

// Unregister removes the entry for userID only if serverID owns it.
func (d *Directory) Unregister(ctx context.Context, userID int64, serverID string) error {
	err := releaseScript.Run(ctx, d.rdb, []string{d.keys.UserServerKey(userID)}, serverID).Err()
	if err != nil {
		return apperr.Transient(err, "directory unregister")
	}
	return nil
}

// Lookup returns the server currently holding userID. ok is false when the
// user has no live entry.
func (d *Directory) Lookup(ctx context.Context, userID int64) (string, bool, error) {
	serverID, err := d.rdb.Get(ctx, d.keys.UserServerKey(userID)).Result()
	switch {
	case err == redis.Nil:
		metrics.DirectoryLookups.WithLabelValues("miss").Inc()
		return "", false, nil
	case err != nil:
		metrics.DirectoryLookups.WithLabelValues("error").Inc()
		return "", false, apperr.Transient(err, "directory lookup")
	}
	metrics.DirectoryLookups.WithLabelValues("hit").Inc()
	return serverID, true, nil
}

func (d *Directory) machineKey(machineID int64) string {
	return d.keys.Key(cachekey.Machine, strconv.FormatInt(machineID, 10))
}

func (d *Directory) serversKey() string {
	return d.keys.Key(cachekey.Servers)
}

// RegisterServer claims the lowest free machine slot for serverID and adds
// the server to the live set. The slot number seeds the ID allocator.
func (d *Directory) RegisterServer(ctx context.Context, serverID string, ttl time.Duration) (int64, error) {
	for machineID := int64(0); machineID <= snowflake.MaxMachineID; machineID++ {
		ok, err := d.rdb.SetNX(ctx, d.machineKey(machineID), serverID, ttl).Result()
		if err != nil {
			return 0, apperr.Transient(err, "claim machine slot")
		}
		if !ok {
			continue
		}
		if err := d.touchServer(ctx, serverID, ttl); err != nil {
			return 0, err
		}
		d.logger.Info().Str("server_id", serverID).Int64("machine_id", machineID).Msg("server registered")
		return machineID, nil
	}
	return 0, apperr.Conflict("all %d machine slots are taken", snowflake.MaxMachineID+1)
}

func (d *Directory) touchServer(ctx context.Context, serverID string, ttl time.Duration) error {
	expiry := float64(d.now().Add(ttl).UnixMilli())
	if err := d.rdb.ZAdd(ctx, d.serversKey(), redis.Z{Score: expiry, Member: serverID}).Err(); err != nil {
		return apperr.Transient(err, "server registry")
	}
	return nil
}

// RefreshServer extends the server's slot and live-set lease. It returns
// false when the slot was lost, in which case the server must stop issuing IDs.
func (d *Directory) RefreshServer(ctx context.Context, serverID string, machineID int64, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, d.rdb, []string{d.machineKey(machineID)}, serverID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, apperr.Transient(err, "refresh machine slot")
	}
	if n != 1 {
		return false, nil
	}
	return true, d.touchServer(ctx, serverID, ttl)
}

// ReleaseServer frees the slot and removes the server from the live set.
func (d *Directory) ReleaseServer(ctx context.Context, serverID string, machineID int64) error {
	if err := releaseScript.Run(ctx, d.rdb, []string{d.machineKey(machineID)}, serverID).Err(); err != nil {
		return apperr.Transient(err, "release machine slot")
	}
	if err := d.rdb.ZRem(ctx, d.serversKey(), serverID).Err(); err != nil {
		return apperr.Transient(err, "server registry")
	}
	return nil
}

// LiveServers returns the servers whose lease has not expired, pruning
// expired members as a side effect.
func (d *Directory) LiveServers(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(d.now().UnixMilli(), 10)
	pipe := d.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, d.serversKey(), "-inf", now)
	live := pipe.ZRangeByScore(ctx, d.serversKey(), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Transient(err, "server registry")
	}
	return live.Val(), nil
}
