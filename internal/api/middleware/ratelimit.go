package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/cachekey"
)

const (
	httpRateKey  = "http_rate"
	violationKey = "rate_violations"
	blockedKey   = "blocked_ip"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // block IPs after repeated violations
}

// RateLimiter applies fixed-window request limits per route prefix. Counters
// live in Redis so every server shares them.
type RateLimiter struct {
	client           *redis.Client
	keys             cachekey.Space
	limits           []routeLimit
	blocker          *IPBlocker
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

type routeLimit struct {
	prefix string
	RateLimit
}

// NewRateLimiter creates a rate limiter with the default route table.
func NewRateLimiter(client *redis.Client, keys cachekey.Space, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:           client,
		keys:             keys,
		blocker:          NewIPBlocker(client, keys),
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		// Longest prefixes first; the first match wins.
		limits: []routeLimit{
			{"POST /auth/register", RateLimit{10, time.Hour, ipKey}},
			{"POST /auth/verify", RateLimit{20, time.Hour, ipKey}},
			{"POST /auth/login", RateLimit{30, time.Minute, ipKey}},
			{"GET /ws", RateLimit{60, time.Minute, ipKey}},
			{"POST /sessions/", RateLimit{60, time.Minute, userOrIPKey}},
			{"GET /sessions/", RateLimit{120, time.Minute, userOrIPKey}},
			{"POST /messages/", RateLimit{30, time.Minute, userOrIPKey}},
			{"GET /announcements", RateLimit{60, time.Minute, userOrIPKey}},
			{"GET /users/", RateLimit{100, time.Minute, ipKey}},
		},
	}

	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}
	return rl
}

func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "ip:" + RealIP(r)
}

// userOrIPKey keys authenticated requests by a digest of their token, so
// the limit follows the user across addresses without storing the token.
func userOrIPKey(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	return ipKey(r)
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement counts one request in the current window.
// Returns (allowed, remaining, resetAt). A Redis failure admits the request.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	bucket := now.UnixMilli() / window.Milliseconds()
	resetAt := time.UnixMilli((bucket + 1) * window.Milliseconds())
	windowKey := rl.keys.Key(httpRateKey, key, strconv.FormatInt(bucket, 10))

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn().Err(err).Msg("rate limiter unavailable")
		return true, limit, resetAt
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, resetAt
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.CheckAndIncrement(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	key := r.Method + " " + r.URL.Path
	for _, l := range rl.limits {
		if strings.HasPrefix(key, l.prefix) {
			limit := l.RateLimit
			return &limit
		}
	}
	return nil
}

// trackViolation counts violations per IP and blocks repeat offenders for a
// day.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	key := rl.keys.Key(violationKey, ip)
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	rl.client.Expire(ctx, key, time.Hour)

	if count >= 10 {
		rl.blocker.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
	keys   cachekey.Space
}

func NewIPBlocker(client *redis.Client, keys cachekey.Space) *IPBlocker {
	return &IPBlocker{client: client, keys: keys}
}

// IsBlocked reports whether ip is blocked. Lookup failures report false.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, b.keys.Key(blockedKey, ip)).Result()
	return err == nil && n > 0
}

// Block blocks ip for duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, b.keys.Key(blockedKey, ip), reason, duration)
}

// Unblock removes a block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	b.client.Del(ctx, b.keys.Key(blockedKey, ip))
}
