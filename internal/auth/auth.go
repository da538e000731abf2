// Package auth registers accounts, checks credentials and issues bearer
// tokens. Tokens and verification codes live in Redis; accounts live in the
// data store.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/crypto"
	"github.com/eldtechnologies/chatmesh/internal/membership"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/models"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// VerificationTTL is how long a verification code stays valid.
const VerificationTTL = 24 * time.Hour

var (
	nameRegex  = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

// Notifier delivers verification codes to users.
type Notifier interface {
	SendVerification(ctx context.Context, user *models.User, code string) error
}

// LogNotifier writes verification codes to the log. It stands in for a
// mail gateway in development.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) SendVerification(_ context.Context, user *models.User, code string) error {
	n.Logger.Info().
		Int64("user_id", user.ID).
		Str("email", user.Email).
		Str("code", code).
		Msg("verification code issued")
	return nil
}

// Options tunes login policy.
type Options struct {
	RequireVerification bool
	FailedLoginLimit    int
	FailedLoginWindow   time.Duration
	TokenTTL            time.Duration
}

// Service implements registration, verification and login.
type Service struct {
	store      store.DataStore
	rdb        *redis.Client
	keys       cachekey.Space
	moderation *moderation.Cache
	ids        membership.IDGenerator
	runtime    *config.Runtime
	notifier   Notifier
	opts       Options

	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates an auth service. A nil notifier logs codes.
func NewService(st store.DataStore, rdb *redis.Client, keys cachekey.Space, cache *moderation.Cache, ids membership.IDGenerator, runtime *config.Runtime, notifier Notifier, opts Options, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "auth").Logger()
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.FailedLoginWindow <= 0 {
		opts.FailedLoginWindow = 15 * time.Minute
	}
	return &Service{
		store:      st,
		rdb:        rdb,
		keys:       keys,
		moderation: cache,
		ids:        ids,
		runtime:    runtime,
		notifier:   notifier,
		opts:       opts,
		now:        time.Now,
		logger:     logger,
	}
}

// Register creates an unverified account and sends it a verification code.
func (s *Service) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if !nameRegex.MatchString(name) {
		return nil, apperr.InvalidArgument("name must be 3-32 letters, digits, '.', '_' or '-'")
	}
	if email != "" && (len(email) > 254 || !emailRegex.MatchString(email)) {
		return nil, apperr.InvalidArgument("invalid email format")
	}

	hash, err := crypto.HashPassword(password)
	if errors.Is(err, crypto.ErrPasswordTooShort) {
		return nil, apperr.InvalidArgument("%s", err.Error())
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "hash password")
	}

	id, err := s.ids.Next()
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:           id,
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	code, err := crypto.VerificationCode()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "verification code")
	}
	if err := s.rdb.Set(ctx, s.keys.VerifyKey(user.ID), code, VerificationTTL).Err(); err != nil {
		return nil, apperr.Transient(err, "store verification code")
	}
	if err := s.notifier.SendVerification(ctx, user, code); err != nil {
		// The account exists; the user can ask for the code again.
		s.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("verification not delivered")
	}

	s.logger.Info().Int64("user_id", user.ID).Str("name", user.Name).Msg("user registered")
	return user, nil
}

// ResendVerification issues a fresh code for an unverified account.
func (s *Service) ResendVerification(ctx context.Context, userID int64) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return apperr.NotFound("user %d not found", userID)
	}
	if user.Verified {
		return apperr.Conflict("user %d is already verified", userID)
	}
	code, err := crypto.VerificationCode()
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "verification code")
	}
	if err := s.rdb.Set(ctx, s.keys.VerifyKey(userID), code, VerificationTTL).Err(); err != nil {
		return apperr.Transient(err, "store verification code")
	}
	return s.notifier.SendVerification(ctx, user, code)
}

// Verify marks the account verified when code matches the outstanding one.
func (s *Service) Verify(ctx context.Context, userID int64, code string) error {
	key := s.keys.VerifyKey(userID)
	want, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return apperr.Expired("no outstanding verification code for user %d", userID)
	}
	if err != nil {
		return apperr.Transient(err, "read verification code")
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(code))) != 1 {
		return apperr.InvalidArgument("verification code does not match")
	}

	if err := s.store.SetUserVerified(ctx, userID); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("verification code not cleared")
	}
	return nil
}

// Login checks credentials and returns the user with a new bearer token.
// Every rejection after the password check is reported with its reason;
// unknown names and wrong passwords share one message.
func (s *Service) Login(ctx context.Context, name, password string) (*models.User, string, error) {
	user, err := s.store.GetUserByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		metrics.LoginAttempts.WithLabelValues("bad_credentials").Inc()
		return nil, "", apperr.PermissionDenied("invalid name or password")
	}

	if s.opts.FailedLoginLimit > 0 {
		failures, err := s.moderation.FailedLogins(ctx, user.ID)
		if err != nil {
			return nil, "", err
		}
		if failures >= int64(s.opts.FailedLoginLimit) {
			metrics.LoginAttempts.WithLabelValues("locked").Inc()
			return nil, "", apperr.PermissionDenied("too many failed logins, try again later")
		}
	}

	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		if _, err := s.moderation.RegisterFailedLogin(ctx, user.ID, s.opts.FailedLoginWindow); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed login not counted")
		}
		metrics.LoginAttempts.WithLabelValues("bad_credentials").Inc()
		return nil, "", apperr.PermissionDenied("invalid name or password")
	}

	banned, err := s.moderation.ServerBanned(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	if banned {
		metrics.LoginAttempts.WithLabelValues("banned").Inc()
		return nil, "", apperr.PermissionDenied("user %d is banned from this server", user.ID)
	}
	if s.runtime.Snapshot().MaintenanceMode && !user.IsAdmin {
		metrics.LoginAttempts.WithLabelValues("maintenance").Inc()
		return nil, "", apperr.PermissionDenied("server is in maintenance mode")
	}
	if s.opts.RequireVerification && !user.Verified {
		metrics.LoginAttempts.WithLabelValues("unverified").Inc()
		return nil, "", apperr.PermissionDenied("account is not verified")
	}

	s.moderation.ClearFailedLogins(ctx, user.ID)

	token, err := crypto.RandomToken(32)
	if err != nil {
		return nil, "", apperr.Wrap(err, apperr.KindInternal, "token")
	}
	if err := s.rdb.Set(ctx, s.keys.TokenKey(token), strconv.FormatInt(user.ID, 10), s.opts.TokenTTL).Err(); err != nil {
		return nil, "", apperr.Transient(err, "store token")
	}

	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	s.logger.Info().Int64("user_id", user.ID).Msg("user logged in")
	return user, token, nil
}

// Resolve returns the user a bearer token was issued to.
func (s *Service) Resolve(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, apperr.PermissionDenied("missing token")
	}
	v, err := s.rdb.Get(ctx, s.keys.TokenKey(token)).Int64()
	if err == redis.Nil {
		return 0, apperr.PermissionDenied("invalid or expired token")
	}
	if err != nil {
		return 0, apperr.Transient(err, "resolve token")
	}
	return v, nil
}

// Logout revokes a token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, s.keys.TokenKey(token)).Err(); err != nil {
		return apperr.Transient(err, "revoke token")
	}
	return nil
}

// ResolveUser returns the account a bearer token was issued to.
func (s *Service) ResolveUser(ctx context.Context, token string) (*models.User, error) {
	userID, err := s.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.PermissionDenied("invalid or expired token")
	}
	return user, nil
}

// PublishKey stores userID's Ed25519 identity key. signature must be the
// key's signature over crypto.KeyProofPayload, proving the caller holds the
// private half. Other members wrap session room keys to this key.
func (s *Service) PublishKey(ctx context.Context, userID int64, publicKey, signature string) error {
	if err := crypto.VerifyKeyProof(userID, publicKey, signature); err != nil {
		return apperr.InvalidArgument("%v", err)
	}
	if err := s.store.SetUserPublicKey(ctx, userID, publicKey); err != nil {
		return err
	}
	s.logger.Info().Int64("user_id", userID).Msg("identity key published")
	return nil
}

// Profile is the part of an account other users may see.
type Profile struct {
	ID        int64  `json:"id,string"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key,omitempty"`
}

// Profile returns userID's public profile.
func (s *Service) Profile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFound("user %d not found", userID)
	}
	return &Profile{ID: user.ID, Name: user.Name, PublicKey: user.PublicKey}, nil
}
