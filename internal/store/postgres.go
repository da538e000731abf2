package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		public_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		avatar_key TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0 CHECK (size >= 0),
		muted_until TIMESTAMPTZ,
		banned_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS session_relations (
		session_id BIGINT NOT NULL REFERENCES sessions(id),
		user_id BIGINT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		muted_until TIMESTAMPTZ,
		banned_until TIMESTAMPTZ,
		leaving_to_process BOOLEAN NOT NULL DEFAULT FALSE,
		room_key_time TIMESTAMPTZ,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id BIGINT PRIMARY KEY,
		session_id BIGINT NOT NULL,
		sender_id BIGINT,
		bundle JSONB NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL,
		is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		is_all_user BOOLEAN NOT NULL DEFAULT FALSE,
		recalled BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS announcements (
		id BIGINT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		publisher_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_relations_user ON session_relations(user_id);
	CREATE INDEX IF NOT EXISTS idx_relations_leaving ON session_relations(session_id, user_id) WHERE leaving_to_process;
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, message_id);
	CREATE INDEX IF NOT EXISTS idx_announcements_created ON announcements(created_at);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Backend returns the adapter name.
func (s *PostgresStore) Backend() string {
	return "postgres"
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	return dbErr(op, pgx.BeginFunc(ctx, s.pool, fn))
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser creates a new user record. The caller assigns the ID.
func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, verified, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Verified, u.IsAdmin).Scan(&u.CreatedAt)
	if isPgUniqueViolation(err) {
		return apperr.Conflict("user name %q is taken", u.Name)
	}
	return dbErr("create user", err)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, verified, is_admin, public_key, created_at
		FROM users WHERE `+where, arg).Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Verified,
		&u.IsAdmin,
		&u.PublicKey,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get user", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

// GetUserByName retrieves a user by login name.
func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.getUser(ctx, "name = $1", name)
}

// SetUserVerified marks a user's email as verified.
func (s *PostgresStore) SetUserVerified(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return dbErr("verify user", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user %d not found", id)
	}
	return nil
}

// SetUserPublicKey replaces a user's published identity key.
func (s *PostgresStore) SetUserPublicKey(ctx context.Context, id int64, key string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET public_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		return dbErr("set public key", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user %d not found", id)
	}
	return nil
}

// CreateSession inserts a session with its owner as the first member.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session, ownerID int64) error {
	return s.withTx(ctx, "create session", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO sessions (id, name, avatar_key, size)
			VALUES ($1, $2, $3, 1)
			RETURNING size, created_at, updated_at
		`, sess.ID, sess.Name, sess.AvatarKey).Scan(&sess.Size, &sess.CreatedAt, &sess.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO session_relations (session_id, user_id, role)
			VALUES ($1, $2, $3)
		`, sess.ID, ownerID, models.RoleOwner)
		return err
	})
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	sess := &models.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, avatar_key, size, muted_until, banned_until, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id).Scan(
		&sess.ID,
		&sess.Name,
		&sess.AvatarKey,
		&sess.Size,
		&sess.MutedUntil,
		&sess.BannedUntil,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get session", err)
	}
	return sess, nil
}

// SetSessionModeration sets the session-wide mute or ban deadline.
func (s *PostgresStore) SetSessionModeration(ctx context.Context, id int64, kind Moderation, until *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET `+kind.column()+` = $1, updated_at = NOW() WHERE id = $2`, until, id)
	if err != nil {
		return dbErr("set session moderation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session %d not found", id)
	}
	return nil
}

// lockSession takes the row lock that serializes size updates.
func lockSession(ctx context.Context, tx pgx.Tx, sessionID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("session %d not found", sessionID)
	}
	return err
}

// Join adds userID to the session and increments its size. A pending leave
// is cancelled instead, leaving size unchanged.
func (s *PostgresStore) Join(ctx context.Context, sessionID, userID int64, role string) (bool, error) {
	var rejoined bool
	err := s.withTx(ctx, "join", func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}

		var leaving bool
		err := tx.QueryRow(ctx, `
			SELECT leaving_to_process FROM session_relations
			WHERE session_id = $1 AND user_id = $2
		`, sessionID, userID).Scan(&leaving)
		switch {
		case err == nil && !leaving:
			return apperr.Conflict("user %d is already a member of session %d", userID, sessionID)
		case err == nil && leaving:
			rejoined = true
			_, err = tx.Exec(ctx, `
				UPDATE session_relations SET leaving_to_process = FALSE
				WHERE session_id = $1 AND user_id = $2
			`, sessionID, userID)
			return err
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO session_relations (session_id, user_id, role)
			VALUES ($1, $2, $3)
		`, sessionID, userID, role); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE sessions SET size = size + 1, updated_at = NOW() WHERE id = $1
		`, sessionID)
		return err
	})
	return rejoined, err
}

// MarkLeaving flags a relation for asynchronous removal.
func (s *PostgresStore) MarkLeaving(ctx context.Context, sessionID, userID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_relations SET leaving_to_process = TRUE
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID)
	if err != nil {
		return dbErr("mark leaving", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user %d is not a member of session %d", userID, sessionID)
	}
	return nil
}

// FinalizeLeaves removes up to limit relations flagged as leaving, each in
// its own transaction holding the session lock.
func (s *PostgresStore) FinalizeLeaves(ctx context.Context, limit int) ([]models.SessionRelation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id FROM session_relations
		WHERE leaving_to_process
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, dbErr("list leaving", err)
	}
	pending, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SessionRelation, error) {
		var rel models.SessionRelation
		err := row.Scan(&rel.SessionID, &rel.UserID)
		return rel, err
	})
	if err != nil {
		return nil, dbErr("list leaving", err)
	}

	var done []models.SessionRelation
	for _, rel := range pending {
		var removed bool
		err := s.withTx(ctx, "finalize leave", func(tx pgx.Tx) error {
			if err := lockSession(ctx, tx, rel.SessionID); err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				DELETE FROM session_relations
				WHERE session_id = $1 AND user_id = $2 AND leaving_to_process
			`, rel.SessionID, rel.UserID)
			if err != nil {
				return err
			}
			// A concurrent re-join may have cleared the flag.
			if tag.RowsAffected() == 0 {
				return nil
			}
			removed = true
			_, err = tx.Exec(ctx, `
				UPDATE sessions SET size = size - 1, updated_at = NOW() WHERE id = $1
			`, rel.SessionID)
			return err
		})
		if err != nil {
			return done, err
		}
		if removed {
			done = append(done, rel)
		}
	}
	return done, nil
}

const pgRelationColumns = `session_id, user_id, role, muted_until, banned_until, leaving_to_process, room_key_time, joined_at`

func scanPgRelation(row pgx.Row) (models.SessionRelation, error) {
	var rel models.SessionRelation
	err := row.Scan(
		&rel.SessionID,
		&rel.UserID,
		&rel.Role,
		&rel.MutedUntil,
		&rel.BannedUntil,
		&rel.LeavingToProcess,
		&rel.RoomKeyTime,
		&rel.JoinedAt,
	)
	return rel, err
}

// GetRelation retrieves one membership row.
func (s *PostgresStore) GetRelation(ctx context.Context, sessionID, userID int64) (*models.SessionRelation, error) {
	rel, err := scanPgRelation(s.pool.QueryRow(ctx, `
		SELECT `+pgRelationColumns+` FROM session_relations
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get relation", err)
	}
	return &rel, nil
}

func (s *PostgresStore) listRelations(ctx context.Context, op, where string, arg int64) ([]models.SessionRelation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRelationColumns+` FROM session_relations
		WHERE `+where+` ORDER BY session_id, user_id
	`, arg)
	if err != nil {
		return nil, dbErr(op, err)
	}
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SessionRelation, error) {
		return scanPgRelation(row)
	})
	return rels, dbErr(op, err)
}

// ListRelations returns every relation of a user, including pending leaves.
func (s *PostgresStore) ListRelations(ctx context.Context, userID int64) ([]models.SessionRelation, error) {
	return s.listRelations(ctx, "list relations", "user_id = $1", userID)
}

// ListMembers returns every relation of a session, including pending leaves.
func (s *PostgresStore) ListMembers(ctx context.Context, sessionID int64) ([]models.SessionRelation, error) {
	return s.listRelations(ctx, "list members", "session_id = $1", sessionID)
}

// SetRelationModeration sets a member's mute or ban deadline.
func (s *PostgresStore) SetRelationModeration(ctx context.Context, sessionID, userID int64, kind Moderation, until *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session_relations SET `+kind.column()+` = $1 WHERE session_id = $2 AND user_id = $3`,
		until, sessionID, userID)
	if err != nil {
		return dbErr("set relation moderation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user %d is not a member of session %d", userID, sessionID)
	}
	return nil
}

// InsertMessage persists rec. The session row stays locked while next runs,
// so IDs within a session commit in allocation order.
func (s *PostgresStore) InsertMessage(ctx context.Context, rec *models.MessageRecord, next IDFunc) error {
	bundle, err := json.Marshal(rec.Bundle)
	if err != nil {
		return apperr.InvalidArgument("bundle is not serializable")
	}

	return s.withTx(ctx, "insert message", func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, rec.SessionID); err != nil {
			return err
		}

		id, at, err := next()
		if err != nil {
			return err
		}
		rec.MessageID, rec.Time = id, at

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (message_id, session_id, sender_id, bundle, sent_at, is_encrypted, is_all_user)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.MessageID, rec.SessionID, rec.SenderID, string(bundle), rec.Time, rec.IsEncrypted, rec.IsAllUser)
		return err
	})
}

const pgMessageColumns = `message_id, session_id, sender_id, bundle, sent_at, is_encrypted, is_all_user, recalled`

func scanPgMessage(row pgx.Row) (models.MessageRecord, error) {
	var rec models.MessageRecord
	var bundle []byte
	err := row.Scan(
		&rec.MessageID,
		&rec.SessionID,
		&rec.SenderID,
		&bundle,
		&rec.Time,
		&rec.IsEncrypted,
		&rec.IsAllUser,
		&rec.Recalled,
	)
	if err != nil {
		return rec, err
	}
	rec.Time = rec.Time.UTC()
	return rec, json.Unmarshal(bundle, &rec.Bundle)
}

// GetMessage retrieves a message by ID, recalled or not.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*models.MessageRecord, error) {
	rec, err := scanPgMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM messages WHERE message_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get message", err)
	}
	return &rec, nil
}

// SetRecalled flips the recalled flag once. It reports false when the
// message was already recalled.
func (s *PostgresStore) SetRecalled(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET recalled = TRUE WHERE message_id = $1 AND NOT recalled
	`, id)
	if err != nil {
		return false, dbErr("recall message", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMessagesSince returns up to limit non-recalled messages of a session
// sent after since with IDs above afterID, in ascending ID order.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, sessionID int64, since time.Time, afterID int64, limit int) ([]models.MessageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE session_id = $1 AND NOT recalled AND sent_at > $2 AND message_id > $3
		ORDER BY message_id ASC
		LIMIT $4
	`, sessionID, since, afterID, limit)
	if err != nil {
		return nil, dbErr("list messages", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MessageRecord, error) {
		return scanPgMessage(row)
	})
	return recs, dbErr("list messages", err)
}

// InsertAnnouncement persists an announcement. The caller assigns the ID.
func (s *PostgresStore) InsertAnnouncement(ctx context.Context, a *models.Announcement) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO announcements (id, title, content, publisher_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Title, a.Content, a.PublisherID, a.CreatedAt)
	return dbErr("insert announcement", err)
}

// ListAnnouncementsSince returns announcements created after since, oldest first.
func (s *PostgresStore) ListAnnouncementsSince(ctx context.Context, since time.Time, limit int) ([]models.Announcement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, publisher_id, created_at FROM announcements
		WHERE created_at > $1
		ORDER BY id ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, dbErr("list announcements", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Announcement, error) {
		var a models.Announcement
		err := row.Scan(&a.ID, &a.Title, &a.Content, &a.PublisherID, &a.CreatedAt)
		return a, err
	})
	return out, dbErr("list announcements", err)
}
