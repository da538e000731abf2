package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// SQLiteStore handles SQLite database operations. Timestamps are stored as
// unix milliseconds. Every transaction begins IMMEDIATE, which takes the
// database write lock up front and serializes membership updates.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatmesh.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatmesh.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		is_admin INTEGER NOT NULL DEFAULT 0,
		public_key TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		avatar_key TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0 CHECK (size >= 0),
		muted_until INTEGER,
		banned_until INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_relations (
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		muted_until INTEGER,
		banned_until INTEGER,
		leaving_to_process INTEGER NOT NULL DEFAULT 0,
		room_key_time INTEGER,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id INTEGER PRIMARY KEY,
		session_id INTEGER NOT NULL,
		sender_id INTEGER,
		bundle TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		is_encrypted INTEGER NOT NULL DEFAULT 0,
		is_all_user INTEGER NOT NULL DEFAULT 0,
		recalled INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS announcements (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		publisher_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_relations_user ON session_relations(user_id);
	CREATE INDEX IF NOT EXISTS idx_relations_leaving ON session_relations(leaving_to_process);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, message_id);
	CREATE INDEX IF NOT EXISTS idx_announcements_created ON announcements(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backend returns the adapter name.
func (s *SQLiteStore) Backend() string {
	return "sqlite"
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return dbErr(op, err)
	}
	return dbErr(op, tx.Commit())
}

func msOf(t time.Time) int64 {
	return t.UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := timeOf(ms.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateUser creates a new user record. The caller assigns the ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, verified, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Verified, u.IsAdmin, msOf(u.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("user name %q is taken", u.Name)
	}
	return dbErr("create user", err)
}

const sqliteUserColumns = `id, name, email, password_hash, verified, is_admin, public_key, created_at`

func scanSQLiteUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	var createdAt int64
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Verified, &u.IsAdmin, &u.PublicKey, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get user", err)
	}
	u.CreatedAt = timeOf(createdAt)
	return u, nil
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByName retrieves a user by login name.
func (s *SQLiteStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE name = ?`, name))
}

// SetUserVerified marks a user's email as verified.
func (s *SQLiteStore) SetUserVerified(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET verified = 1 WHERE id = ?`, id)
	if err != nil {
		return dbErr("verify user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %d not found", id)
	}
	return nil
}

// SetUserPublicKey replaces a user's published identity key.
func (s *SQLiteStore) SetUserPublicKey(ctx context.Context, id int64, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET public_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return dbErr("set public key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %d not found", id)
	}
	return nil
}

// CreateSession inserts a session with its owner as the first member.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session, ownerID int64) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	sess.CreatedAt, sess.UpdatedAt, sess.Size = now, now, 1

	return s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, name, avatar_key, size, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
		`, sess.ID, sess.Name, sess.AvatarKey, msOf(now), msOf(now))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_relations (session_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
		`, sess.ID, ownerID, models.RoleOwner, msOf(now))
		return err
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	return getSQLiteSession(ctx, s.db.QueryRowContext, id)
}

type queryRower func(ctx context.Context, query string, args ...any) *sql.Row

func getSQLiteSession(ctx context.Context, query queryRower, id int64) (*models.Session, error) {
	sess := &models.Session{}
	var mutedUntil, bannedUntil sql.NullInt64
	var createdAt, updatedAt int64
	err := query(ctx, `
		SELECT id, name, avatar_key, size, muted_until, banned_until, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(
		&sess.ID,
		&sess.Name,
		&sess.AvatarKey,
		&sess.Size,
		&mutedUntil,
		&bannedUntil,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get session", err)
	}
	sess.MutedUntil = timePtr(mutedUntil)
	sess.BannedUntil = timePtr(bannedUntil)
	sess.CreatedAt = timeOf(createdAt)
	sess.UpdatedAt = timeOf(updatedAt)
	return sess, nil
}

// SetSessionModeration sets the session-wide mute or ban deadline.
func (s *SQLiteStore) SetSessionModeration(ctx context.Context, id int64, kind Moderation, until *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+kind.column()+` = ?, updated_at = ? WHERE id = ?`,
		msPtr(until), msOf(time.Now()), id)
	if err != nil {
		return dbErr("set session moderation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("session %d not found", id)
	}
	return nil
}

// Join adds userID to the session and increments its size. A pending leave
// is cancelled instead, leaving size unchanged.
func (s *SQLiteStore) Join(ctx context.Context, sessionID, userID int64, role string) (bool, error) {
	var rejoined bool
	err := s.withTx(ctx, "join", func(tx *sql.Tx) error {
		var size int64
		err := tx.QueryRowContext(ctx, `SELECT size FROM sessions WHERE id = ?`, sessionID).Scan(&size)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("session %d not found", sessionID)
		}
		if err != nil {
			return err
		}

		var leaving bool
		err = tx.QueryRowContext(ctx, `
			SELECT leaving_to_process FROM session_relations WHERE session_id = ? AND user_id = ?
		`, sessionID, userID).Scan(&leaving)
		switch {
		case err == nil && !leaving:
			return apperr.Conflict("user %d is already a member of session %d", userID, sessionID)
		case err == nil && leaving:
			rejoined = true
			_, err = tx.ExecContext(ctx, `
				UPDATE session_relations SET leaving_to_process = 0
				WHERE session_id = ? AND user_id = ?
			`, sessionID, userID)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		now := msOf(time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_relations (session_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
		`, sessionID, userID, role, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET size = size + 1, updated_at = ? WHERE id = ?
		`, now, sessionID)
		return err
	})
	return rejoined, err
}

// MarkLeaving flags a relation for asynchronous removal.
func (s *SQLiteStore) MarkLeaving(ctx context.Context, sessionID, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_relations SET leaving_to_process = 1
		WHERE session_id = ? AND user_id = ?
	`, sessionID, userID)
	if err != nil {
		return dbErr("mark leaving", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %d is not a member of session %d", userID, sessionID)
	}
	return nil
}

// keyRows is the part of *sql.Rows collectRelationKeys reads.
type keyRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// collectRelationKeys reads (session_id, user_id) pairs and closes rows. An
// iteration error fails the whole read instead of looking like a short batch.
func collectRelationKeys(rows keyRows) ([]models.SessionRelation, error) {
	defer rows.Close()
	var out []models.SessionRelation
	for rows.Next() {
		var rel models.SessionRelation
		if err := rows.Scan(&rel.SessionID, &rel.UserID); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizeLeaves removes up to limit relations flagged as leaving, each in
// its own transaction that also decrements the session size.
func (s *SQLiteStore) FinalizeLeaves(ctx context.Context, limit int) ([]models.SessionRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id FROM session_relations
		WHERE leaving_to_process = 1
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, dbErr("list leaving", err)
	}
	pending, err := collectRelationKeys(rows)
	if err != nil {
		return nil, dbErr("list leaving", err)
	}

	var done []models.SessionRelation
	for _, rel := range pending {
		var removed bool
		err := s.withTx(ctx, "finalize leave", func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM session_relations
				WHERE session_id = ? AND user_id = ? AND leaving_to_process = 1
			`, rel.SessionID, rel.UserID)
			if err != nil {
				return err
			}
			// A concurrent re-join may have cleared the flag.
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			removed = true
			_, err = tx.ExecContext(ctx, `
				UPDATE sessions SET size = size - 1, updated_at = ? WHERE id = ?
			`, msOf(time.Now()), rel.SessionID)
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

const sqliteRelationColumns = `session_id, user_id, role, muted_until, banned_until, leaving_to_process, room_key_time, joined_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRelation(row scanner) (models.SessionRelation, error) {
	var rel models.SessionRelation
	var mutedUntil, bannedUntil, roomKeyTime sql.NullInt64
	var joinedAt int64
	err := row.Scan(
		&rel.SessionID,
		&rel.UserID,
		&rel.Role,
		&mutedUntil,
		&bannedUntil,
		&rel.LeavingToProcess,
		&roomKeyTime,
		&joinedAt,
	)
	rel.MutedUntil = timePtr(mutedUntil)
	rel.BannedUntil = timePtr(bannedUntil)
	rel.RoomKeyTime = timePtr(roomKeyTime)
	rel.JoinedAt = timeOf(joinedAt)
	return rel, err
}

// GetRelation retrieves one membership row.
func (s *SQLiteStore) GetRelation(ctx context.Context, sessionID, userID int64) (*models.SessionRelation, error) {
	rel, err := scanSQLiteRelation(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRelationColumns+` FROM session_relations
		WHERE session_id = ? AND user_id = ?
	`, sessionID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get relation", err)
	}
	return &rel, nil
}

func (s *SQLiteStore) listRelations(ctx context.Context, op, where string, arg int64) ([]models.SessionRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRelationColumns+` FROM session_relations
		WHERE `+where+` ORDER BY session_id, user_id
	`, arg)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var rels []models.SessionRelation
	for rows.Next() {
		rel, err := scanSQLiteRelation(rows)
		if err != nil {
			return nil, dbErr(op, err)
		}
		rels = append(rels, rel)
	}
	return rels, dbErr(op, rows.Err())
}

// ListRelations returns every relation of a user, including pending leaves.
func (s *SQLiteStore) ListRelations(ctx context.Context, userID int64) ([]models.SessionRelation, error) {
	return s.listRelations(ctx, "list relations", "user_id = ?", userID)
}

// ListMembers returns every relation of a session, including pending leaves.
func (s *SQLiteStore) ListMembers(ctx context.Context, sessionID int64) ([]models.SessionRelation, error) {
	return s.listRelations(ctx, "list members", "session_id = ?", sessionID)
}

// SetRelationModeration sets a member's mute or ban deadline.
func (s *SQLiteStore) SetRelationModeration(ctx context.Context, sessionID, userID int64, kind Moderation, until *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_relations SET `+kind.column()+` = ? WHERE session_id = ? AND user_id = ?`,
		msPtr(until), sessionID, userID)
	if err != nil {
		return dbErr("set relation moderation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %d is not a member of session %d", userID, sessionID)
	}
	return nil
}

// InsertMessage persists rec. The write lock is held while next runs, so
// IDs commit in allocation order.
func (s *SQLiteStore) InsertMessage(ctx context.Context, rec *models.MessageRecord, next IDFunc) error {
	bundle, err := json.Marshal(rec.Bundle)
	if err != nil {
		return apperr.InvalidArgument("bundle is not serializable")
	}

	return s.withTx(ctx, "insert message", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, rec.SessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("session %d not found", rec.SessionID)
		}
		if err != nil {
			return err
		}

		id, at, err := next()
		if err != nil {
			return err
		}
		rec.MessageID, rec.Time = id, at

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, session_id, sender_id, bundle, sent_at, is_encrypted, is_all_user, recalled)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		`, rec.MessageID, rec.SessionID, rec.SenderID, string(bundle), msOf(rec.Time), rec.IsEncrypted, rec.IsAllUser)
		return err
	})
}

const sqliteMessageColumns = `message_id, session_id, sender_id, bundle, sent_at, is_encrypted, is_all_user, recalled`

func scanSQLiteMessage(row scanner) (models.MessageRecord, error) {
	var rec models.MessageRecord
	var sender sql.NullInt64
	var bundle string
	var sentAt int64
	err := row.Scan(
		&rec.MessageID,
		&rec.SessionID,
		&sender,
		&bundle,
		&sentAt,
		&rec.IsEncrypted,
		&rec.IsAllUser,
		&rec.Recalled,
	)
	if err != nil {
		return rec, err
	}
	if sender.Valid {
		id := sender.Int64
		rec.SenderID = &id
	}
	rec.Time = timeOf(sentAt)
	return rec, json.Unmarshal([]byte(bundle), &rec.Bundle)
}

// GetMessage retrieves a message by ID, recalled or not.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*models.MessageRecord, error) {
	rec, err := scanSQLiteMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE message_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get message", err)
	}
	return &rec, nil
}

// SetRecalled flips the recalled flag once. It reports false when the
// message was already recalled.
func (s *SQLiteStore) SetRecalled(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET recalled = 1 WHERE message_id = ? AND recalled = 0
	`, id)
	if err != nil {
		return false, dbErr("recall message", err)
	}
	n, err := res.RowsAffected()
	return n == 1, dbErr("recall message", err)
}

// ListMessagesSince returns up to limit non-recalled messages of a session
// sent after since with IDs above afterID, in ascending ID order.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, sessionID int64, since time.Time, afterID int64, limit int) ([]models.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE session_id = ? AND recalled = 0 AND sent_at > ? AND message_id > ?
		ORDER BY message_id ASC
		LIMIT ?
	`, sessionID, msOf(since), afterID, limit)
	if err != nil {
		return nil, dbErr("list messages", err)
	}
	defer rows.Close()

	var recs []models.MessageRecord
	for rows.Next() {
		rec, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, dbErr("list messages", err)
		}
		recs = append(recs, rec)
	}
	return recs, dbErr("list messages", rows.Err())
}

// InsertAnnouncement persists an announcement. The caller assigns the ID.
func (s *SQLiteStore) InsertAnnouncement(ctx context.Context, a *models.Announcement) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO announcements (id, title, content, publisher_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Title, a.Content, a.PublisherID, msOf(a.CreatedAt))
	return dbErr("insert announcement", err)
}

// ListAnnouncementsSince returns announcements created after since, oldest first.
func (s *SQLiteStore) ListAnnouncementsSince(ctx context.Context, since time.Time, limit int) ([]models.Announcement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, publisher_id, created_at FROM announcements
		WHERE created_at > ?
		ORDER BY id ASC
		LIMIT ?
	`, msOf(since), limit)
	if err != nil {
		return nil, dbErr("list announcements", err)
	}
	defer rows.Close()

	var out []models.Announcement
	for rows.Next() {
		var a models.Announcement
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.PublisherID, &createdAt); err != nil {
			return nil, dbErr("list announcements", err)
		}
		a.CreatedAt = timeOf(createdAt)
		out = append(out, a)
	}
	return out, dbErr("list announcements", rows.Err())
}
