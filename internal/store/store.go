package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatdash/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	driver string
}

// New wraps db. driver selects placeholder and upsert syntax and must be
// one of "sqlite", "pgx" or "mysql".
func New(db *sql.DB, driver string) *Store { return &Store{db: db, driver: driver} }

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "pgx" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.exec(ctx,
		`INSERT INTO sessions(id,token_hash,backend_token,username,email,role,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.TokenHash, sess.BackendToken, sess.Username, sess.Email, sess.Role, sess.IPHint, sess.UserAgentHash, sess.ExpiresAt, sess.IdleExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	var sess models.Session
	var revoked sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id,token_hash,backend_token,username,email,role,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at,revoked_at FROM sessions WHERE token_hash=?`,
		tokenHash,
	).Scan(&sess.ID, &sess.TokenHash, &sess.BackendToken, &sess.Username, &sess.Email, &sess.Role, &sess.IPHint, &sess.UserAgentHash, &sess.ExpiresAt, &sess.IdleExpiresAt, &sess.CreatedAt, &sess.LastSeenAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, idleExpiry time.Time) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `UPDATE sessions SET last_seen_at=?, idle_expires_at=? WHERE id=?`, now, idleExpiry, id)
	return err
}

// UpdateSessionIdentity refreshes the cached username and role after the
// profile is reloaded from the backend.
func (s *Store) UpdateSessionIdentity(ctx context.Context, id, username, email, role string) error {
	_, err := s.exec(ctx, `UPDATE sessions SET username=?, email=?, role=? WHERE id=?`, username, email, role, id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `UPDATE sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	return err
}

// DeleteSessionsBefore removes sessions that expired or were revoked before
// cutoff.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM sessions WHERE expires_at < ? OR idle_expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)`,
		cutoff, cutoff, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertAudit(ctx context.Context, actor, action, target, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_log(id,actor,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), actor, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	var where []string
	var args []any
	if q.Action != "" {
		where = append(where, "action=?")
		args = append(args, q.Action)
	}
	if q.Actor != "" {
		where = append(where, "actor=?")
		args = append(args, q.Actor)
	}
	if !q.From.IsZero() {
		where = append(where, "created_at>=?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where = append(where, "created_at<=?")
		args = append(args, q.To.UTC())
	}
	stmt := `SELECT id,actor,action,target,metadata_json,created_at FROM audit_log`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, q.Limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) IncrementRateEvent(ctx context.Context, key, route string, windowStart time.Time) (int, error) {
	now := time.Now().UTC()
	upsert := `INSERT INTO rate_limit_events(id,bucket_key,route,window_start,count,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(bucket_key, route, window_start)
		 DO UPDATE SET count = rate_limit_events.count + 1, updated_at = excluded.updated_at`
	if s.driver == "mysql" {
		upsert = `INSERT INTO rate_limit_events(id,bucket_key,route,window_start,count,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON DUPLICATE KEY UPDATE count = count + 1, updated_at = VALUES(updated_at)`
	}
	if _, err := s.exec(ctx, upsert, uuid.NewString(), key, route, windowStart, 1, now, now); err != nil {
		return 0, err
	}

	var count int
	if err := s.queryRow(ctx, `SELECT count FROM rate_limit_events WHERE bucket_key=? AND route=? AND window_start=?`, key, route, windowStart).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountRateEvents returns the current counter without incrementing it.
func (s *Store) CountRateEvents(ctx context.Context, key, route string, windowStart time.Time) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT count FROM rate_limit_events WHERE bucket_key=? AND route=? AND window_start=?`, key, route, windowStart).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (s *Store) DeleteRateEvents(ctx context.Context, key, route string) error {
	_, err := s.exec(ctx, `DELETE FROM rate_limit_events WHERE bucket_key=? AND route=?`, key, route)
	return err
}

func (s *Store) CleanupRateEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM rate_limit_events WHERE window_start < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
