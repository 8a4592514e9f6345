package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/toolrelay/relay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on top of a pure-Go SQLite driver. Lists
// are modeled as ordinary tables ordered by an autoincrement primary
// key; a drain is a single transaction that selects and deletes a
// session's rows in one range, which is atomic with respect to
// concurrent appends landing in their own transactions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a SQLite-backed Store at
// dbPath, in WAL mode with a busy timeout so concurrent handlers don't
// trip over each other under load.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS sessions (
		code TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS request_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL,
		payload TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_queue_code ON request_queue(code, seq);
	CREATE INDEX IF NOT EXISTS idx_request_queue_expires ON request_queue(expires_at);

	CREATE TABLE IF NOT EXISTS response_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL,
		req_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_response_queue_code ON response_queue(code, seq);
	CREATE INDEX IF NOT EXISTS idx_response_queue_expires ON response_queue(expires_at);

	CREATE TABLE IF NOT EXISTS rate_limits (
		key TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_expires ON rate_limits(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession writes a new session record. Collisions (the code
// already exists, expired or not) are reported so the caller can retry
// with a freshly generated code — the relay's session generator relies
// on this to implement the SETNX-style retry-on-collision contract.
func (s *SQLiteStore) CreateSession(ctx context.Context, code string, ttl time.Duration) (domain.Session, error) {
	now := time.Now().UTC()
	sess := domain.Session{
		Code:         code,
		CreatedAt:    now,
		LastActivity: now,
		TTLSeconds:   int(ttl.Seconds()),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (code, created_at, last_activity, ttl_seconds, revision, expires_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		code, now.Unix(), now.Unix(), sess.TTLSeconds, now.Add(ttl).Unix(),
	)
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session record for code, or ErrNotFound if it
// does not exist or its TTL has lapsed.
func (s *SQLiteStore) GetSession(ctx context.Context, code string) (domain.Session, error) {
	now := time.Now().UTC().Unix()
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity, ttl_seconds, revision
		 FROM sessions WHERE code = ? AND expires_at > ?`,
		code, now,
	)
	var createdAt, lastActivity int64
	var ttlSeconds int
	var revision int64
	if err := row.Scan(&createdAt, &lastActivity, &ttlSeconds, &revision); err != nil {
		if err == sql.ErrNoRows {
			return domain.Session{}, ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return domain.Session{
		Code:         code,
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
		LastActivity: time.Unix(lastActivity, 0).UTC(),
		TTLSeconds:   ttlSeconds,
		Revision:     revision,
	}, nil
}

func (s *SQLiteStore) touchSession(ctx context.Context, code string) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ?, revision = revision + 1 WHERE code = ?`,
		now, code,
	)
	return err
}

// AppendRequest appends req to request_queue and refreshes the
// session's queue TTL: every still-live row for code is moved to the
// new append-time horizon, and the new row is written with it.
func (s *SQLiteStore) AppendRequest(ctx context.Context, code string, req domain.RequestEnvelope, queueTTL time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request envelope: %w", err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(queueTTL).Unix()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE request_queue SET expires_at = ? WHERE code = ? AND expires_at > ?`,
		expiresAt, code, now.Unix(),
	); err != nil {
		return fmt.Errorf("refresh request queue ttl: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request_queue (code, payload, expires_at) VALUES (?, ?, ?)`,
		code, payload, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("append request: %w", err)
	}
	if err := s.touchSession(ctx, code); err != nil {
		slog.Warn("touch session after request append failed", "code", code, "error", err)
	}
	return nil
}

// DrainRequests selects and deletes every queued request for code in a
// single transaction (the "rename-and-drain" pattern): the SELECT
// establishes a snapshot range by seq, and the DELETE removes exactly
// that range, so a concurrent POST /request landing mid-transaction
// either lands before the snapshot (and is drained) or after it (and
// survives for the next tick) — it can never be split.
func (s *SQLiteStore) DrainRequests(ctx context.Context, code string) ([]domain.RequestEnvelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, payload FROM request_queue WHERE code = ? AND expires_at > ? ORDER BY seq`,
		code, now,
	)
	if err != nil {
		return nil, fmt.Errorf("select request queue: %w", err)
	}

	var envelopes []domain.RequestEnvelope
	var maxSeq, minSeq int64
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		if minSeq == 0 || seq < minSeq {
			minSeq = seq
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		var env domain.RequestEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("drop unparseable request envelope", "code", code, "seq", seq, "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate request queue: %w", err)
	}
	_ = rows.Close()

	if maxSeq != 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM request_queue WHERE code = ? AND seq BETWEEN ? AND ?`,
			code, minSeq, maxSeq,
		); err != nil {
			return nil, fmt.Errorf("delete drained requests: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain tx: %w", err)
	}
	return envelopes, nil
}

// AppendResponse appends resp to response_queue and refreshes its TTL
// horizon, mirroring AppendRequest.
func (s *SQLiteStore) AppendResponse(ctx context.Context, code string, resp domain.ResponseEnvelope, queueTTL time.Duration) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response envelope: %w", err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(queueTTL).Unix()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE response_queue SET expires_at = ? WHERE code = ? AND expires_at > ?`,
		expiresAt, code, now.Unix(),
	); err != nil {
		return fmt.Errorf("refresh response queue ttl: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO response_queue (code, req_id, payload, expires_at) VALUES (?, ?, ?, ?)`,
		code, resp.ID, payload, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("append response: %w", err)
	}
	if err := s.touchSession(ctx, code); err != nil {
		slog.Warn("touch session after response append failed", "code", code, "error", err)
	}
	return nil
}

// FindResponse scans the session's response queue for an unexpired
// envelope matching id. It does not remove the row: producers may poll
// more than once, and the row naturally falls out of scope once its TTL
// lapses.
func (s *SQLiteStore) FindResponse(ctx context.Context, code, id string) (domain.ResponseEnvelope, bool, error) {
	now := time.Now().UTC().Unix()
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM response_queue WHERE code = ? AND req_id = ? AND expires_at > ? ORDER BY seq LIMIT 1`,
		code, id, now,
	)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return domain.ResponseEnvelope{}, false, nil
		}
		return domain.ResponseEnvelope{}, false, fmt.Errorf("scan response row: %w", err)
	}
	var env domain.ResponseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.ResponseEnvelope{}, false, fmt.Errorf("unmarshal response envelope: %w", err)
	}
	return env, true, nil
}

// IncrementRateLimit atomically bumps the sliding-window counter at
// key, setting its TTL on the first increment of a fresh window.
func (s *SQLiteStore) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	var count int64
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT count, expires_at FROM rate_limits WHERE key = ?`, key).Scan(&count, &expiresAt)
	switch {
	case err == sql.ErrNoRows || (err == nil && expiresAt <= now.Unix()):
		count = 1
		expiresAt = now.Add(window).Unix()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limits (key, count, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET count = 1, expires_at = excluded.expires_at`,
			key, count, expiresAt,
		); err != nil {
			return 0, fmt.Errorf("reset rate limit window: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("read rate limit counter: %w", err)
	default:
		count++
		if _, err := tx.ExecContext(ctx, `UPDATE rate_limits SET count = ? WHERE key = ?`, count, key); err != nil {
			return 0, fmt.Errorf("increment rate limit counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rate limit tx: %w", err)
	}
	return count, nil
}

// Sweep deletes every row whose TTL has lapsed, across all four
// tables. Retries on SQLITE_BUSY with a short backoff, matching the
// relay's general retry-on-conflict posture.
func (s *SQLiteStore) Sweep(ctx context.Context) error {
	now := time.Now().UTC().Unix()
	stmts := []string{
		`DELETE FROM sessions WHERE expires_at <= ?`,
		`DELETE FROM request_queue WHERE expires_at <= ?`,
		`DELETE FROM response_queue WHERE expires_at <= ?`,
		`DELETE FROM rate_limits WHERE expires_at <= ?`,
	}
	for _, stmt := range stmts {
		if err := s.execWithRetry(ctx, stmt, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isSQLiteConflictError(err) {
			return fmt.Errorf("exec: %w", err)
		}
		delay := baseDelay * time.Duration(1<<i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("exec after %d retries: %w", maxRetries, lastErr)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
