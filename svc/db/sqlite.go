package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"timevault/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS capsules (
		id TEXT PRIMARY KEY,
		share_token TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		sealed_blob BLOB,
		encrypted_dek BLOB,
		media_ref TEXT NOT NULL DEFAULT '',
		media_kind TEXT NOT NULL DEFAULT '',
		recipient_email TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		unlock_at DATETIME NOT NULL,
		open_once INTEGER NOT NULL DEFAULT 0,
		is_opened INTEGER NOT NULL DEFAULT 0,
		notification_sent INTEGER NOT NULL DEFAULT 0,
		creator_ip_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capsules_notify ON capsules(notification_sent, unlock_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// normalizeResponseTime flattens lookup latency so a missing token and a
// present one are not distinguishable by response time alone.
func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func (s *SQLite) Create(ctx context.Context, c *domain.Capsule) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO capsules (id, share_token, title, sealed_blob, encrypted_dek, media_ref, media_kind,
		recipient_email, password_hash, unlock_at, open_once, is_opened, notification_sent, creator_ip_hash, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		c.ID, c.ShareToken, c.Title, c.SealedBlob, c.EncryptedDEK, c.MediaRef, string(c.MediaKind),
		c.RecipientEmail, c.PasswordHash, c.UnlockAt, c.OpenOnce, c.CreatorIPHash, c.CreatedAt,
	)
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

const capsuleColumns = `id, share_token, title, sealed_blob, encrypted_dek, media_ref, media_kind,
	recipient_email, password_hash, unlock_at, open_once, is_opened, notification_sent, creator_ip_hash, created_at`

func (s *SQLite) scanCapsule(row *sql.Row) (*domain.Capsule, error) {
	var c domain.Capsule
	var mediaKind string
	err := row.Scan(
		&c.ID, &c.ShareToken, &c.Title, &c.SealedBlob, &c.EncryptedDEK, &c.MediaRef, &mediaKind,
		&c.RecipientEmail, &c.PasswordHash, &c.UnlockAt, &c.OpenOnce, &c.IsOpened, &c.NotificationSent,
		&c.CreatorIPHash, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCapsuleNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	c.MediaKind = domain.MediaKind(mediaKind)
	return &c, nil
}

func (s *SQLite) GetByShareToken(ctx context.Context, shareToken string) (*domain.Capsule, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + capsuleColumns + ` FROM capsules WHERE share_token = ?`
	return s.scanCapsule(s.db.QueryRowContext(queryCtx, q, shareToken))
}

func (s *SQLite) GetByID(ctx context.Context, id string) (*domain.Capsule, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + capsuleColumns + ` FROM capsules WHERE id = ?`
	return s.scanCapsule(s.db.QueryRowContext(queryCtx, q, id))
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM capsules WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// MarkOpened flips is_opened as a single conditional update. The WHERE
// clause is the concurrency guard: of N simultaneous first-opens exactly one
// observes RowsAffected == 1. The call is idempotent either way.
func (s *SQLite) MarkOpened(ctx context.Context, shareToken string) (won bool, err error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE capsules SET is_opened = 1 WHERE share_token = ? AND is_opened = 0`, shareToken)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "mark opened")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "mark opened rows")
	}
	return n == 1, nil
}

// MarkNotified is the same conditional-update pattern for the notification
// flag, keyed by internal id since only the notifier calls it.
func (s *SQLite) MarkNotified(ctx context.Context, id string) (won bool, err error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE capsules SET notification_sent = 1 WHERE id = ? AND notification_sent = 0`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "mark notified")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "mark notified rows")
	}
	return n == 1, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM capsules WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete capsule")
}

// DueNotifications lists capsules whose unlock instant has passed, that name
// a recipient, and that have not been notified yet.
func (s *SQLite) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*domain.Capsule, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + capsuleColumns + `
	FROM capsules
	WHERE notification_sent = 0 AND recipient_email != '' AND unlock_at <= ?
	ORDER BY unlock_at
	LIMIT ?`
	rows, err := s.db.QueryContext(queryCtx, q, now, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "due notifications")
	}
	defer rows.Close()
	var out []*domain.Capsule
	for rows.Next() {
		var c domain.Capsule
		var mediaKind string
		if err := rows.Scan(
			&c.ID, &c.ShareToken, &c.Title, &c.SealedBlob, &c.EncryptedDEK, &c.MediaRef, &mediaKind,
			&c.RecipientEmail, &c.PasswordHash, &c.UnlockAt, &c.OpenOnce, &c.IsOpened, &c.NotificationSent,
			&c.CreatorIPHash, &c.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan due notification")
		}
		c.MediaKind = domain.MediaKind(mediaKind)
		out = append(out, &c)
	}
	return out, errors.Wrap(rows.Err(), "due notifications rows")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
