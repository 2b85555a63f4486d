package cache

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/errors"
)

const sharedCacheSchema = `
CREATE TABLE IF NOT EXISTS shared_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shared_cache_expiry ON shared_cache(expires_at);
`

// SQLiteSharedStore backs the shared cache tier with a SQLite table, so
// several processes on one host share read results through the database
// file. Entries may be evicted independently of the local tier.
type SQLiteSharedStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteSharedStore creates the store and ensures the schema exists.
func NewSQLiteSharedStore(db *sql.DB, logger *zap.SugaredLogger) (*SQLiteSharedStore, error) {
	if _, err := db.Exec(sharedCacheSchema); err != nil {
		return nil, errors.Wrap(err, "failed to initialize shared cache schema")
	}
	return &SQLiteSharedStore{db: db, logger: logger}, nil
}

// Get returns the value and its absolute expiry. Expired rows are removed
// lazily and reported as misses.
func (s *SQLiteSharedStore) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var value []byte
	var expiresMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM shared_cache WHERE key = ?", key,
	).Scan(&value, &expiresMs)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, errors.Wrap(err, "shared cache get failed")
	}

	expiresAt := time.UnixMilli(expiresMs)
	if !time.Now().Before(expiresAt) {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM shared_cache WHERE key = ?", key)
		return nil, time.Time{}, false, nil
	}
	return value, expiresAt, true, nil
}

// Set stores the value with an absolute expiry of now+ttl.
func (s *SQLiteSharedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresMs := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shared_cache (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, expiresMs)
	if err != nil {
		return errors.Wrap(err, "shared cache set failed")
	}
	return nil
}

// Delete removes one key.
func (s *SQLiteSharedStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM shared_cache WHERE key = ?", key)
	if err != nil {
		return errors.Wrap(err, "shared cache delete failed")
	}
	return nil
}

// DeletePattern removes keys matching a glob pattern (* and ? wildcards).
func (s *SQLiteSharedStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM shared_cache WHERE key LIKE ? ESCAPE '\'`,
		globToLike(pattern),
	)
	if err != nil {
		return 0, errors.Wrap(err, "shared cache pattern delete failed")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeExpired removes entries past their expiry. Run from a background
// sweep to bound table growth.
func (s *SQLiteSharedStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM shared_cache WHERE expires_at <= ?", time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "shared cache purge failed")
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.logger != nil {
		s.logger.Debugw("Purged expired shared cache entries", "count", n)
	}
	return int(n), nil
}

// globToLike translates a glob pattern into a SQL LIKE pattern, escaping
// LIKE metacharacters in the literal parts.
func globToLike(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteByte('%')
		case '?':
			sb.WriteByte('_')
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
