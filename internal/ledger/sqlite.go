package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteLedger implements Ledger using SQLite. Driver "sqlite3" is the cgo
// build, "sqlite" the pure Go one.
type SQLiteLedger struct {
	db            *sql.DB
	leaseDuration time.Duration
}

// NewSQLiteLedger opens (and migrates) a SQLite-backed ledger.
func NewSQLiteLedger(driver, dbPath string, leaseDuration time.Duration) (*SQLiteLedger, error) {
	if driver != "sqlite3" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteLedger{db: db, leaseDuration: leaseDuration}, nil
}

func migrateSQLite(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leases (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			original_name TEXT NOT NULL,
			uploaded_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_owner ON leases(owner, uploaded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

const selectColumns = `key, owner, content_type, size, original_name, uploaded_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var uploadedAt, expiresAt int64
	if err := row.Scan(&rec.Key, &rec.Owner, &rec.ContentType, &rec.Size, &rec.OriginalName, &uploadedAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.UploadedAt = fromMillis(uploadedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return &rec, nil
}

func (l *SQLiteLedger) Create(ctx context.Context, key, owner string, meta Metadata, now time.Time) (*Record, error) {
	now = truncate(now)
	rec := &Record{
		Key:          key,
		Owner:        normalizeOwner(owner),
		ContentType:  meta.ContentType,
		Size:         meta.Size,
		OriginalName: meta.OriginalName,
		UploadedAt:   now,
		ExpiresAt:    now.Add(l.leaseDuration),
	}

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO leases (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, rec.Key, rec.Owner, rec.ContentType, rec.Size, rec.OriginalName, toMillis(rec.UploadedAt), toMillis(rec.ExpiresAt))
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrConflict
	}
	return rec, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, key string) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM leases WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *SQLiteLedger) ListByOwner(ctx context.Context, owner string, now time.Time) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM leases
		WHERE owner = ? AND expires_at >= ?
		ORDER BY uploaded_at DESC, key DESC
	`, normalizeOwner(owner), toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *SQLiteLedger) IsOwner(ctx context.Context, key, identity string) (bool, error) {
	return isOwner(ctx, l, key, identity)
}

func (l *SQLiteLedger) IsExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	return isExpired(ctx, l, key, now)
}

func (l *SQLiteLedger) ExtendExpiry(ctx context.Context, key string, now time.Time, d time.Duration) (time.Time, time.Time, error) {
	return extendExpiry(ctx, l, key, now, d)
}

func (l *SQLiteLedger) swapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error) {
	result, err := l.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE key = ? AND expires_at = ?
	`, toMillis(next), key, toMillis(prev))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (l *SQLiteLedger) Delete(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ?`, key)
	return err
}

func (l *SQLiteLedger) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND expires_at < ?`, key, toMillis(now))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (l *SQLiteLedger) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *SQLiteLedger) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	nowMs := toMillis(now)
	row := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at >= ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT owner),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(CASE WHEN expires_at >= ? THEN size ELSE 0 END), 0),
			COALESCE(MIN(uploaded_at), 0),
			COALESCE(MAX(uploaded_at), 0)
		FROM leases
	`, nowMs, nowMs)

	stats := &Stats{}
	var oldest, newest int64
	if err := row.Scan(&stats.TotalLeases, &stats.ActiveLeases, &stats.Owners, &stats.TotalBytes, &stats.ActiveBytes, &oldest, &newest); err != nil {
		return nil, err
	}
	stats.ExpiredLeases = stats.TotalLeases - stats.ActiveLeases
	if stats.TotalLeases > 0 {
		stats.OldestUpload = fromMillis(oldest)
		stats.NewestUpload = fromMillis(newest)
	}
	return stats, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
