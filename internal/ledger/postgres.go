package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger implements Ledger on PostgreSQL.
type PostgresLedger struct {
	pool          *pgxpool.Pool
	leaseDuration time.Duration
}

// NewPostgresLedger connects to dsn and migrates the schema.
func NewPostgresLedger(ctx context.Context, dsn string, leaseDuration time.Duration) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	l := &PostgresLedger{pool: pool, leaseDuration: leaseDuration}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leases (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size BIGINT NOT NULL,
			original_name TEXT NOT NULL,
			uploaded_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_owner ON leases(owner, uploaded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) Create(ctx context.Context, key, owner string, meta Metadata, now time.Time) (*Record, error) {
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

	tag, err := l.pool.Exec(ctx, `
		INSERT INTO leases (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.Owner, rec.ContentType, rec.Size, rec.OriginalName, toMillis(rec.UploadedAt), toMillis(rec.ExpiresAt))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConflict
	}
	return rec, nil
}

func (l *PostgresLedger) Get(ctx context.Context, key string) (*Record, error) {
	rec, err := scanRecord(l.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM leases WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *PostgresLedger) ListByOwner(ctx context.Context, owner string, now time.Time) ([]*Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM leases
		WHERE owner = $1 AND expires_at >= $2
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

func (l *PostgresLedger) IsOwner(ctx context.Context, key, identity string) (bool, error) {
	return isOwner(ctx, l, key, identity)
}

func (l *PostgresLedger) IsExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	return isExpired(ctx, l, key, now)
}

func (l *PostgresLedger) ExtendExpiry(ctx context.Context, key string, now time.Time, d time.Duration) (time.Time, time.Time, error) {
	return extendExpiry(ctx, l, key, now, d)
}

func (l *PostgresLedger) swapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE leases SET expires_at = $1
		WHERE key = $2 AND expires_at = $3
	`, toMillis(next), key, toMillis(prev))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) Delete(ctx context.Context, key string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM leases WHERE key = $1`, key)
	return err
}

func (l *PostgresLedger) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM leases WHERE key = $1 AND expires_at < $2`, key, toMillis(now))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM leases WHERE expires_at < $1`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (l *PostgresLedger) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at >= $1),
			COUNT(DISTINCT owner),
			COALESCE(SUM(size), 0)::BIGINT,
			COALESCE(SUM(size) FILTER (WHERE expires_at >= $1), 0)::BIGINT,
			COALESCE(MIN(uploaded_at), 0),
			COALESCE(MAX(uploaded_at), 0)
		FROM leases
	`, toMillis(now))

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

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
