// Package ledger is the authoritative record of stored objects, their owners,
// and when their leases expire.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"leasebox/internal/logging"
)

var (
	ErrNotFound = errors.New("lease not found")
	ErrConflict = errors.New("lease key already exists")
	// ErrContention is returned when an expiry update keeps losing to concurrent writers.
	ErrContention = errors.New("lease updated concurrently")
)

// maxCASAttempts bounds ExtendExpiry's compare-and-swap retries.
const maxCASAttempts = 5

// Record is one leased object. Only ExpiresAt changes after creation.
type Record struct {
	Key          string
	Owner        string
	ContentType  string
	Size         int64
	OriginalName string
	UploadedAt   time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the lease has lapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// OwnedBy compares identity to the owner case-insensitively.
func (r *Record) OwnedBy(identity string) bool {
	return strings.EqualFold(r.Owner, identity)
}

// Metadata is the descriptive part of a record supplied at creation.
type Metadata struct {
	ContentType  string
	Size         int64
	OriginalName string
}

// Stats contains aggregate statistics about the ledger.
type Stats struct {
	TotalLeases   int
	ActiveLeases  int
	ExpiredLeases int
	Owners        int
	TotalBytes    int64
	ActiveBytes   int64
	OldestUpload  time.Time
	NewestUpload  time.Time
}

// Ledger defines lease record persistence. Every write touches a single row.
type Ledger interface {
	// Create inserts a record expiring one lease duration after now.
	Create(ctx context.Context, key, owner string, meta Metadata, now time.Time) (*Record, error)
	Get(ctx context.Context, key string) (*Record, error)
	// ListByOwner returns owner's unexpired records, newest upload first.
	ListByOwner(ctx context.Context, owner string, now time.Time) ([]*Record, error)
	IsOwner(ctx context.Context, key, identity string) (bool, error)
	// IsExpired treats a missing key as expired.
	IsExpired(ctx context.Context, key string, now time.Time) (bool, error)
	// ExtendExpiry sets expires_at to max(now, current)+d and returns the old and new values.
	ExtendExpiry(ctx context.Context, key string, now time.Time, d time.Duration) (oldExpires, newExpires time.Time, err error)
	// Delete removes the record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes the record only if its lease has lapsed at now,
	// and reports whether a row was removed.
	DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error)
	// SweepExpired removes every record with expires_at before now.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (*Stats, error)
	Close() error
}

// NextExpiry renews from whichever is later, now or the current expiry,
// so unused lease time is kept and lapsed leases restart from now.
func NextExpiry(now, current time.Time, d time.Duration) time.Time {
	base := current
	if now.After(current) {
		base = now
	}
	return base.Add(d)
}

// rowStore is what a backend supplies to the operations shared by all backends.
type rowStore interface {
	Get(ctx context.Context, key string) (*Record, error)
	// swapExpiry sets expires_at to next only if it still equals prev.
	swapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error)
}

func isOwner(ctx context.Context, s rowStore, key, identity string) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return rec.OwnedBy(identity), nil
}

func isExpired(ctx context.Context, s rowStore, key string, now time.Time) (bool, error) {
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Expired(now), nil
}

// extendExpiry retries a compare-and-swap on expires_at so concurrent
// renewals each add their full duration.
func extendExpiry(ctx context.Context, s rowStore, key string, now time.Time, d time.Duration) (time.Time, time.Time, error) {
	now = truncate(now)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := s.Get(ctx, key)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}

		next := NextExpiry(now, rec.ExpiresAt, d)
		swapped, err := s.swapExpiry(ctx, key, rec.ExpiresAt, next)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if swapped {
			return rec.ExpiresAt, next, nil
		}
		logging.Ledger.Debugf("expiry of %s changed underneath renewal, retrying", key)
	}
	return time.Time{}, time.Time{}, ErrContention
}

func normalizeOwner(owner string) string {
	return strings.ToLower(owner)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// truncate drops sub-millisecond precision so returned records match what is stored.
func truncate(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}
