package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	day           = 24 * time.Hour
	leaseDuration = 10 * day
	alice         = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob           = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestSQLiteLedger(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			runLedgerSuite(t, func(t *testing.T) Ledger {
				l, err := NewSQLiteLedger(driver, filepath.Join(t.TempDir(), "ledger.db"), leaseDuration)
				require.NoError(t, err)
				t.Cleanup(func() { l.Close() })
				return l
			})
		})
	}
}

func TestSQLiteLedger_InMemory(t *testing.T) {
	l, err := NewSQLiteLedger("sqlite3", ":memory:", leaseDuration)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Create(context.Background(), "k", alice, Metadata{Size: 1}, t0)
	require.NoError(t, err)
	_, err = l.Get(context.Background(), "k")
	require.NoError(t, err)
}

func TestSQLiteLedger_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteLedger("bolt", ":memory:", leaseDuration)
	require.Error(t, err)
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("LEASEBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEASEBOX_TEST_POSTGRES_DSN not set")
	}
	runLedgerSuite(t, func(t *testing.T) Ledger {
		l, err := NewPostgresLedger(context.Background(), dsn, leaseDuration)
		require.NoError(t, err)
		_, err = l.pool.Exec(context.Background(), `TRUNCATE leases`)
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		return l
	})
}

func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) Ledger) {
	ctx := context.Background()
	meta := Metadata{ContentType: "text/plain", Size: 5, OriginalName: "hello.txt"}

	t.Run("CreateAndGet", func(t *testing.T) {
		l := newLedger(t)

		rec, err := l.Create(ctx, "k1", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", meta, t0)
		require.NoError(t, err)
		require.Equal(t, alice, rec.Owner, "owner is stored lowercase")
		require.Equal(t, t0, rec.UploadedAt)
		require.Equal(t, t0.Add(leaseDuration), rec.ExpiresAt)

		got, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, rec, got)
	})

	t.Run("CreateConflict", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		_, err = l.Create(ctx, "k1", bob, meta, t0.Add(time.Hour))
		require.ErrorIs(t, err, ErrConflict)

		got, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, alice, got.Owner, "conflicting create must not overwrite")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListByOwner", func(t *testing.T) {
		l := newLedger(t)

		for i := 0; i < 3; i++ {
			_, err := l.Create(ctx, fmt.Sprintf("a%d", i), alice, meta, t0.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
		}
		_, err := l.Create(ctx, "b0", bob, meta, t0)
		require.NoError(t, err)
		// Lapsed before t0 but never swept.
		_, err = l.Create(ctx, "a-old", alice, meta, t0.Add(-11*day))
		require.NoError(t, err)

		records, err := l.ListByOwner(ctx, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, "a2", records[0].Key, "newest upload first")
		require.Equal(t, "a1", records[1].Key)
		require.Equal(t, "a0", records[2].Key)

		records, err = l.ListByOwner(ctx, alice, t0.Add(leaseDuration+90*time.Second))
		require.NoError(t, err)
		require.Len(t, records, 1, "only a2 is still active")
		require.Equal(t, "a2", records[0].Key)

		records, err = l.ListByOwner(ctx, "0xcccccccccccccccccccccccccccccccccccccccc", t0)
		require.NoError(t, err)
		require.NotNil(t, records)
		require.Empty(t, records)
	})

	t.Run("IsOwner", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		ok, err := l.IsOwner(ctx, "k1", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = l.IsOwner(ctx, "k1", bob)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = l.IsOwner(ctx, "missing", alice)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("IsExpired", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		expired, err := l.IsExpired(ctx, "k1", t0.Add(leaseDuration))
		require.NoError(t, err)
		require.False(t, expired, "a lease is valid through its expiry instant")

		expired, err = l.IsExpired(ctx, "k1", t0.Add(leaseDuration+time.Millisecond))
		require.NoError(t, err)
		require.True(t, expired)

		expired, err = l.IsExpired(ctx, "missing", t0)
		require.NoError(t, err)
		require.True(t, expired, "absent keys count as expired")
	})

	t.Run("ExtendExpiryFromCurrentExpiry", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		oldExp, newExp, err := l.ExtendExpiry(ctx, "k1", t0.Add(2*day), leaseDuration)
		require.NoError(t, err)
		require.Equal(t, t0.Add(10*day), oldExp)
		require.Equal(t, t0.Add(20*day), newExp)

		got, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, t0.Add(20*day), got.ExpiresAt)
	})

	t.Run("ExtendExpiryFromNow", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		_, newExp, err := l.ExtendExpiry(ctx, "k1", t0.Add(15*day), leaseDuration)
		require.NoError(t, err)
		require.Equal(t, t0.Add(25*day), newExp)
	})

	t.Run("ExtendExpiryMonotonic", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		now := t0
		for _, step := range []time.Duration{time.Hour, 3 * day, 40 * day, 0, time.Minute} {
			now = now.Add(step)
			oldExp, newExp, err := l.ExtendExpiry(ctx, "k1", now, leaseDuration)
			require.NoError(t, err)
			require.False(t, newExp.Before(oldExp))
			require.False(t, newExp.Before(now.Add(leaseDuration)))
		}
	})

	t.Run("ExtendExpiryMissing", func(t *testing.T) {
		l := newLedger(t)
		_, _, err := l.ExtendExpiry(ctx, "missing", t0, leaseDuration)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentRenewalsAreNotLost", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := l.ExtendExpiry(ctx, "k1", t0.Add(day), leaseDuration)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
					return
				}
				if !errors.Is(err, ErrContention) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Positive(t, succeeded)
		got, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, t0.Add(leaseDuration+time.Duration(succeeded)*leaseDuration), got.ExpiresAt)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		require.NoError(t, l.Delete(ctx, "k1"))
		require.NoError(t, l.Delete(ctx, "k1"))
		require.NoError(t, l.Delete(ctx, "never-existed"))

		_, err = l.Get(ctx, "k1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		removed, err := l.DeleteExpired(ctx, "k1", t0.Add(5*day))
		require.NoError(t, err)
		require.False(t, removed, "an active lease is kept")
		_, err = l.Get(ctx, "k1")
		require.NoError(t, err)

		removed, err = l.DeleteExpired(ctx, "k1", t0.Add(leaseDuration))
		require.NoError(t, err)
		require.False(t, removed, "a lease is still valid at its expiry instant")

		removed, err = l.DeleteExpired(ctx, "k1", t0.Add(11*day))
		require.NoError(t, err)
		require.True(t, removed)
		_, err = l.Get(ctx, "k1")
		require.ErrorIs(t, err, ErrNotFound)

		removed, err = l.DeleteExpired(ctx, "k1", t0.Add(11*day))
		require.NoError(t, err)
		require.False(t, removed)
	})

	t.Run("DeleteExpiredAfterRenewalKeepsLease", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "k1", alice, meta, t0)
		require.NoError(t, err)

		later := t0.Add(11 * day)
		expired, err := l.IsExpired(ctx, "k1", later)
		require.NoError(t, err)
		require.True(t, expired)

		// A renewal lands between observing expiry and purging.
		_, _, err = l.ExtendExpiry(ctx, "k1", later, leaseDuration)
		require.NoError(t, err)

		removed, err := l.DeleteExpired(ctx, "k1", later)
		require.NoError(t, err)
		require.False(t, removed)
		rec, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, later.Add(leaseDuration), rec.ExpiresAt)
	})

	t.Run("SweepExpired", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Create(ctx, "old1", alice, meta, t0.Add(-20*day))
		require.NoError(t, err)
		_, err = l.Create(ctx, "old2", bob, meta, t0.Add(-11*day))
		require.NoError(t, err)
		_, err = l.Create(ctx, "fresh", alice, meta, t0)
		require.NoError(t, err)

		n, err := l.SweepExpired(ctx, t0)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		n, err = l.SweepExpired(ctx, t0)
		require.NoError(t, err)
		require.Zero(t, n)

		_, err = l.Get(ctx, "fresh")
		require.NoError(t, err)
	})

	t.Run("Stats", func(t *testing.T) {
		l := newLedger(t)

		stats, err := l.Stats(ctx, t0)
		require.NoError(t, err)
		require.Zero(t, stats.TotalLeases)
		require.True(t, stats.OldestUpload.IsZero())

		_, err = l.Create(ctx, "old", alice, Metadata{Size: 100}, t0.Add(-11*day))
		require.NoError(t, err)
		_, err = l.Create(ctx, "a", alice, Metadata{Size: 10}, t0)
		require.NoError(t, err)
		_, err = l.Create(ctx, "b", bob, Metadata{Size: 1}, t0.Add(time.Hour))
		require.NoError(t, err)

		stats, err = l.Stats(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, 3, stats.TotalLeases)
		require.Equal(t, 2, stats.ActiveLeases)
		require.Equal(t, 1, stats.ExpiredLeases)
		require.Equal(t, 2, stats.Owners)
		require.Equal(t, int64(111), stats.TotalBytes)
		require.Equal(t, int64(11), stats.ActiveBytes)
		require.Equal(t, t0.Add(-11*day), stats.OldestUpload)
		require.Equal(t, t0.Add(time.Hour), stats.NewestUpload)
	})
}

func TestNextExpiry(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		current time.Time
		want    time.Time
	}{
		{"active lease stacks", t0.Add(2 * day), t0.Add(10 * day), t0.Add(20 * day)},
		{"lapsed lease restarts from now", t0.Add(15 * day), t0.Add(10 * day), t0.Add(25 * day)},
		{"renewal at expiry instant", t0.Add(10 * day), t0.Add(10 * day), t0.Add(20 * day)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NextExpiry(tc.now, tc.current, leaseDuration))
		})
	}
}

func TestRecord(t *testing.T) {
	rec := &Record{Owner: alice, ExpiresAt: t0}
	require.True(t, rec.OwnedBy("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
	require.False(t, rec.OwnedBy(bob))
	require.False(t, rec.Expired(t0))
	require.True(t, rec.Expired(t0.Add(time.Nanosecond)))
}

// losingStore always loses the expiry compare-and-swap.
type losingStore struct {
	rec   *Record
	swaps int
}

func (s *losingStore) Get(ctx context.Context, key string) (*Record, error) {
	if s.rec == nil {
		return nil, ErrNotFound
	}
	return s.rec, nil
}

func (s *losingStore) swapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error) {
	s.swaps++
	return false, nil
}

func TestExtendExpiry_GivesUpAfterBoundedRetries(t *testing.T) {
	s := &losingStore{rec: &Record{Key: "k1", Owner: alice, ExpiresAt: t0}}

	_, _, err := extendExpiry(context.Background(), s, "k1", t0, leaseDuration)
	require.ErrorIs(t, err, ErrContention)
	require.Equal(t, maxCASAttempts, s.swaps)
}

func TestSharedLookups(t *testing.T) {
	ctx := context.Background()
	s := &losingStore{rec: &Record{Key: "k1", Owner: alice, ExpiresAt: t0}}

	owned, err := isOwner(ctx, s, "k1", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	require.True(t, owned)

	expired, err := isExpired(ctx, s, "k1", t0.Add(time.Millisecond))
	require.NoError(t, err)
	require.True(t, expired)

	s.rec = nil
	_, err = isOwner(ctx, s, "k1", alice)
	require.ErrorIs(t, err, ErrNotFound)
	expired, err = isExpired(ctx, s, "k1", t0)
	require.NoError(t, err)
	require.True(t, expired, "missing keys count as expired")
}
