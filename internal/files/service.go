// Package files coordinates the lease ledger with the blob store.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"leasebox/internal/ledger"
	"leasebox/internal/logging"
)

var (
	// ErrStorage wraps blob store failures other than a missing blob.
	ErrStorage = errors.New("blob store failure")
	// ErrSizeMismatch means the stored blob is not the size the upload declared.
	ErrSizeMismatch = errors.New("stored size differs from declared size")
)

// maxNameLength bounds the sanitized name so generated keys stay valid.
const maxNameLength = 180

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeName replaces every non-alphanumeric character with an underscore.
func SanitizeName(name string) string {
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

// GenerateKey builds "{owner}/{unixMillis}-{sanitizedName}" with the owner lowercased.
// Keys are practically unique, not cryptographically guaranteed.
func GenerateKey(owner, name string, now time.Time) string {
	return fmt.Sprintf("%s/%d-%s", strings.ToLower(owner), now.UnixMilli(), SanitizeName(name))
}

// Option configures a Service.
type Option func(*Service)

// WithRenewalDuration sets how far each renewal extends a lease.
func WithRenewalDuration(d time.Duration) Option {
	return func(s *Service) { s.renewalDuration = d }
}

// WithClock replaces the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service handles lease-backed file operations.
type Service struct {
	storage         Storage
	ledger          ledger.Ledger
	renewalDuration time.Duration
	now             func() time.Time
}

// NewService creates a new file service.
func NewService(storage Storage, l ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		storage:         storage,
		ledger:          l,
		renewalDuration: 240 * time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the authoritative server time.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// UploadRequest describes a new object.
type UploadRequest struct {
	Owner       string
	Name        string
	ContentType string
	Size        int64 // exact length of Body; recorded before the blob is written
	Body        io.Reader
}

// Upload reserves the key in the ledger and then writes the blob, so a
// colliding upload fails before it can touch another record's bytes. If the
// blob cannot be written the reservation is released again.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*ledger.Record, error) {
	now := s.Now()
	key := GenerateKey(req.Owner, req.Name, now)

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec, err := s.ledger.Create(ctx, key, req.Owner, ledger.Metadata{
		ContentType:  contentType,
		Size:         req.Size,
		OriginalName: req.Name,
	}, now)
	if err != nil {
		return nil, err
	}

	written, err := s.storage.Save(ctx, key, req.Body, req.Size, contentType)
	if err == nil && written != req.Size {
		err = fmt.Errorf("%w: declared %d, wrote %d", ErrSizeMismatch, req.Size, written)
		if delErr := s.storage.Delete(ctx, key); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			logging.Storage.Warnf("failed to remove short blob %s: %v", key, delErr)
		}
	}
	if err != nil {
		if delErr := s.ledger.Delete(ctx, key); delErr != nil {
			logging.Ledger.Warnf("failed to release reserved lease %s: %v", key, delErr)
		}
		return nil, fmt.Errorf("%w: save %s: %w", ErrStorage, key, err)
	}

	logging.Internal.Info("lease created", "key", key, "size", written, "expires", rec.ExpiresAt)
	return rec, nil
}

// Get returns the lease record for key, expired or not.
func (s *Service) Get(ctx context.Context, key string) (*ledger.Record, error) {
	return s.ledger.Get(ctx, key)
}

// Open returns the blob for key. A missing blob is ErrNotFound.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.storage.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		logging.Storage.Warnf("ledger has %s but blob store does not", key)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrStorage, key, err)
	}
	return rc, nil
}

// List returns owner's active leases, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]*ledger.Record, error) {
	return s.ledger.ListByOwner(ctx, owner, s.Now())
}

// Delete removes the blob and then the lease record. A blob that is already
// gone is logged and ignored. Other blob failures keep the record so the
// owner can retry.
func (s *Service) Delete(ctx context.Context, key string) error {
	err := s.storage.Delete(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		logging.Storage.Infof("blob %s already absent, removing lease only", key)
	case err != nil:
		return fmt.Errorf("%w: delete %s: %w", ErrStorage, key, err)
	}
	return s.ledger.Delete(ctx, key)
}

// Purge drops the lease record of an expired object without touching its
// blob. A lease renewed since it was seen expired is left alone.
func (s *Service) Purge(ctx context.Context, key string) {
	removed, err := s.ledger.DeleteExpired(ctx, key, s.Now())
	if err != nil {
		logging.Ledger.Warnf("failed to purge expired lease %s: %v", key, err)
		return
	}
	if !removed {
		logging.Ledger.Debugf("lease %s no longer expired, not purged", key)
	}
}

// Renew extends the lease to max(now, expiresAt) plus the renewal duration.
func (s *Service) Renew(ctx context.Context, key string) (oldExpires, newExpires time.Time, err error) {
	oldExpires, newExpires, err = s.ledger.ExtendExpiry(ctx, key, s.Now(), s.renewalDuration)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	logging.Internal.Info("lease renewed", "key", key, "old", oldExpires, "new", newExpires)
	return oldExpires, newExpires, nil
}

// SweepExpired removes expired lease records. Blobs are left to the store's
// own lifecycle.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.ledger.SweepExpired(ctx, s.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Ledger.Infof("swept %d expired leases", n)
	}
	return n, nil
}

// Stats returns aggregate ledger statistics.
func (s *Service) Stats(ctx context.Context) (*ledger.Stats, error) {
	return s.ledger.Stats(ctx, s.Now())
}
