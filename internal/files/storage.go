package files

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// maxKeyLength keeps keys within common filesystem and object store limits.
const maxKeyLength = 255

// validKeyPattern matches owner/timestamp-name keys. Only one separator is
// allowed and every segment is word characters, so no path traversal is possible.
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+/[a-zA-Z0-9_-]+$`)

// Storage defines the interface for blob storage.
type Storage interface {
	// Save writes data under key. size may be -1 when unknown.
	Save(ctx context.Context, key string, data io.Reader, size int64, contentType string) (int64, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete returns ErrNotFound if the blob is already absent.
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that do not have the owner/timestamp-name shape.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength || !validKeyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
