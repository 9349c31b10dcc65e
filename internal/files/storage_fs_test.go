package files

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testKey = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa/1735732800000-hello_txt"

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"generated key", testKey, false},
		{"empty name part", "0xaa/1735732800000-", false},
		{"empty", "", true},
		{"no separator", "abc123", true},
		{"two separators", "a/b/c", true},
		{"leading slash", "/etc/passwd", true},
		{"path traversal dots", "../etc", true},
		{"traversal in name", "0xaa/..", true},
		{"encoded traversal", "0xaa/..%2F..%2Fetc", true},
		{"backslash", "0xaa\\1-x", true},
		{"dot in name", "0xaa/1-file.txt", true},
		{"space", "0xaa/1-file name", true},
		{"null byte", "0xaa/1-file\x00name", true},
		{"too long", "0xaa/" + strings.Repeat("a", maxKeyLength), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateKey(tc.key)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tc.key, err, tc.wantErr)
			}
		})
	}
}

func TestFSStorage_SaveLoadDelete(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewFSStorage(tmpDir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	testData := []byte("hello")

	t.Run("save file", func(t *testing.T) {
		n, err := storage.Save(ctx, testKey, bytes.NewReader(testData), int64(len(testData)), "text/plain")
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if n != int64(len(testData)) {
			t.Errorf("Save returned %d bytes, want %d", n, len(testData))
		}

		if _, err := os.Stat(filepath.Join(tmpDir, filepath.FromSlash(testKey))); err != nil {
			t.Errorf("file should exist on disk: %v", err)
		}

		// No temp files left behind.
		entries, err := os.ReadDir(filepath.Dir(filepath.Join(tmpDir, filepath.FromSlash(testKey))))
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("owner directory has %d entries, want 1", len(entries))
		}
	})

	t.Run("load file", func(t *testing.T) {
		reader, err := storage.Load(ctx, testKey)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		defer reader.Close()

		data, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if !bytes.Equal(data, testData) {
			t.Errorf("loaded data = %q, want %q", data, testData)
		}
	})

	t.Run("load nonexistent file", func(t *testing.T) {
		_, err := storage.Load(ctx, "0xaa/1-missing")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete file", func(t *testing.T) {
		if err := storage.Delete(ctx, testKey); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := storage.Load(ctx, testKey); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("delete nonexistent file", func(t *testing.T) {
		if err := storage.Delete(ctx, testKey); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("invalid keys", func(t *testing.T) {
		if _, err := storage.Save(ctx, "../invalid", bytes.NewReader(testData), -1, ""); err != ErrInvalidKey {
			t.Errorf("Save: expected ErrInvalidKey, got %v", err)
		}
		if _, err := storage.Load(ctx, "../invalid"); err != ErrInvalidKey {
			t.Errorf("Load: expected ErrInvalidKey, got %v", err)
		}
		if err := storage.Delete(ctx, "../invalid"); err != ErrInvalidKey {
			t.Errorf("Delete: expected ErrInvalidKey, got %v", err)
		}
	})
}

func TestFSStorage_NewFSStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")

	storage, err := NewFSStorage(dir)
	if err != nil {
		t.Fatalf("NewFSStorage failed: %v", err)
	}
	if storage.basePath != dir {
		t.Errorf("basePath = %q, want %q", storage.basePath, dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory should exist: %v", err)
	}
	if !info.IsDir() {
		t.Error("should be a directory")
	}
}

func TestFSStorage_Path(t *testing.T) {
	storage := &FSStorage{basePath: "/var/uploads"}

	got := storage.path("0xaa/1-x")
	want := filepath.Join("/var/uploads", "0xaa", "1-x")
	if got != want {
		t.Errorf("path() = %q, want %q", got, want)
	}
}
