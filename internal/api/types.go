package api

import (
	"time"

	"leasebox/internal/ledger"
)

// FileRecord is the JSON form of a lease record.
type FileRecord struct {
	Key          string    `json:"key"`
	Owner        string    `json:"owner"`
	ContentType  string    `json:"contentType"`
	Size         int64     `json:"size"`
	OriginalName string    `json:"originalName"`
	UploadedAt   time.Time `json:"uploadedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func newFileRecord(rec *ledger.Record) FileRecord {
	return FileRecord{
		Key:          rec.Key,
		Owner:        rec.Owner,
		ContentType:  rec.ContentType,
		Size:         rec.Size,
		OriginalName: rec.OriginalName,
		UploadedAt:   rec.UploadedAt,
		ExpiresAt:    rec.ExpiresAt,
	}
}

// UploadResponse is returned after a paid upload.
type UploadResponse struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ListResponse lists the caller's active files.
type ListResponse struct {
	Files []FileRecord `json:"files"`
	Total int          `json:"total"`
}

// InfoResponse is a record plus whether its lease has lapsed.
type InfoResponse struct {
	FileRecord
	IsExpired bool `json:"isExpired"`
}

// DeleteResponse confirms a deletion.
type DeleteResponse struct {
	Success bool   `json:"success"`
	FileKey string `json:"fileKey"`
}

// RenewResponse reports the lease extension.
type RenewResponse struct {
	OldExpires time.Time `json:"oldExpires"`
	NewExpires time.Time `json:"newExpires"`
}

// ErrorResponse is the body of every non-402 error.
type ErrorResponse struct {
	Error string `json:"error"`
}
