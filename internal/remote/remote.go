// Package remote talks to the spreadsheet service holding the ledger of
// record and to the single-file store holding cloud vault backups.
//
// Both are consumed as capabilities. The HTTP adapters classify every
// failure into the fault taxonomy and never retry.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Tab is one worksheet of a spreadsheet
type Tab struct {
	ID    int64  `json:"sheetId"`
	Title string `json:"title"`
}

// RangeClient reads and writes A1 ranges of a spreadsheet
type RangeClient interface {
	GetRange(ctx context.Context, token, resourceID, rangeExpr string) ([][]string, error)
	UpdateRange(ctx context.Context, token, resourceID, rangeExpr string, rows [][]string) error
	// AppendRange returns the A1 range that received the rows
	AppendRange(ctx context.Context, token, resourceID, rangeExpr string, rows [][]string) (string, error)
	BatchStructuralUpdate(ctx context.Context, token, resourceID string, requests []json.RawMessage) error
	GetMetadata(ctx context.Context, token, resourceID string) ([]Tab, error)
}

// FileRef identifies a file in the single-file store
type FileRef struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// FileStore stores named blobs
type FileStore interface {
	// Find returns nil without error when no file has the name
	Find(ctx context.Context, token, name string) (*FileRef, error)
	// Upload updates existingID in place when set, else creates the file
	Upload(ctx context.Context, token, name string, content []byte, existingID string) (string, error)
	Download(ctx context.Context, token, fileID string) ([]byte, error)
}
