// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/markpippins/throttler/pkg/models"
)

// Conflict policies for move, copy and restore.
const (
	OnConflictFail      = "fail"
	OnConflictOverwrite = "overwrite"
	OnConflictRename    = "rename"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListResponse is returned by GET /api/v1/list/{path}
type ListResponse struct {
	Path    string          `json:"path"`
	Entries []*models.Entry `json:"entries"`
}

// TreeResponse is returned by GET /api/v1/tree/{path}
type TreeResponse struct {
	Root *models.FileNode `json:"root"`
}

// RenameRequest is the body for POST /api/v1/rename.
type RenameRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// TransferRequest is the body for POST /api/v1/move and POST /api/v1/copy.
type TransferRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	OnConflict string `json:"on_conflict,omitempty"` // "fail", "overwrite", "rename"
}

// BulkTransferRequest is the body for POST /api/v1/bulk/move and /bulk/copy.
type BulkTransferRequest struct {
	Paths       []string `json:"paths"`
	Destination string   `json:"destination"`
	OnConflict  string   `json:"on_conflict,omitempty"`
}

// BulkDeleteRequest is the body for POST /api/v1/bulk/delete.
type BulkDeleteRequest struct {
	Paths     []string `json:"paths"`
	Permanent bool     `json:"permanent,omitempty"`
}

// BulkResponse is returned by bulk operations.
type BulkResponse struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// DeleteResponse is returned by DELETE /api/v1/tree/{path}.
type DeleteResponse struct {
	Path    string `json:"path"`
	Trashed bool   `json:"trashed"`
	TrashID string `json:"trash_id,omitempty"`
}

// SearchResponse is returned by GET /api/v1/search.
type SearchResponse struct {
	Query     string          `json:"query"`
	Root      string          `json:"root"`
	Results   []*models.Entry `json:"results"`
	Truncated bool            `json:"truncated"`
	Elapsed   string          `json:"elapsed"`
}

// TrashListResponse is returned by GET /api/v1/trash.
type TrashListResponse struct {
	Items []*models.TrashItem `json:"items"`
}

// TrashRestoreRequest is the body for POST /api/v1/trash/restore.
type TrashRestoreRequest struct {
	ID        string `json:"id"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// TrashEmptyResponse is returned by DELETE /api/v1/trash.
type TrashEmptyResponse struct {
	Purged int `json:"purged"`
}

// DiskUsageResponse is returned by GET /api/v1/disk.
type DiskUsageResponse struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

// LoginRequest is the body for POST /api/v1/auth/token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Event types published on /api/v1/events.
const (
	EventCreate = "create"
	EventModify = "modify"
	EventDelete = "delete"
	EventMove   = "move"
)

// Event sources.
const (
	SourceAPI   = "api"
	SourceWatch = "watch"
)

// Event represents a file system change pushed over SSE.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	From      string `json:"from,omitempty"`
	IsDir     bool   `json:"is_dir,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
