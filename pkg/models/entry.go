// Package models contains the data types shared by the server and its clients.
package models

import "time"

// Entry types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Entry is a single directory entry as seen through the sandbox.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Mode     string    `json:"mode,omitempty"`
	Ext      string    `json:"ext,omitempty"`
	MimeType string    `json:"mime,omitempty"`
	Hidden   bool      `json:"hidden,omitempty"`
	Symlink  bool      `json:"symlink,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Type == TypeDirectory
}

// FileNode represents a file or directory in a tree listing.
type FileNode struct {
	Entry
	ID       string      `json:"id"`
	Children []*FileNode `json:"children,omitempty"`
}

// TrashItem describes a deleted item held in the trash.
type TrashItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OriginalPath string    `json:"original_path"`
	DeletedAt    time.Time `json:"deleted_at"`
	IsDir        bool      `json:"is_dir"`
	Size         int64     `json:"size"`
}
