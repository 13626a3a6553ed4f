// Package models contains the data types shared across the server.
package models

import (
	"fmt"
	"time"
)

// EntryType discriminates files from folders.
type EntryType string

const (
	TypeFile   EntryType = "file"
	TypeFolder EntryType = "folder"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return t == TypeFile || t == TypeFolder
}

// Location is the storage namespace an entry lives in.
type Location string

const (
	LocationManaged Location = "managed"
	LocationDrive   Location = "drive"
)

// Entry is a file or folder node in a user's virtual tree.
type Entry struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	ParentID   *string    `json:"parent_id"`
	Name       string     `json:"name"`
	Type       EntryType  `json:"type"`
	Location   Location   `json:"location"`
	Size       int64      `json:"size"`
	StorageKey *string    `json:"-"`
	MimeType   string     `json:"mime_type,omitempty"`
	Checksum   string     `json:"checksum,omitempty"`
	Starred    bool       `json:"starred"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// IsFolder reports whether e is a folder.
func (e *Entry) IsFolder() bool { return e.Type == TypeFolder }

// Trashed reports whether e carries a deletion stamp.
func (e *Entry) Trashed() bool { return e.DeletedAt != nil }

// Key returns the storage key or "".
func (e *Entry) Key() string {
	if e.StorageKey == nil {
		return ""
	}
	return *e.StorageKey
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.ParentID != nil {
		p := *e.ParentID
		c.ParentID = &p
	}
	if e.StorageKey != nil {
		k := *e.StorageKey
		c.StorageKey = &k
	}
	if e.DeletedAt != nil {
		d := *e.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s %s(%s)", e.Type, e.Name, e.ID)
}

// SameParent reports whether two nullable parent ids refer to the same folder.
func SameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// User carries the storage-related fields of an account.
type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	StorageLimit       *int64    `json:"storage_limit,omitempty"`
	CustomDriveEnabled bool      `json:"custom_drive_enabled"`
	CustomDrivePath    string    `json:"custom_drive_path,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Location returns the namespace the user's tree currently lives in.
func (u *User) Location() Location {
	if u.CustomDriveEnabled && u.CustomDrivePath != "" {
		return LocationDrive
	}
	return LocationManaged
}

// ShareLink grants anonymous read access to one or more entries.
type ShareLink struct {
	Token         string     `json:"token"`
	FileID        string     `json:"file_id"`
	UserID        string     `json:"user_id"`
	FileIDs       []string   `json:"file_ids,omitempty"`
	PasswordHash  string     `json:"-"`
	HasPassword   bool       `json:"has_password"`
	DownloadCount int64      `json:"download_count"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the link has passed its expiry at now.
func (l *ShareLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Targets returns every entry id the link grants access to.
func (l *ShareLink) Targets() []string {
	if len(l.FileIDs) > 0 {
		return l.FileIDs
	}
	return []string{l.FileID}
}

// AppSettings is the server-wide settings singleton.
type AppSettings struct {
	SignupEnabled  bool      `json:"signup_enabled"`
	MaxUploadSize  int64     `json:"max_upload_size"`
	HideExtensions bool      `json:"hide_extensions"`
	ElectronOnly   bool      `json:"electron_only"`
	EditorURL      string    `json:"editor_url,omitempty"`
	EditorSecret   string    `json:"-"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultSettings is used before the singleton row has been written.
func DefaultSettings() AppSettings {
	return AppSettings{SignupEnabled: true}
}

// ActivityEntry is one audit log row.
type ActivityEntry struct {
	ID         int64          `json:"id"`
	UserID     string         `json:"user_id"`
	Action     string         `json:"action"`
	ResourceID string         `json:"resource_id"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
