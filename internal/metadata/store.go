// Package metadata defines the relational store the file tree is persisted in.
//
// Two implementations exist: postgres (the system of record) and memory
// (tests and single-process development). Both enforce the same constraints:
// live sibling names are unique per (owner, location, parent, type), storage
// keys are unique per (owner, type), and a folder row cannot be deleted while
// it still has children.
package metadata

import (
	"context"
	"time"

	"github.com/fruitsalade/pantry/internal/models"
)

// ChildQuery selects the direct children of one folder, or of the root.
type ChildQuery struct {
	OwnerID        string
	Location       models.Location
	ParentID       *string // nil selects root-level entries
	IncludeTrashed bool
	Limit          int // 0 = no limit
	Offset         int
}

// TrashQuery selects trash roots: trashed entries whose parent is absent,
// live, or was trashed at a different instant.
type TrashQuery struct {
	OwnerID       string          // "" = every owner
	Location      models.Location // "" = every location
	DeletedBefore *time.Time
	Limit         int
	Offset        int
}

// StorageRef is a file row's reference to a physical object.
type StorageRef struct {
	EntryID   string
	OwnerID   string
	Key       string
	Trashed   bool
	CreatedAt time.Time
}

// Queries is the operation set available both on the store and inside a transaction.
type Queries interface {
	GetEntry(ctx context.Context, id string) (*models.Entry, error)
	// FindLiveChild returns the live sibling with the given name. An empty
	// typ matches either type.
	FindLiveChild(ctx context.Context, ownerID string, loc models.Location, parentID *string, name string, typ models.EntryType) (*models.Entry, error)
	ListChildren(ctx context.Context, q ChildQuery) ([]*models.Entry, error)
	ListStarred(ctx context.Context, ownerID string, loc models.Location, limit, offset int) ([]*models.Entry, error)
	ListTrashRoots(ctx context.Context, q TrashQuery) ([]*models.Entry, error)
	// ListNamespace returns every entry, live or trashed, an owner has in one location.
	ListNamespace(ctx context.Context, ownerID string, loc models.Location) ([]*models.Entry, error)
	InsertEntry(ctx context.Context, e *models.Entry) error
	UpdateEntry(ctx context.Context, e *models.Entry) error
	DeleteEntry(ctx context.Context, id string) error
	DeleteNamespace(ctx context.Context, ownerID string, loc models.Location) (int64, error)
	// StorageUsed sums file sizes in managed storage, trash included.
	StorageUsed(ctx context.Context, ownerID string) (int64, error)
	// ListStorageRefs pages file rows with a storage key, ordered by id.
	ListStorageRefs(ctx context.Context, loc models.Location, afterID string, limit int) ([]StorageRef, error)

	GetUser(ctx context.Context, id string) (*models.User, error)
	// LockUser holds the user's row until the transaction ends, so tree
	// mutations of one owner run one at a time. Outside a transaction it
	// only checks that the user exists.
	LockUser(ctx context.Context, id string) error
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, u *models.User) error
	FirstUserID(ctx context.Context) (string, error)
	ListDriveUsers(ctx context.Context) ([]*models.User, error)

	GetSettings(ctx context.Context) (*models.AppSettings, error)
	SaveSettings(ctx context.Context, s *models.AppSettings) error

	InsertShareLink(ctx context.Context, l *models.ShareLink) error
	GetShareLink(ctx context.Context, token string) (*models.ShareLink, error)
	ListShareLinks(ctx context.Context, userID string) ([]*models.ShareLink, error)
	DeleteShareLink(ctx context.Context, token string) error
	IncrementShareDownloads(ctx context.Context, token string) error

	InsertActivity(ctx context.Context, a *models.ActivityEntry) error
	ListActivity(ctx context.Context, userID string, limit int) ([]*models.ActivityEntry, error)
}

// Store is a transactional metadata store.
type Store interface {
	Queries
	// InTx runs fn in a single transaction. fn must use the Queries it is
	// given, not the Store, for every read and write.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}
