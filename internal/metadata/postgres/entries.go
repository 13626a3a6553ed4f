package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
)

var entryFields = []string{
	"id", "owner_id", "parent_id", "name", "type", "location", "size", "storage_key",
	"mime_type", "checksum", "starred", "deleted_at", "created_at", "modified_at",
}

// entryColumns returns the entry column list, optionally table-qualified.
func entryColumns(alias string) string {
	if alias == "" {
		return strings.Join(entryFields, ", ")
	}
	cols := make([]string, len(entryFields))
	for i, f := range entryFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

const listingOrder = ` ORDER BY (type = 'folder') DESC, name COLLATE "C", id`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.Entry, error) {
	var e models.Entry
	var parentID, key sql.NullString
	var deletedAt sql.NullTime
	var typ, loc string
	if err := row.Scan(&e.ID, &e.OwnerID, &parentID, &e.Name, &typ, &loc, &e.Size, &key,
		&e.MimeType, &e.Checksum, &e.Starred, &deletedAt, &e.CreatedAt, &e.ModifiedAt); err != nil {
		return nil, err
	}
	e.Type = models.EntryType(typ)
	e.Location = models.Location(loc)
	if parentID.Valid {
		e.ParentID = &parentID.String
	}
	if key.Valid {
		e.StorageKey = &key.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return &e, nil
}

func (q *queries) queryEntries(ctx context.Context, op, query string, args ...any) ([]*models.Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func (q *queries) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	defer track("get_entry")()
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns("")+` FROM entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, mapErr("get entry "+id, err)
	}
	return e, nil
}

func (q *queries) FindLiveChild(ctx context.Context, ownerID string, loc models.Location, parentID *string, name string, typ models.EntryType) (*models.Entry, error) {
	defer track("find_live_child")()
	parent := ""
	if parentID != nil {
		parent = *parentID
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns("")+` FROM entries
		 WHERE owner_id = $1 AND location = $2 AND COALESCE(parent_id, '') = $3
		   AND name = $4 AND deleted_at IS NULL AND ($5 = '' OR type = $5)
		 LIMIT 1`,
		ownerID, string(loc), parent, name, string(typ))
	e, err := scanEntry(row)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("child %q", name), err)
	}
	return e, nil
}

func (q *queries) ListChildren(ctx context.Context, cq metadata.ChildQuery) ([]*models.Entry, error) {
	defer track("list_children")()
	where := "parent_id = $1"
	args := []any{}
	if cq.ParentID == nil {
		where = "parent_id IS NULL AND owner_id = $1 AND location = $2"
		args = append(args, cq.OwnerID, string(cq.Location))
	} else {
		args = append(args, *cq.ParentID)
	}
	if !cq.IncludeTrashed {
		where += " AND deleted_at IS NULL"
	}
	return q.queryEntries(ctx, "list children",
		`SELECT `+entryColumns("")+` FROM entries WHERE `+where+listingOrder+limitClause(cq.Limit, cq.Offset),
		args...)
}

func (q *queries) ListStarred(ctx context.Context, ownerID string, loc models.Location, limit, offset int) ([]*models.Entry, error) {
	defer track("list_starred")()
	return q.queryEntries(ctx, "list starred",
		`SELECT `+entryColumns("")+` FROM entries
		 WHERE owner_id = $1 AND location = $2 AND starred AND deleted_at IS NULL`+
			listingOrder+limitClause(limit, offset),
		ownerID, string(loc))
}

func (q *queries) ListTrashRoots(ctx context.Context, tq metadata.TrashQuery) ([]*models.Entry, error) {
	defer track("list_trash_roots")()
	var conds []string
	var args []any
	if tq.OwnerID != "" {
		args = append(args, tq.OwnerID)
		conds = append(conds, fmt.Sprintf("e.owner_id = $%d", len(args)))
	}
	if tq.Location != "" {
		args = append(args, string(tq.Location))
		conds = append(conds, fmt.Sprintf("e.location = $%d", len(args)))
	}
	if tq.DeletedBefore != nil {
		args = append(args, *tq.DeletedBefore)
		conds = append(conds, fmt.Sprintf("e.deleted_at < $%d", len(args)))
	}
	extra := ""
	if len(conds) > 0 {
		extra = " AND " + strings.Join(conds, " AND ")
	}
	return q.queryEntries(ctx, "list trash roots",
		`SELECT `+entryColumns("e")+`
		 FROM entries e LEFT JOIN entries p ON p.id = e.parent_id
		 WHERE e.deleted_at IS NOT NULL
		   AND (p.id IS NULL OR p.deleted_at IS NULL OR p.deleted_at <> e.deleted_at)`+extra+`
		 ORDER BY e.deleted_at, e.id`+limitClause(tq.Limit, tq.Offset),
		args...)
}

func (q *queries) ListNamespace(ctx context.Context, ownerID string, loc models.Location) ([]*models.Entry, error) {
	defer track("list_namespace")()
	return q.queryEntries(ctx, "list namespace",
		`SELECT `+entryColumns("")+` FROM entries WHERE owner_id = $1 AND location = $2 ORDER BY id`,
		ownerID, string(loc))
}

func (q *queries) InsertEntry(ctx context.Context, e *models.Entry) error {
	defer track("insert_entry")()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns("")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.OwnerID, nullString(e.ParentID), e.Name, string(e.Type), string(e.Location), e.Size,
		nullString(e.StorageKey), e.MimeType, e.Checksum, e.Starred, nullTime(e.DeletedAt),
		e.CreatedAt, e.ModifiedAt)
	return mapErr("insert entry "+e.ID, err)
}

func (q *queries) UpdateEntry(ctx context.Context, e *models.Entry) error {
	defer track("update_entry")()
	res, err := q.db.ExecContext(ctx,
		`UPDATE entries SET parent_id = $2, name = $3, size = $4, storage_key = $5, mime_type = $6,
		   checksum = $7, starred = $8, deleted_at = $9, modified_at = $10
		 WHERE id = $1`,
		e.ID, nullString(e.ParentID), e.Name, e.Size, nullString(e.StorageKey), e.MimeType,
		e.Checksum, e.Starred, nullTime(e.DeletedAt), e.ModifiedAt)
	if err != nil {
		return mapErr("update entry "+e.ID, err)
	}
	return expectOne("update entry "+e.ID, res)
}

func (q *queries) DeleteEntry(ctx context.Context, id string) error {
	defer track("delete_entry")()
	res, err := q.db.ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete entry "+id, err)
	}
	return expectOne("delete entry "+id, res)
}

func (q *queries) DeleteNamespace(ctx context.Context, ownerID string, loc models.Location) (int64, error) {
	defer track("delete_namespace")()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM entries WHERE owner_id = $1 AND location = $2`, ownerID, string(loc))
	if err != nil {
		return 0, mapErr("delete namespace", err)
	}
	return res.RowsAffected()
}

func (q *queries) StorageUsed(ctx context.Context, ownerID string) (int64, error) {
	defer track("storage_used")()
	var used int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM entries
		 WHERE owner_id = $1 AND type = 'file' AND location = 'managed'`,
		ownerID).Scan(&used)
	if err != nil {
		return 0, mapErr("storage used", err)
	}
	return used, nil
}

func (q *queries) ListStorageRefs(ctx context.Context, loc models.Location, afterID string, limit int) ([]metadata.StorageRef, error) {
	defer track("list_storage_refs")()
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, owner_id, storage_key, deleted_at IS NOT NULL, created_at FROM entries
		 WHERE type = 'file' AND location = $1 AND storage_key IS NOT NULL AND id COLLATE "C" > $2
		 ORDER BY id COLLATE "C"`+limitClause(limit, 0),
		string(loc), afterID)
	if err != nil {
		return nil, mapErr("list storage refs", err)
	}
	defer rows.Close()

	var out []metadata.StorageRef
	for rows.Next() {
		var r metadata.StorageRef
		if err := rows.Scan(&r.EntryID, &r.OwnerID, &r.Key, &r.Trashed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan storage ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
