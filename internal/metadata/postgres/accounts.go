package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fruitsalade/pantry/internal/models"
)

// ─── Users ──────────────────────────────────────────────────────────────────

const userColumns = `id, username, storage_limit, custom_drive_enabled, custom_drive_path, created_at`

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var limit sql.NullInt64
	if err := row.Scan(&u.ID, &u.Username, &limit, &u.CustomDriveEnabled, &u.CustomDrivePath, &u.CreatedAt); err != nil {
		return nil, err
	}
	if limit.Valid {
		u.StorageLimit = &limit.Int64
	}
	return &u, nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func (q *queries) GetUser(ctx context.Context, id string) (*models.User, error) {
	defer track("get_user")()
	u, err := scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get user "+id, err)
	}
	return u, nil
}

func (q *queries) LockUser(ctx context.Context, id string) error {
	defer track("lock_user")()
	var got string
	err := q.db.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	return mapErr("lock user "+id, err)
}

func (q *queries) CreateUser(ctx context.Context, u *models.User) error {
	defer track("create_user")()
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, nullInt64(u.StorageLimit), u.CustomDriveEnabled, u.CustomDrivePath, created)
	return mapErr("create user "+u.ID, err)
}

func (q *queries) UpdateUser(ctx context.Context, u *models.User) error {
	defer track("update_user")()
	res, err := q.db.ExecContext(ctx,
		`UPDATE users SET username = $2, storage_limit = $3, custom_drive_enabled = $4, custom_drive_path = $5
		 WHERE id = $1`,
		u.ID, u.Username, nullInt64(u.StorageLimit), u.CustomDriveEnabled, u.CustomDrivePath)
	if err != nil {
		return mapErr("update user "+u.ID, err)
	}
	return expectOne("update user "+u.ID, res)
}

func (q *queries) FirstUserID(ctx context.Context) (string, error) {
	defer track("first_user")()
	var id string
	err := q.db.QueryRowContext(ctx, `SELECT id FROM users ORDER BY created_at, id LIMIT 1`).Scan(&id)
	if err != nil {
		return "", mapErr("first user", err)
	}
	return id, nil
}

func (q *queries) ListDriveUsers(ctx context.Context) ([]*models.User, error) {
	defer track("list_drive_users")()
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE custom_drive_enabled AND custom_drive_path <> '' ORDER BY id`)
	if err != nil {
		return nil, mapErr("list drive users", err)
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ─── Settings ───────────────────────────────────────────────────────────────

func (q *queries) GetSettings(ctx context.Context) (*models.AppSettings, error) {
	defer track("get_settings")()
	var s models.AppSettings
	err := q.db.QueryRowContext(ctx,
		`SELECT signup_enabled, max_upload_size, hide_extensions, electron_only, editor_url, editor_secret, updated_at
		 FROM app_settings WHERE id = 1`).Scan(
		&s.SignupEnabled, &s.MaxUploadSize, &s.HideExtensions, &s.ElectronOnly, &s.EditorURL, &s.EditorSecret, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		d := models.DefaultSettings()
		return &d, nil
	}
	if err != nil {
		return nil, mapErr("get settings", err)
	}
	return &s, nil
}

func (q *queries) SaveSettings(ctx context.Context, s *models.AppSettings) error {
	defer track("save_settings")()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO app_settings (id, signup_enabled, max_upload_size, hide_extensions, electron_only, editor_url, editor_secret, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   signup_enabled = EXCLUDED.signup_enabled,
		   max_upload_size = EXCLUDED.max_upload_size,
		   hide_extensions = EXCLUDED.hide_extensions,
		   electron_only = EXCLUDED.electron_only,
		   editor_url = EXCLUDED.editor_url,
		   editor_secret = EXCLUDED.editor_secret,
		   updated_at = NOW()`,
		s.SignupEnabled, s.MaxUploadSize, s.HideExtensions, s.ElectronOnly, s.EditorURL, s.EditorSecret)
	return mapErr("save settings", err)
}

// ─── Share links ────────────────────────────────────────────────────────────

const shareColumns = `l.token, l.file_id, l.user_id, l.password_hash, l.download_count, l.created_at, l.expires_at,
	ARRAY(SELECT f.file_id FROM share_link_files f WHERE f.token = l.token ORDER BY f.file_id)`

func scanShare(row scanner) (*models.ShareLink, error) {
	var l models.ShareLink
	var expires sql.NullTime
	var files []string
	if err := row.Scan(&l.Token, &l.FileID, &l.UserID, &l.PasswordHash, &l.DownloadCount,
		&l.CreatedAt, &expires, pq.Array(&files)); err != nil {
		return nil, err
	}
	if expires.Valid {
		l.ExpiresAt = &expires.Time
	}
	l.FileIDs = files
	l.HasPassword = l.PasswordHash != ""
	return &l, nil
}

// InsertShareLink writes the link and its bulk file rows in one statement.
func (q *queries) InsertShareLink(ctx context.Context, l *models.ShareLink) error {
	defer track("insert_share_link")()
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx,
		`WITH link AS (
		   INSERT INTO share_links (token, file_id, user_id, password_hash, created_at, expires_at)
		   VALUES ($1, $2, $3, $4, $5, $6) RETURNING token
		 )
		 INSERT INTO share_link_files (token, file_id)
		 SELECT link.token, f FROM link, unnest($7::text[]) AS f`,
		l.Token, l.FileID, l.UserID, l.PasswordHash, created, nullTime(l.ExpiresAt), pq.Array(l.FileIDs))
	return mapErr("insert share link", err)
}

func (q *queries) GetShareLink(ctx context.Context, token string) (*models.ShareLink, error) {
	defer track("get_share_link")()
	l, err := scanShare(q.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM share_links l WHERE l.token = $1`, token))
	if err != nil {
		return nil, mapErr("get share link", err)
	}
	return l, nil
}

func (q *queries) ListShareLinks(ctx context.Context, userID string) ([]*models.ShareLink, error) {
	defer track("list_share_links")()
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+shareColumns+` FROM share_links l WHERE l.user_id = $1 ORDER BY l.created_at DESC`, userID)
	if err != nil {
		return nil, mapErr("list share links", err)
	}
	defer rows.Close()

	var out []*models.ShareLink
	for rows.Next() {
		l, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *queries) DeleteShareLink(ctx context.Context, token string) error {
	defer track("delete_share_link")()
	res, err := q.db.ExecContext(ctx, `DELETE FROM share_links WHERE token = $1`, token)
	if err != nil {
		return mapErr("delete share link", err)
	}
	return expectOne("delete share link", res)
}

func (q *queries) IncrementShareDownloads(ctx context.Context, token string) error {
	defer track("increment_share_downloads")()
	res, err := q.db.ExecContext(ctx,
		`UPDATE share_links SET download_count = download_count + 1 WHERE token = $1`, token)
	if err != nil {
		return mapErr("increment share downloads", err)
	}
	return expectOne("increment share downloads", res)
}

// ─── Activity ───────────────────────────────────────────────────────────────

func (q *queries) InsertActivity(ctx context.Context, a *models.ActivityEntry) error {
	defer track("insert_activity")()
	var details sql.NullString
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("marshal activity details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO activity_log (user_id, action, resource_id, status, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.UserID, a.Action, a.ResourceID, a.Status, details, created)
	return mapErr("insert activity", err)
}

func (q *queries) ListActivity(ctx context.Context, userID string, limit int) ([]*models.ActivityEntry, error) {
	defer track("list_activity")()
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, action, resource_id, status, details, created_at FROM activity_log
		 WHERE ($1 = '' OR user_id = $1) ORDER BY id DESC`+limitClause(limit, 0), userID)
	if err != nil {
		return nil, mapErr("list activity", err)
	}
	defer rows.Close()

	var out []*models.ActivityEntry
	for rows.Next() {
		var a models.ActivityEntry
		var details []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.Action, &a.ResourceID, &a.Status, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("decode activity details: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
