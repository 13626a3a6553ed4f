package filetree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
)

// SetCustomDrive switches userID between managed storage and a host
// directory. Only the user or the first user may do it. When the drive path
// changes, rows of the old drive are detached; files on the host stay.
func (s *Service) SetCustomDrive(ctx context.Context, actor, userID string, enabled bool, drivePath string) (*models.User, error) {
	u, err := s.setCustomDrive(ctx, actor, userID, enabled, drivePath)
	s.finish("set_custom_drive", userID, userID, nil, "", err)
	return u, err
}

func (s *Service) setCustomDrive(ctx context.Context, actor, userID string, enabled bool, drivePath string) (*models.User, error) {
	if actor != userID {
		first, err := s.store.FirstUserID(ctx)
		if err != nil {
			return nil, err
		}
		if actor != first {
			return nil, fmt.Errorf("only the user or the administrator may change a drive: %w", apperr.ErrPermissionDenied)
		}
	}

	if drivePath != "" {
		if !filepath.IsAbs(drivePath) {
			return nil, fmt.Errorf("drive path %q must be absolute: %w", drivePath, apperr.ErrInvalid)
		}
		drivePath = filepath.Clean(drivePath)
		fi, err := os.Stat(drivePath)
		if err != nil {
			return nil, fmt.Errorf("drive path %q: %w", drivePath, apperr.ErrInvalid)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("drive path %q is not a directory: %w", drivePath, apperr.ErrInvalid)
		}
	} else if enabled {
		return nil, fmt.Errorf("enabling a drive needs a path: %w", apperr.ErrInvalid)
	}

	var (
		out      *models.User
		oldPath  string
		detached int64
	)
	err := s.inTx(ctx, userID, func(q metadata.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		oldPath = u.CustomDrivePath
		if oldPath != "" && oldPath != drivePath {
			if detached, err = q.DeleteNamespace(ctx, userID, models.LocationDrive); err != nil {
				return fmt.Errorf("detach drive rows: %w", err)
			}
		}
		u.CustomDriveEnabled = enabled
		u.CustomDrivePath = drivePath
		if err := q.UpdateUser(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldPath != "" && oldPath != drivePath {
		s.backends.Forget(oldPath)
		s.log.Info("custom drive changed",
			zap.String("user", userID), zap.String("from", oldPath),
			zap.String("to", drivePath), zap.Int64("detached_rows", detached))
	}
	return out, nil
}
