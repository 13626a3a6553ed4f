// Package provider builds storage backends from configuration and routes
// owners to the backend that holds their content.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/local"
	"github.com/fruitsalade/pantry/internal/storage/minio"
	s3backend "github.com/fruitsalade/pantry/internal/storage/s3"
	"github.com/fruitsalade/pantry/internal/storage/smb"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "minio":
		return minio.NewFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
