package memory

import (
	"testing"

	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/metadatatest"
)

func TestStoreConformance(t *testing.T) {
	metadatatest.Run(t, func(t *testing.T) metadata.Store {
		return New()
	})
}
