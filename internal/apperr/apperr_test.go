package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFollowsWrapping(t *testing.T) {
	err := fmt.Errorf("move entry abc: %w", ErrCycle)
	assert.Equal(t, "cycle_rejected", Kind(err))
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
}

func TestKindUnknown(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, "internal", Kind(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestKindQuota(t *testing.T) {
	err := fmt.Errorf("upload: %w", ErrQuotaExceeded)
	assert.Equal(t, "quota_exceeded", Kind(err))
	assert.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(err))
}
