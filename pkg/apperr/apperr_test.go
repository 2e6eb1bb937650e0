package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeTooLarge, CodeOf(New(CodeTooLarge, "too big")))
	assert.Equal(t, CodeInternalError, CodeOf(errors.New("untyped")))

	// Codes survive fmt wrapping.
	wrapped := fmt.Errorf("context: %w", New(CodeEmptyContent, "empty"))
	assert.Equal(t, CodeEmptyContent, CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeIngestFailed, "commit failed", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "IngestFailed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(CodeObjectNotFound, "document %s not found", "d1")
	assert.True(t, errors.Is(err, New(CodeObjectNotFound, "")))
	assert.False(t, errors.Is(err, New(CodeTooLarge, "")))
	assert.True(t, IsCode(err, CodeObjectNotFound))
	assert.False(t, IsCode(errors.New("untyped"), CodeObjectNotFound))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeTenantNotFound))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeObjectNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeTenantSuspended))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeNoCategoryAccess))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeLastAdminForbidden))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeMimeNotAllowed))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeInvalidArgument))
	assert.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(CodeTooLarge))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(CodeRateLimited))
	// Refusals are not transport errors; the request itself succeeded.
	assert.Equal(t, http.StatusOK, HTTPStatus(CodeContentBlocked))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternalError))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Code("Unknown")))
}
