package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundCarriesDetails(t *testing.T) {
	err := NotFound("build", "42")
	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, "42", err.Details["id"])
	assert.True(t, IsServiceError(err))
	assert.Equal(t, 404, GetHTTPStatus(err))
	assert.True(t, Is404(err))
}

func TestUpstreamErrorWrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := UpstreamError("get_build_info", cause)
	assert.ErrorIs(t, err, cause)
	assert.False(t, Is404(err))
	assert.Equal(t, 502, GetHTTPStatus(err))
}

func TestGetServiceErrorReturnsNilForPlainError(t *testing.T) {
	assert.Nil(t, GetServiceError(fmt.Errorf("plain")))
	assert.False(t, IsServiceError(fmt.Errorf("plain")))
	assert.Equal(t, 500, GetHTTPStatus(fmt.Errorf("plain")))
}
