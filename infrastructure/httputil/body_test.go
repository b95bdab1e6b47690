package httputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllWithLimitTruncates(t *testing.T) {
	r := strings.NewReader("0123456789")
	body, truncated, err := ReadAllWithLimit(r, 5)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "01234", string(body))
}

func TestReadAllWithLimitUnderLimit(t *testing.T) {
	r := strings.NewReader("short")
	body, truncated, err := ReadAllWithLimit(r, 50)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "short", string(body))
}

func TestReadAllStrictReturnsErrorWhenTooLarge(t *testing.T) {
	r := strings.NewReader("0123456789")
	_, err := ReadAllStrict(r, 3)
	require.Error(t, err)
	var tooLarge *BodyTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(3), tooLarge.Limit)
}
