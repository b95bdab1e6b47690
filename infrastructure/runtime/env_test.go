package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvPrefersButlerEnvOverLegacy(t *testing.T) {
	t.Setenv("BUTLER_ENV", "production")
	t.Setenv("ENVIRONMENT", "testing")
	assert.Equal(t, Production, Env())
	assert.True(t, IsProduction())
}

func TestEnvFallsBackToLegacyEnvironment(t *testing.T) {
	t.Setenv("BUTLER_ENV", "")
	t.Setenv("ENVIRONMENT", "testing")
	assert.Equal(t, Testing, Env())
	assert.True(t, IsDevelopmentOrTesting())
}

func TestEnvDefaultsToDevelopment(t *testing.T) {
	t.Setenv("BUTLER_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	assert.Equal(t, Development, Env())
	assert.True(t, IsDevelopment())
}

func TestParseEnvIntAndDuration(t *testing.T) {
	t.Setenv("MAX_WORKERS", "7")
	v, ok := ParseEnvInt("MAX_WORKERS")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	t.Setenv("POLL_TIMEOUT", "100ms")
	d, ok := ParseEnvDuration("POLL_TIMEOUT")
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)

	_, ok = ParseEnvInt("DOES_NOT_EXIST")
	assert.False(t, ok)
}

func TestParseBoolValue(t *testing.T) {
	assert.True(t, ParseBoolValue("true"))
	assert.True(t, ParseBoolValue("1"))
	assert.True(t, ParseBoolValue("YES"))
	assert.False(t, ParseBoolValue("nope"))
	assert.False(t, ParseBoolValue(""))
}
