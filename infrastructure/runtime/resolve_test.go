package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveIntPrefersConfigValue(t *testing.T) {
	t.Setenv("WORKER_MAX_WORKERS", "9")
	assert.Equal(t, 4, ResolveInt(4, "WORKER_MAX_WORKERS", 1))
}

func TestResolveIntFallsBackToEnvThenDefault(t *testing.T) {
	t.Setenv("WORKER_MAX_WORKERS", "9")
	assert.Equal(t, 9, ResolveInt(0, "WORKER_MAX_WORKERS", 1))

	t.Setenv("WORKER_MAX_WORKERS", "")
	assert.Equal(t, 1, ResolveInt(0, "WORKER_MAX_WORKERS", 1))
}

func TestResolveDuration(t *testing.T) {
	t.Setenv("BROKER_POLL_TIMEOUT_MS", "250ms")
	assert.Equal(t, 250*time.Millisecond, ResolveDuration(0, "BROKER_POLL_TIMEOUT_MS", time.Second))
	assert.Equal(t, 10*time.Millisecond, ResolveDuration(10*time.Millisecond, "BROKER_POLL_TIMEOUT_MS", time.Second))
}

func TestResolveString(t *testing.T) {
	t.Setenv("DRONE_OWNER", "octocat")
	assert.Equal(t, "octocat", ResolveString("", "DRONE_OWNER", "fallback"))
	assert.Equal(t, "explicit", ResolveString("explicit", "DRONE_OWNER", "fallback"))
}

func TestResolveBoolRequiresExplicitEnvValue(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "")
	assert.True(t, ResolveBool(true, "METRICS_ENABLED"))

	t.Setenv("METRICS_ENABLED", "false")
	assert.False(t, ResolveBool(true, "METRICS_ENABLED"))
}
