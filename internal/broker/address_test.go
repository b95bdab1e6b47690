package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveZMQAddressLeavesWildcardHostUntouched(t *testing.T) {
	resolved, err := resolveZMQAddress("tcp://*:5555")
	assert.NoError(t, err)
	assert.Equal(t, "tcp://*:5555", resolved)
}

func TestResolveZMQAddressResolvesLoopback(t *testing.T) {
	resolved, err := resolveZMQAddress("tcp://localhost:5555")
	assert.NoError(t, err)
	assert.Contains(t, resolved, ":5555")
	assert.Contains(t, resolved, "tcp://")
}

func TestResolveZMQAddressWithoutPortIsUnchanged(t *testing.T) {
	resolved, err := resolveZMQAddress("inproc://broker")
	assert.NoError(t, err)
	assert.Equal(t, "inproc://broker", resolved)
}
