package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(map[string]Rule{"status": {Max: 2, Window: time.Minute}})
	assert.True(t, l.Allow("c1", "status"))
	assert.True(t, l.Allow("c1", "status"))
	assert.False(t, l.Allow("c1", "status"))
}

func TestAllowUnratedClassAlwaysAllowed(t *testing.T) {
	l := New(map[string]Rule{"status": {Max: 1, Window: time.Minute}})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("c1", "heartbeat"))
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(map[string]Rule{"status": {Max: 1, Window: time.Millisecond}})
	assert.True(t, l.Allow("c1", "status"))
	assert.False(t, l.Allow("c1", "status"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.Allow("c1", "status"))
}

func TestAllowIsolatedPerClientAndClass(t *testing.T) {
	l := New(map[string]Rule{"status": {Max: 1, Window: time.Minute}, "log": {Max: 1, Window: time.Minute}})
	assert.True(t, l.Allow("c1", "status"))
	assert.True(t, l.Allow("c2", "status"))
	assert.True(t, l.Allow("c1", "log"))
}

func TestForgetDropsClientWindows(t *testing.T) {
	l := New(map[string]Rule{"status": {Max: 1, Window: time.Minute}})
	l.Allow("c1", "status")
	assert.Equal(t, 1, l.Size())
	l.Forget("c1")
	assert.Equal(t, 0, l.Size())
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	l := New(map[string]Rule{"status": {Max: 1, Window: time.Millisecond}})
	l.Allow("c1", "status")
	time.Sleep(5 * time.Millisecond)
	removed := l.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, l.Size())
}
