package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectLadderProgression(t *testing.T) {
	var ladder ReconnectLadder

	for i := 1; i <= 3; i++ {
		action, delay, attempt := ladder.Next()
		assert.Equal(t, ReconnectNow, action)
		assert.Zero(t, delay)
		assert.Equal(t, i, attempt)
	}

	action, delay, attempt := ladder.Next()
	assert.Equal(t, ReconnectAfterDelay, action)
	assert.Equal(t, 10*time.Second, delay)
	assert.Equal(t, 4, attempt)

	action, delay, attempt = ladder.Next()
	assert.Equal(t, ReconnectAfterDelay, action)
	assert.Equal(t, 20*time.Second, delay)
	assert.Equal(t, 5, attempt)

	action, _, attempt = ladder.Next()
	assert.Equal(t, RequireRelogin, action)
	assert.Equal(t, 6, attempt)
}

func TestReconnectLadderReset(t *testing.T) {
	var ladder ReconnectLadder
	for i := 0; i < 5; i++ {
		ladder.Next()
	}
	ladder.Reset()

	action, delay, attempt := ladder.Next()
	assert.Equal(t, ReconnectNow, action)
	assert.Zero(t, delay)
	assert.Equal(t, 1, attempt)
}

func TestAnnouncement(t *testing.T) {
	assert.Equal(t,
		"WhatsApp connection failed! Trying to reconnect! Retry #2",
		Announcement(ReconnectNow, 0, 2))
	assert.Equal(t,
		"WhatsApp connection failed! Waiting 10 seconds before trying to reconnect! Retry #4.",
		Announcement(ReconnectAfterDelay, 10*time.Second, 4))
	assert.Equal(t,
		"Connection failed 5 times. Please rescan the QR code.",
		Announcement(RequireRelogin, 0, 6))
}
