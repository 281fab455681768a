package bridge

import (
	"fmt"
	"sync"
	"time"
)

// ReconnectAction is what the connection loop should do after a drop.
type ReconnectAction int

const (
	// ReconnectNow retries immediately.
	ReconnectNow ReconnectAction = iota
	// ReconnectAfterDelay retries after the returned delay.
	ReconnectAfterDelay
	// RequireRelogin gives up on the session; the stored credentials are
	// discarded and the user must pair again.
	RequireRelogin
)

const (
	immediateRetries = 3
	maxRetries       = 5
	retryDelayStep   = 10 * time.Second
)

// ReconnectLadder tracks consecutive connection failures. The first three
// retries are immediate, the next two back off in growing steps, and after
// five failures the session is declared dead. A successful connection resets
// the ladder.
type ReconnectLadder struct {
	mu      sync.Mutex
	attempt int
}

// Next registers one more failure and returns the action to take, the delay
// to wait (zero unless the action is ReconnectAfterDelay) and the attempt
// number for announcements.
func (r *ReconnectLadder) Next() (ReconnectAction, time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	switch {
	case r.attempt <= immediateRetries:
		return ReconnectNow, 0, r.attempt
	case r.attempt <= maxRetries:
		return ReconnectAfterDelay, time.Duration(r.attempt-immediateRetries) * retryDelayStep, r.attempt
	default:
		return RequireRelogin, 0, r.attempt
	}
}

// Reset clears the failure count after a successful connection.
func (r *ReconnectLadder) Reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// Attempt returns the current failure count.
func (r *ReconnectLadder) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Announcement renders the user-facing line for a ladder decision.
func Announcement(action ReconnectAction, delay time.Duration, attempt int) string {
	switch action {
	case ReconnectNow:
		return fmt.Sprintf("WhatsApp connection failed! Trying to reconnect! Retry #%d", attempt)
	case ReconnectAfterDelay:
		return fmt.Sprintf("WhatsApp connection failed! Waiting %d seconds before trying to reconnect! Retry #%d.", int(delay.Seconds()), attempt)
	default:
		return "Connection failed 5 times. Please rescan the QR code."
	}
}
