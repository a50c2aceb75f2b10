package gateway

import (
	"sync"
	"time"

	perrors "github.com/clawdbot/qqgateway/internal/errors"
)

// reconnectSchedule is the backoff ladder; attempts past the end stay
// at the last entry.
var reconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const (
	// maxReconnectAttempts gives up after this many consecutive
	// failures; a successful open resets the count.
	maxReconnectAttempts = 100

	// quickDisconnectWindow classifies a close shortly after open as a
	// quick disconnect; three in a row back off hard.
	quickDisconnectWindow = 5 * time.Second
	quickDisconnectLimit  = 3

	// rateLimitDelay is the fixed pause after the platform says we are
	// sending too much, and after a quick-disconnect streak.
	rateLimitDelay = 60 * time.Second
)

// DisconnectCause describes what ended a gateway session.
type DisconnectCause struct {
	CloseCode int
	Err       error
}

// Decision tells the gateway what to do about a disconnect.
type Decision struct {
	Reconnect    bool
	Terminal     bool
	Delay        time.Duration
	ClearSession bool
	RefreshToken bool
	Reason       string
}

// ReconnectPolicy turns disconnect causes into reconnect decisions. It
// tracks consecutive failed attempts and quick-disconnect streaks.
type ReconnectPolicy struct {
	mu               sync.Mutex
	attempts         int
	quickDisconnects int
	lastOpenAt       time.Time
	now              func() time.Time
}

func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{now: time.Now}
}

// OnOpen records a successful connection and resets the attempt count.
func (p *ReconnectPolicy) OnOpen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.lastOpenAt = p.now()
}

// Attempts reports consecutive attempts since the last successful open.
func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Decide classifies a disconnect. Callers act on the returned Decision
// exactly once per disconnect.
func (p *ReconnectPolicy) Decide(cause DisconnectCause) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case cause.CloseCode == CloseNormal:
		return Decision{Reason: "clean close"}
	case cause.CloseCode == CloseBotOffline:
		return Decision{Terminal: true, Reason: "bot removed or offline"}
	case cause.CloseCode == CloseBotBanned:
		return Decision{Terminal: true, Reason: "bot banned"}
	}

	p.attempts++
	if p.attempts > maxReconnectAttempts {
		return Decision{Terminal: true, Reason: "reconnect attempt cap reached"}
	}

	d := Decision{
		Reconnect: true,
		Delay:     p.delayLocked(),
		Reason:    "connection lost",
	}

	switch {
	case cause.CloseCode == CloseConnectionExpired:
		// Session is still resumable with a fresh token.
		d.RefreshToken = true
		d.Reason = "connection expired"
	case cause.CloseCode >= CloseInternalMin && cause.CloseCode <= CloseInternalMax:
		d.ClearSession = true
		d.RefreshToken = true
		d.Reason = "platform internal error"
	case perrors.IsRateLimited(cause.Err):
		d.Delay = rateLimitDelay
		d.Reason = "rate limited"
	}

	// A streak of closes right after open means something rejects us
	// post-handshake; pause hard instead of hammering.
	if !p.lastOpenAt.IsZero() && p.now().Sub(p.lastOpenAt) < quickDisconnectWindow {
		p.quickDisconnects++
		if p.quickDisconnects >= quickDisconnectLimit {
			p.quickDisconnects = 0
			d.Delay = rateLimitDelay
			d.Reason = "quick disconnect streak"
		}
	} else {
		p.quickDisconnects = 0
	}

	return d
}

func (p *ReconnectPolicy) delayLocked() time.Duration {
	idx := p.attempts - 1
	if idx >= len(reconnectSchedule) {
		idx = len(reconnectSchedule) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return reconnectSchedule[idx]
}
