package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/clawdbot/qqgateway/internal/errors"
)

func TestReconnectPolicy_BackoffSchedule(t *testing.T) {
	p := NewReconnectPolicy()
	cause := DisconnectCause{Err: errors.New("read: connection reset")}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		d := p.Decide(cause)
		require.True(t, d.Reconnect, "attempt %d", i+1)
		assert.Equal(t, w, d.Delay, "attempt %d", i+1)
	}
}

func TestReconnectPolicy_OnOpenResetsAttempts(t *testing.T) {
	p := NewReconnectPolicy()
	cause := DisconnectCause{Err: errors.New("boom")}

	p.Decide(cause)
	p.Decide(cause)
	assert.Equal(t, 2, p.Attempts())

	p.OnOpen()
	assert.Equal(t, 0, p.Attempts())

	d := p.Decide(cause)
	assert.Equal(t, 1*time.Second, d.Delay)
}

func TestReconnectPolicy_CleanClose(t *testing.T) {
	p := NewReconnectPolicy()
	d := p.Decide(DisconnectCause{CloseCode: CloseNormal})
	assert.False(t, d.Reconnect)
	assert.False(t, d.Terminal)
}

func TestReconnectPolicy_TerminalCloseCodes(t *testing.T) {
	p := NewReconnectPolicy()

	d := p.Decide(DisconnectCause{CloseCode: CloseBotOffline})
	assert.True(t, d.Terminal)

	d = p.Decide(DisconnectCause{CloseCode: CloseBotBanned})
	assert.True(t, d.Terminal)
}

func TestReconnectPolicy_ConnectionExpiredKeepsSession(t *testing.T) {
	p := NewReconnectPolicy()
	d := p.Decide(DisconnectCause{CloseCode: CloseConnectionExpired})

	require.True(t, d.Reconnect)
	assert.True(t, d.RefreshToken)
	assert.False(t, d.ClearSession)
}

func TestReconnectPolicy_InternalErrorClearsSession(t *testing.T) {
	p := NewReconnectPolicy()
	for _, code := range []int{CloseInternalMin, 4905, CloseInternalMax} {
		d := p.Decide(DisconnectCause{CloseCode: code})
		require.True(t, d.Reconnect, "code %d", code)
		assert.True(t, d.ClearSession, "code %d", code)
		assert.True(t, d.RefreshToken, "code %d", code)
	}
}

func TestReconnectPolicy_RateLimited(t *testing.T) {
	p := NewReconnectPolicy()

	err := perrors.NewAPIError("qq", 400, perrors.CodeRateLimited, "Too many requests")
	d := p.Decide(DisconnectCause{Err: err})

	require.True(t, d.Reconnect)
	assert.Equal(t, rateLimitDelay, d.Delay)
	assert.Equal(t, "rate limited", d.Reason)
}

func TestReconnectPolicy_QuickDisconnectStreak(t *testing.T) {
	cur := time.Now()
	p := NewReconnectPolicy()
	p.now = func() time.Time { return cur }

	cause := DisconnectCause{Err: errors.New("closed unexpectedly")}

	// Three times in a row: open, then drop one second later.
	var d Decision
	for i := 0; i < 3; i++ {
		p.OnOpen()
		cur = cur.Add(time.Second)
		d = p.Decide(cause)
	}
	assert.Equal(t, rateLimitDelay, d.Delay)
	assert.Equal(t, "quick disconnect streak", d.Reason)

	// The streak counter reset; the next quick drop is streak #1 again.
	p.OnOpen()
	cur = cur.Add(time.Second)
	d = p.Decide(cause)
	assert.Equal(t, 1*time.Second, d.Delay)
}

func TestReconnectPolicy_SlowDisconnectBreaksStreak(t *testing.T) {
	cur := time.Now()
	p := NewReconnectPolicy()
	p.now = func() time.Time { return cur }

	cause := DisconnectCause{Err: errors.New("closed")}

	p.OnOpen()
	cur = cur.Add(time.Second)
	p.Decide(cause)

	p.OnOpen()
	cur = cur.Add(time.Second)
	p.Decide(cause)

	// A long-lived session resets the streak before the third drop.
	p.OnOpen()
	cur = cur.Add(time.Minute)
	d := p.Decide(cause)
	assert.Equal(t, 1*time.Second, d.Delay)

	p.OnOpen()
	cur = cur.Add(time.Second)
	d = p.Decide(cause)
	assert.NotEqual(t, rateLimitDelay, d.Delay)
}

func TestReconnectPolicy_AttemptCap(t *testing.T) {
	p := NewReconnectPolicy()
	cause := DisconnectCause{Err: errors.New("boom")}

	var d Decision
	for i := 0; i < maxReconnectAttempts; i++ {
		d = p.Decide(cause)
		require.True(t, d.Reconnect)
	}
	d = p.Decide(cause)
	assert.True(t, d.Terminal)
	assert.Equal(t, "reconnect attempt cap reached", d.Reason)
}
