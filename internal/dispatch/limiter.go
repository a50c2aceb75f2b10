package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Passive-reply quota: the platform accepts at most ReplyLimit replies
// carrying a given inbound msg_id, and only within ReplyWindow of the
// first reply.
const (
	ReplyLimit  = 4
	ReplyWindow = time.Hour

	// limiterPruneThreshold triggers a lazy sweep of stale records.
	limiterPruneThreshold = 10_000
)

// FallbackReason says why a passive reply had to become an active send.
type FallbackReason string

const (
	FallbackNone          FallbackReason = ""
	FallbackExpired       FallbackReason = "expired"
	FallbackLimitExceeded FallbackReason = "limit_exceeded"
)

type quotaRecord struct {
	count        int
	firstReplyAt time.Time
}

// ReplyLimiter tracks the passive-reply quota per inbound message id.
type ReplyLimiter struct {
	mu      sync.Mutex
	records map[string]quotaRecord
	logger  zerolog.Logger
	now     func() time.Time
}

func NewReplyLimiter(logger zerolog.Logger) *ReplyLimiter {
	return &ReplyLimiter{
		records: make(map[string]quotaRecord),
		logger:  logger.With().Str("component", "reply-limiter").Logger(),
		now:     time.Now,
	}
}

// Check reports whether another passive reply to messageID is allowed.
// When it is not, reason says whether the window expired or the quota
// ran out; the caller sends an active message instead.
func (l *ReplyLimiter) Check(messageID string) (allowed bool, remaining int, reason FallbackReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[messageID]
	if !ok {
		return true, ReplyLimit, FallbackNone
	}
	if l.now().Sub(rec.firstReplyAt) > ReplyWindow {
		return false, 0, FallbackExpired
	}
	if rec.count >= ReplyLimit {
		return false, 0, FallbackLimitExceeded
	}
	return true, ReplyLimit - rec.count, FallbackNone
}

// RecordReply counts a successful passive send. Call it once per send
// that actually carried the msg_id.
func (l *ReplyLimiter) RecordReply(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[messageID]
	if !ok {
		rec = quotaRecord{firstReplyAt: now}
	}
	rec.count++
	l.records[messageID] = rec

	if len(l.records) > limiterPruneThreshold {
		l.pruneLocked(now)
	}
}

// Len reports how many message ids hold a quota record.
func (l *ReplyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *ReplyLimiter) pruneLocked(now time.Time) {
	before := len(l.records)
	for id, rec := range l.records {
		if now.Sub(rec.firstReplyAt) > ReplyWindow {
			delete(l.records, id)
		}
	}
	l.logger.Debug().
		Int("before", before).
		Int("after", len(l.records)).
		Msg("pruned reply quota records")
}
