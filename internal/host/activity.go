package host

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/gateway"
	"github.com/clawdbot/qqgateway/internal/store"
)

const (
	// activityCap flushes early when this many distinct senders are
	// buffered.
	activityCap = 256
	// activityFlushEvery is the periodic flush interval.
	activityFlushEvery = time.Minute
)

// ActivityBuffer batches recently-seen senders so the roster is not
// written once per inbound message. Flushes happen on a timer, when
// the buffer fills, and on shutdown.
type ActivityBuffer struct {
	sink   func([]store.KnownUser) error
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*store.KnownUser
}

func NewActivityBuffer(sink func([]store.KnownUser) error, logger zerolog.Logger) *ActivityBuffer {
	return &ActivityBuffer{
		sink:    sink,
		logger:  logger.With().Str("component", "activity").Logger(),
		pending: make(map[string]*store.KnownUser),
	}
}

// Note records one inbound event. Counts for the same sender coalesce
// until the next flush.
func (b *ActivityBuffer) Note(ev *gateway.InboundEvent) {
	if ev.SenderID == "" {
		return
	}
	now := time.Now().UnixMilli()

	b.mu.Lock()
	key := ev.AccountID + "/" + ev.SenderID
	u := b.pending[key]
	if u == nil {
		u = &store.KnownUser{
			AccountID: ev.AccountID,
			OpenID:    ev.SenderID,
			FirstSeen: now,
		}
		b.pending[key] = u
	}
	if ev.SenderName != "" {
		u.Name = ev.SenderName
	}
	u.Kind = string(ev.Kind)
	u.LastSeen = now
	u.Messages++
	full := len(b.pending) >= activityCap
	b.mu.Unlock()

	if full {
		if err := b.Flush(); err != nil {
			b.logger.Warn().Err(err).Msg("activity flush failed")
		}
	}
}

// Flush hands the buffered batch to the sink and resets the buffer.
func (b *ActivityBuffer) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]store.KnownUser, 0, len(b.pending))
	for _, u := range b.pending {
		batch = append(batch, *u)
	}
	b.pending = make(map[string]*store.KnownUser)
	b.mu.Unlock()

	return b.sink(batch)
}

// Len reports how many senders are waiting to be flushed.
func (b *ActivityBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes periodically until ctx is canceled, then flushes one
// final time. every <= 0 uses the default interval.
func (b *ActivityBuffer) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = activityFlushEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(); err != nil {
				b.logger.Warn().Err(err).Msg("final activity flush failed")
			}
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.logger.Warn().Err(err).Msg("activity flush failed")
			}
		}
	}
}
