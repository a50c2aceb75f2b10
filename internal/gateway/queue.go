package gateway

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/metrics"
)

// Queue decouples the websocket read loop from the reply pipeline. The
// read loop enqueues and moves on; one worker drains in arrival order.
// When the buffer is full the oldest event is dropped, never the read
// loop blocked.
type Queue struct {
	events  chan *InboundEvent
	logger  zerolog.Logger
	metrics *metrics.Metrics

	processed atomic.Int64
	dropped   atomic.Int64
}

// DefaultQueueSize bounds how many inbound events can wait for the
// pipeline before old ones get discarded.
const DefaultQueueSize = 1000

// NewQueue creates a queue with the given capacity; size <= 0 uses
// DefaultQueueSize.
func NewQueue(size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		events: make(chan *InboundEvent, size),
		logger: logger.With().Str("component", "inbound-queue").Logger(),
	}
}

// SetMetrics attaches Prometheus metrics.
func (q *Queue) SetMetrics(m *metrics.Metrics) {
	q.metrics = m
}

// Enqueue adds an event without blocking. If the buffer is full the
// oldest waiting event is evicted to make room. Returns false when the
// event displaced another one.
func (q *Queue) Enqueue(ev *InboundEvent) bool {
	select {
	case q.events <- ev:
		return true
	default:
	}

	// Full: evict the head and retry once. The second send can only
	// fail if another producer refilled the slot, which never happens
	// with a single read loop, but stay safe anyway.
	select {
	case old := <-q.events:
		q.dropped.Add(1)
		if q.metrics != nil {
			q.metrics.RecordQueueDrop(old.AccountID)
		}
		q.logger.Warn().
			Str("account", old.AccountID).
			Str("message_id", old.MessageID).
			Msg("inbound queue full, dropping oldest event")
	default:
	}

	select {
	case q.events <- ev:
	default:
		q.dropped.Add(1)
		if q.metrics != nil {
			q.metrics.RecordQueueDrop(ev.AccountID)
		}
	}
	return false
}

// Run drains the queue with a single worker until ctx is canceled.
// Events are handed to handle one at a time, preserving arrival order.
func (q *Queue) Run(ctx context.Context, handle func(context.Context, *InboundEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.events:
			q.processed.Add(1)
			handle(ctx, ev)
		}
	}
}

// Len reports how many events are waiting.
func (q *Queue) Len() int {
	return len(q.events)
}

// Processed returns how many events the worker has handled.
func (q *Queue) Processed() int64 {
	return q.processed.Load()
}

// Dropped returns how many events were discarded to keep the buffer
// bounded.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
