package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/qqapi"
)

const (
	// streamKeepaliveInterval is how long the stream may sit idle
	// before an empty chunk goes out. The platform terminates a
	// streaming message after 10s of silence, so stay under that.
	streamKeepaliveInterval = 8 * time.Second

	streamKeepaliveTimeout = 10 * time.Second
)

// StreamSender delivers one reply incrementally to a C2C chat. Chunk
// indexes are strictly increasing, at most one REST call is in flight
// at a time, and exactly one end-state chunk closes the session. Text
// pushed while a chunk is in flight is stashed and drained by the
// in-flight sender.
type StreamSender struct {
	d         *Dispatcher
	openid    string
	replyToID string
	logger    zerolog.Logger

	// sendMu serializes REST calls for this stream.
	sendMu sync.Mutex

	mu             sync.Mutex
	fullText       string
	sentLen        int
	index          int
	streamID       string
	ended          bool
	keepalive      *time.Timer
	keepaliveEvery time.Duration
}

// NewStream opens a streaming session replying to replyToID in the
// given C2C chat. The caller must finish it with End.
func (d *Dispatcher) NewStream(openid, replyToID string) *StreamSender {
	s := &StreamSender{
		d:              d,
		openid:         openid,
		replyToID:      replyToID,
		logger:         d.logger.With().Str("stream_to", openid).Logger(),
		keepaliveEvery: streamKeepaliveInterval,
	}
	s.mu.Lock()
	s.armKeepaliveLocked()
	s.mu.Unlock()
	return s
}

// Push updates the accumulated reply to fullText (expected to extend
// the previous value) and sends whatever has not gone out yet.
func (s *StreamSender) Push(ctx context.Context, fullText string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	if len(fullText) > len(s.fullText) {
		s.fullText = fullText
	}
	s.mu.Unlock()

	if !s.sendMu.TryLock() {
		// A chunk is in flight; its drain loop picks this text up.
		return nil
	}
	defer s.sendMu.Unlock()
	return s.drain(ctx)
}

// End sends the final chunk with the end state and closes the
// session. Later Push and End calls are no-ops.
func (s *StreamSender) End(ctx context.Context, finalText string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	if len(finalText) > len(s.fullText) {
		s.fullText = finalText
	}
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
	delta := s.fullText[s.sentLen:]
	body := s.chunkLocked(delta, qqapi.StreamStateEnd)
	s.mu.Unlock()

	res, err := s.send(ctx, body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sentLen = len(s.fullText)
	s.noteSentLocked(res)
	s.mu.Unlock()
	return nil
}

// drain sends pending text one chunk at a time until none remains.
// The caller holds sendMu.
func (s *StreamSender) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return nil
		}
		delta := s.fullText[s.sentLen:]
		if delta == "" {
			s.mu.Unlock()
			return nil
		}
		body := s.chunkLocked(delta, qqapi.StreamStateStreaming)
		s.mu.Unlock()

		res, err := s.send(ctx, body)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.sentLen += len(delta)
		s.noteSentLocked(res)
		s.mu.Unlock()
	}
}

// chunkLocked builds the next chunk body and claims its index. Stream
// chunks always carry the inbound msg_id and bypass the reply limiter.
func (s *StreamSender) chunkLocked(content string, state int) *qqapi.MessageBody {
	body := &qqapi.MessageBody{
		Content: content,
		MsgType: qqapi.MsgTypeText,
		Stream: &qqapi.Stream{
			State: state,
			Index: s.index,
			ID:    s.streamID,
		},
	}
	s.index++
	if s.replyToID != "" {
		body.MsgID = s.replyToID
		body.MsgSeq = s.d.seqs.Next(s.replyToID)
	}
	return body
}

func (s *StreamSender) noteSentLocked(res *qqapi.SendResult) {
	if s.streamID == "" && res != nil {
		s.streamID = res.MessageID
	}
	s.armKeepaliveLocked()
}

func (s *StreamSender) armKeepaliveLocked() {
	if s.ended {
		return
	}
	if s.keepalive != nil {
		s.keepalive.Stop()
	}
	s.keepalive = time.AfterFunc(s.keepaliveEvery, s.keepaliveTick)
}

// keepaliveTick fires when nothing has gone out for the keepalive
// interval and sends an empty streaming chunk to hold the session
// open.
func (s *StreamSender) keepaliveTick() {
	if !s.sendMu.TryLock() {
		// A real chunk is in flight, which is keepalive enough.
		return
	}
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	body := s.chunkLocked("", qqapi.StreamStateStreaming)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), streamKeepaliveTimeout)
	defer cancel()

	res, err := s.send(ctx, body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Msg("stream keepalive failed")
		s.armKeepaliveLocked()
		return
	}
	s.noteSentLocked(res)
}

func (s *StreamSender) send(ctx context.Context, body *qqapi.MessageBody) (*qqapi.SendResult, error) {
	res, err := s.d.postWithAuthRetry(ctx, Target{Kind: TargetC2C, ID: s.openid}, body)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.d.metrics != nil {
		s.d.metrics.RecordOutbound(s.d.account.ID, string(TargetC2C), outcome)
	}
	return res, err
}
