package host

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/config"
	"github.com/clawdbot/qqgateway/internal/dispatch"
	perrors "github.com/clawdbot/qqgateway/internal/errors"
	"github.com/clawdbot/qqgateway/internal/gateway"
	"github.com/clawdbot/qqgateway/internal/metrics"
	"github.com/clawdbot/qqgateway/internal/requestid"
)

const (
	// pipelineWatchdog bounds how long a run may stay silent before the
	// user is told and the queue slot freed.
	pipelineWatchdog = 60 * time.Second
	// typingSeconds is the advertised C2C typing-indicator duration.
	typingSeconds = 10

	errorPrefix  = "[ClawdBot] 出错: "
	timeoutLine  = errorPrefix + "响应超时,请稍后再试"
	authHintLine = errorPrefix + "机器人凭证校验未通过,请检查 AppID 与 ClientSecret 配置"

	errorLineMax = 300
)

// Runner adapts Services to the gateway queue worker for one account:
// it formats inbound events, runs the pipeline under a watchdog, turns
// partials into stream chunks, and reports failures back to the sender.
type Runner struct {
	account    config.Account
	services   Services
	dispatcher *dispatch.Dispatcher
	activity   *ActivityBuffer
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	watchdog   time.Duration
}

func NewRunner(account config.Account, services Services, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *Runner {
	l := logger.With().Str("component", "runner").Str("account", account.ID).Logger()
	return &Runner{
		account:    account,
		services:   services,
		dispatcher: dispatcher,
		activity:   NewActivityBuffer(services.RecordActivity, l),
		logger:     l,
		watchdog:   pipelineWatchdog,
	}
}

// SetMetrics attaches Prometheus metrics.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Activity exposes the known-users buffer so the process can run its
// flush loop and force a final flush on shutdown.
func (r *Runner) Activity() *ActivityBuffer {
	return r.activity
}

// Handle processes one inbound event on the queue worker. It returns
// when the pipeline finishes, or on watchdog expiry with the run
// abandoned, so a slow pipeline cannot starve the queue forever.
func (r *Runner) Handle(ctx context.Context, ev *gateway.InboundEvent) {
	ctx, reqID := requestid.New(ctx)
	logger := r.logger.With().
		Str("request_id", reqID).
		Str("message_id", ev.MessageID).
		Logger()

	target := targetFor(ev)
	if target == "" {
		logger.Warn().Str("kind", string(ev.Kind)).Msg("inbound event has no reply route")
		return
	}

	r.activity.Note(ev)

	envelope := r.services.FormatInboundEnvelope(ev)
	if envelope == "" {
		logger.Debug().Msg("empty envelope, nothing to dispatch")
		return
	}
	route := r.services.ResolveAgentRoute(ev)

	logger.Info().
		Str("kind", string(ev.Kind)).
		Str("sender", ev.SenderID).
		Str("session", route.SessionKey).
		Str("text", truncate(ev.Content, 100)).
		Msg("dispatching inbound message")

	r.registerRouteContext(route, ev, target, logger)

	if ev.Kind == gateway.KindC2C {
		if err := r.dispatcher.SendInputNotify(ctx, ev.SenderID, ev.MessageID, typingSeconds); err != nil {
			logger.Debug().Err(err).Msg("typing indicator failed")
		}
	}

	st := &run{r: r, ev: ev, target: target, ctx: ctx, logger: logger}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.services.DispatchReply(runCtx, Request{
			AccountID: r.account.ID,
			Route:     route,
			Envelope:  envelope,
			Event:     ev,
		}, Callbacks{
			Deliver:   st.deliver,
			OnPartial: st.partial,
		})
	}()

	watchdog := time.NewTimer(r.watchdog)
	defer watchdog.Stop()

	for {
		select {
		case err := <-done:
			st.finish(err)
			return
		case <-watchdog.C:
			if st.hasOutput() {
				// Output is flowing; the watchdog only guards silence.
				continue
			}
			cancel()
			st.expire()
			return
		case <-ctx.Done():
			return
		}
	}
}

// run is the mutable state of one pipeline invocation. Its callbacks
// may be invoked concurrently by the pipeline.
type run struct {
	r      *Runner
	ev     *gateway.InboundEvent
	target string
	ctx    context.Context
	logger zerolog.Logger

	mu          sync.Mutex
	stream      *dispatch.StreamSender
	lastPartial string
	output      bool
	delivered   bool
	abandoned   bool
}

// partial streams accumulated text to C2C senders. Other kinds ignore
// partials; their text arrives with the final deliver.
func (st *run) partial(fullText string) error {
	st.mu.Lock()
	if st.abandoned {
		st.mu.Unlock()
		return nil
	}
	st.output = true
	if st.ev.Kind != gateway.KindC2C {
		st.mu.Unlock()
		return nil
	}
	if st.stream == nil {
		st.stream = st.r.dispatcher.NewStream(st.ev.SenderID, st.ev.MessageID)
	}
	st.lastPartial = fullText
	stream := st.stream
	st.mu.Unlock()

	return stream.Push(st.ctx, fullText)
}

// deliver sends one final payload. The first deliver after streaming
// closes the stream with the final text; anything later is a fresh
// send through the regular reply path.
func (st *run) deliver(reply Reply) error {
	st.mu.Lock()
	if st.abandoned {
		st.mu.Unlock()
		st.logger.Warn().Msg("reply arrived after watchdog expiry, dropping")
		return nil
	}
	st.output = true
	st.delivered = true
	stream := st.stream
	st.stream = nil
	st.mu.Unlock()

	if stream != nil {
		if err := stream.End(st.ctx, reply.Text); err != nil {
			st.logger.Warn().Err(err).Msg("failed to close reply stream")
			return err
		}
		if len(reply.MediaURLs) == 0 {
			return nil
		}
		if _, err := st.r.dispatcher.SendMedia(st.ctx, dispatch.OutboundIntent{
			Target:    st.target,
			MediaURLs: reply.MediaURLs,
			ReplyToID: st.ev.MessageID,
		}); err != nil {
			st.logger.Warn().Err(err).Msg("failed to send reply media")
			return err
		}
		return nil
	}

	_, err := st.r.dispatcher.DispatchReply(st.ctx, dispatch.OutboundIntent{
		Target:    st.target,
		Text:      reply.Text,
		MediaURLs: reply.MediaURLs,
		ReplyToID: st.ev.MessageID,
	})
	if errors.Is(err, perrors.ErrPayloadInvalid) {
		st.logger.Debug().Msg("pipeline delivered an empty reply")
		return nil
	}
	return err
}

func (st *run) hasOutput() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.output
}

// finish settles the run after the pipeline returns: close a stream
// left open, and surface errors to the sender.
func (st *run) finish(err error) {
	st.mu.Lock()
	stream := st.stream
	st.stream = nil
	last := st.lastPartial
	delivered := st.delivered
	st.mu.Unlock()

	if stream != nil {
		if eerr := stream.End(st.ctx, last); eerr != nil {
			st.logger.Warn().Err(eerr).Msg("failed to close reply stream")
		}
	}

	if err == nil {
		if !delivered && stream == nil {
			st.logger.Debug().Msg("pipeline finished without a reply")
		}
		return
	}
	if st.ctx.Err() != nil {
		return
	}

	st.logger.Error().Err(err).Msg("reply pipeline failed")
	if st.r.metrics != nil {
		st.r.metrics.RecordError("host", "pipeline")
	}
	st.notify(errorLine(err))
}

// expire abandons a silent run after the watchdog fires. Late callbacks
// are dropped; the sender gets a timeout notice.
func (st *run) expire() {
	st.mu.Lock()
	st.abandoned = true
	stream := st.stream
	st.stream = nil
	last := st.lastPartial
	st.mu.Unlock()

	// A partial racing the watchdog may have opened a stream; close it
	// or its keepalive outlives the run.
	if stream != nil {
		if err := stream.End(st.ctx, last); err != nil {
			st.logger.Warn().Err(err).Msg("failed to close reply stream")
		}
	}

	st.logger.Warn().Dur("watchdog", st.r.watchdog).Msg("reply pipeline timed out")
	if st.r.metrics != nil {
		st.r.metrics.RecordError("host", "watchdog")
	}
	st.notify(timeoutLine)
}

func (st *run) notify(line string) {
	if _, err := st.r.dispatcher.SendText(st.ctx, dispatch.OutboundIntent{
		Target:    st.target,
		Text:      line,
		ReplyToID: st.ev.MessageID,
	}); err != nil {
		st.logger.Warn().Err(err).Msg("failed to notify sender")
	}
}

// routeContext is the record persisted per session so asynchronous
// pipeline completions can find their way back to the sender.
type routeContext struct {
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id,omitempty"`
	AccountID  string `json:"account_id"`
	Target     string `json:"target"`
	MessageID  string `json:"message_id"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (r *Runner) registerRouteContext(route Route, ev *gateway.InboundEvent, target string, logger zerolog.Logger) {
	if route.SessionKey == "" {
		return
	}
	data, err := json.Marshal(routeContext{
		SessionKey: route.SessionKey,
		AgentID:    route.AgentID,
		AccountID:  r.account.ID,
		Target:     target,
		MessageID:  ev.MessageID,
		UpdatedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	path := filepath.Join("sessions", sanitizeKey(route.SessionKey)+".json")
	if err := r.services.WriteConfigFile(path, data); err != nil {
		logger.Warn().Err(err).Msg("failed to persist session route context")
		return
	}
	logger.Debug().Str("path", path).Msg("session route context registered")
}

// targetFor picks the reply destination for an event. Guild and direct
// messages both answer on their originating channel.
func targetFor(ev *gateway.InboundEvent) string {
	switch ev.Kind {
	case gateway.KindC2C:
		if ev.SenderID != "" {
			return "c2c:" + ev.SenderID
		}
	case gateway.KindGroup:
		if ev.GroupOpenID != "" {
			return "group:" + ev.GroupOpenID
		}
	case gateway.KindGuild, gateway.KindDM:
		if ev.ChannelID != "" {
			return "channel:" + ev.ChannelID
		}
	}
	return ""
}

func errorLine(err error) string {
	if perrors.IsAuthShaped(err) {
		return authHintLine
	}
	return errorPrefix + truncate(err.Error(), errorLineMax)
}

var keyCleanRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeKey(k string) string {
	return keyCleanRe.ReplaceAllString(k, "-")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
