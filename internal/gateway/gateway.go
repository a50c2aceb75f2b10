// Package gateway maintains one WebSocket session per bot account
// against the QQ gateway: identify/resume handshakes, heartbeats,
// sequence tracking, intent downgrades, and reconnect scheduling.
// Message dispatches are normalized and buffered; the read loop never
// waits on the reply pipeline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/config"
	"github.com/clawdbot/qqgateway/internal/metrics"
	"github.com/clawdbot/qqgateway/internal/qqapi"
	"github.com/clawdbot/qqgateway/internal/store"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config tunes gateway timing.
type Config struct {
	// HeartbeatFallback applies when hello omits heartbeat_interval.
	HeartbeatFallback time.Duration
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outgoing frame.
	WriteTimeout time.Duration
	// QueueSize caps the inbound event buffer.
	QueueSize int
	// ResumeDelay is the pause before reconnecting after an invalid
	// session, giving the platform time to settle.
	ResumeDelay time.Duration
}

// DefaultConfig returns production timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatFallback: 45 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         DefaultQueueSize,
		ResumeDelay:       3 * time.Second,
	}
}

// Handler consumes normalized inbound events on the queue worker.
type Handler func(ctx context.Context, ev *InboundEvent)

var errServerReconnect = errors.New("server requested reconnect")

// Gateway runs the WebSocket session for one account.
type Gateway struct {
	account  config.Account
	cfg      Config
	client   *qqapi.Client
	sessions SessionStore
	queue    *Queue
	policy   *ReconnectPolicy
	handler  Handler
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	onReady  func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	connecting       bool
	terminal         bool
	sessionID        string
	lastSeq          int64
	lastConnectedAt  int64
	intentLevel      int
	lastGoodLevel    int
	attemptedLevel   int
	refreshTokenNext bool
	reconnectTimer   *time.Timer
	heartbeatCancel  context.CancelFunc
}

// Option configures the gateway.
type Option func(*Gateway)

// WithConfig overrides the default timing.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg }
}

// WithOnReady registers a hook invoked after each successful identify
// or resume. It runs on its own goroutine.
func WithOnReady(fn func()) Option {
	return func(g *Gateway) { g.onReady = fn }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New constructs a gateway for one account. The handler runs on the
// queue worker, one event at a time.
func New(account config.Account, client *qqapi.Client, sessions SessionStore, handler Handler, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		account:       account,
		cfg:           DefaultConfig(),
		client:        client,
		sessions:      sessions,
		policy:        NewReconnectPolicy(),
		handler:       handler,
		logger:        logger.With().Str("component", "gateway").Str("account", account.ID).Logger(),
		lastGoodLevel: -1,
	}
	for _, o := range opts {
		o(g)
	}
	g.queue = NewQueue(g.cfg.QueueSize, g.logger)
	if g.metrics != nil {
		g.queue.SetMetrics(g.metrics)
	}
	return g
}

// Start restores persisted session state, launches the queue worker,
// and begins connecting. It does not block on the connection.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	if sess, err := g.sessions.Load(g.account.ID); err != nil {
		g.logger.Warn().Err(err).Msg("failed to load session state")
	} else if sess != nil {
		g.mu.Lock()
		g.sessionID = sess.SessionID
		g.lastSeq = sess.LastSeq
		g.intentLevel = ClampIntentLevel(sess.IntentLevel)
		g.lastGoodLevel = g.intentLevel
		g.mu.Unlock()
		g.logger.Info().
			Str("session_id", sess.SessionID).
			Int64("last_seq", sess.LastSeq).
			Int("intent_level", sess.IntentLevel).
			Msg("restored session state")
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.queue.Run(g.ctx, g.handler)
	}()

	go g.connect("startup")
	return nil
}

// Stop closes the connection cleanly and flushes session state.
func (g *Gateway) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()

	g.mu.Lock()
	g.state = StateClosing
	if g.reconnectTimer != nil {
		g.reconnectTimer.Stop()
		g.reconnectTimer = nil
	}
	conn := g.conn
	g.mu.Unlock()

	g.stopHeartbeat()
	if conn != nil {
		g.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		g.writeMu.Unlock()
		_ = conn.Close()
	}

	g.wg.Wait()
	if err := g.sessions.Flush(); err != nil {
		g.logger.Warn().Err(err).Msg("failed to flush session state")
	}

	g.mu.Lock()
	g.state = StateIdle
	g.mu.Unlock()
	g.logger.Info().Msg("gateway stopped")
}

// State returns the current lifecycle phase.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsConnected reports whether the session reached ready.
func (g *Gateway) IsConnected() bool {
	return g.State() == StateReady
}

// LastSeq returns the highest dispatch sequence seen.
func (g *Gateway) LastSeq() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeq
}

// Queue exposes the inbound queue, mainly for stats.
func (g *Gateway) Queue() *Queue {
	return g.queue
}

// connect dials the gateway and starts the read loop. Re-entrant calls
// while a connection attempt is in flight are no-ops.
func (g *Gateway) connect(trigger string) {
	g.mu.Lock()
	if g.connecting || g.terminal || g.conn != nil || g.ctx.Err() != nil {
		g.mu.Unlock()
		return
	}
	g.connecting = true
	g.state = StateConnecting
	refresh := g.refreshTokenNext
	g.refreshTokenNext = false
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.connecting = false
		g.mu.Unlock()
	}()

	g.logger.Info().Str("trigger", trigger).Msg("connecting to gateway")

	if refresh {
		g.client.Tokens().Invalidate()
	}

	token, err := g.client.Tokens().Token(g.ctx)
	if err != nil {
		g.connectFailed(fmt.Errorf("get access token: %w", err))
		return
	}

	wsURL, err := g.client.GetGateway(g.ctx)
	if err != nil {
		g.connectFailed(fmt.Errorf("get gateway url: %w", err))
		return
	}

	proxy, perr := g.account.ProxyFunc()
	if perr != nil {
		proxy = http.ProxyFromEnvironment
	}
	dialer := websocket.Dialer{
		Proxy:            proxy,
		HandshakeTimeout: g.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(g.ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		g.connectFailed(fmt.Errorf("dial %s: %w", wsURL, err))
		return
	}

	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.conn = conn
	g.state = StateHandshaking
	g.mu.Unlock()

	g.policy.OnOpen()
	if g.metrics != nil {
		g.metrics.RecordConnect(g.account.ID, "success")
		g.metrics.SetConnected(g.account.ID, true)
	}
	g.logger.Info().Msg("gateway socket open")

	g.wg.Add(1)
	go g.readLoop(conn, token)
}

func (g *Gateway) connectFailed(err error) {
	if g.ctx.Err() != nil {
		return
	}
	if g.metrics != nil {
		g.metrics.RecordConnect(g.account.ID, "error")
	}
	g.logger.Warn().Err(err).Msg("gateway connect failed")
	g.handleDisconnect(DisconnectCause{Err: err})
}

// readLoop is the only reader of the socket. It decodes frames,
// updates session state, and enqueues normalized events; everything
// slow happens elsewhere.
func (g *Gateway) readLoop(conn *websocket.Conn, token string) {
	defer g.wg.Done()

	var cause *DisconnectCause
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if g.ctx.Err() == nil {
				code := 0
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code = ce.Code
				}
				g.logger.Warn().Err(err).Int("close_code", code).Msg("gateway connection lost")
				cause = &DisconnectCause{CloseCode: code, Err: err}
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Warn().Err(err).Msg("undecodable gateway frame")
			continue
		}
		if !g.handleFrame(conn, token, &frame) {
			break
		}
	}

	g.stopHeartbeat()
	_ = conn.Close()
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.SetConnected(g.account.ID, false)
	}

	if cause != nil {
		g.handleDisconnect(*cause)
	}
}

// handleFrame processes one frame on the read loop. A false return
// stops the loop; the handler has already scheduled what comes next.
func (g *Gateway) handleFrame(conn *websocket.Conn, token string, frame *Frame) bool {
	switch frame.Op {
	case OpHello:
		g.handleHello(conn, token, frame)

	case OpDispatch:
		if frame.S > 0 {
			g.updateSeq(frame.S)
		}
		g.handleDispatch(frame)

	case OpHeartbeatACK:
		// nothing to do

	case OpReconnect:
		g.logger.Info().Msg("server requested reconnect")
		g.handleDisconnect(DisconnectCause{Err: errServerReconnect})
		return false

	case OpInvalidSession:
		return g.handleInvalidSession(frame)

	default:
		g.logger.Debug().Int("op", frame.Op).Msg("ignoring gateway frame")
	}
	return true
}

func (g *Gateway) handleHello(conn *websocket.Conn, token string, frame *Frame) {
	var hello helloPayload
	if len(frame.D) > 0 {
		if err := json.Unmarshal(frame.D, &hello); err != nil {
			g.logger.Warn().Err(err).Msg("undecodable hello payload")
		}
	}
	interval := g.cfg.HeartbeatFallback
	if hello.HeartbeatInterval > 0 {
		interval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
	}
	g.startHeartbeat(conn, interval)

	g.mu.Lock()
	sid, seq := g.sessionID, g.lastSeq
	level := g.intentLevel
	if g.lastGoodLevel > level {
		level = g.lastGoodLevel
	}
	level = ClampIntentLevel(level)
	g.attemptedLevel = level
	if sid != "" && seq > 0 {
		g.state = StateResuming
	} else {
		g.state = StateIdentifying
	}
	g.mu.Unlock()

	var err error
	if sid != "" && seq > 0 {
		g.logger.Info().Str("session_id", sid).Int64("seq", seq).Msg("resuming session")
		err = g.writeFrame(conn, outFrame{Op: OpResume, D: resumePayload{
			Token:     "QQBot " + token,
			SessionID: sid,
			Seq:       seq,
		}})
	} else {
		intents := IntentsFor(level)
		g.logger.Info().
			Int("intent_level", level).
			Str("intents", fmt.Sprintf("0x%08X", intents)).
			Msg("identifying")
		err = g.writeFrame(conn, outFrame{Op: OpIdentify, D: identifyPayload{
			Token:   "QQBot " + token,
			Intents: intents,
			Shard:   [2]int{0, 1},
		}})
	}
	if err != nil {
		g.logger.Warn().Err(err).Msg("handshake write failed")
		_ = conn.Close()
	}
}

func (g *Gateway) handleDispatch(frame *Frame) {
	switch frame.T {
	case EventReady:
		var ready readyPayload
		if err := json.Unmarshal(frame.D, &ready); err != nil {
			g.logger.Warn().Err(err).Msg("undecodable ready payload")
			return
		}
		now := time.Now().UnixMilli()
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.lastConnectedAt = now
		g.intentLevel = g.attemptedLevel
		g.lastGoodLevel = g.attemptedLevel
		g.state = StateReady
		snap := g.snapshotLocked()
		g.mu.Unlock()

		if err := g.sessions.Save(snap); err != nil {
			g.logger.Warn().Err(err).Msg("failed to persist session")
		}
		g.logger.Info().
			Str("session_id", ready.SessionID).
			Str("bot", ready.User.Username).
			Msg("session ready")
		if g.onReady != nil {
			go g.onReady()
		}

	case EventResumed:
		now := time.Now().UnixMilli()
		g.mu.Lock()
		g.lastConnectedAt = now
		g.state = StateReady
		snap := g.snapshotLocked()
		g.mu.Unlock()

		// Only the connect timestamp moved; write the full record when
		// the row is gone (session resumed from in-memory state).
		if err := g.sessions.Touch(g.account.ID, now); err != nil {
			if err := g.sessions.Save(snap); err != nil {
				g.logger.Warn().Err(err).Msg("failed to persist session")
			}
		}
		g.logger.Info().Msg("session resumed")
		if g.onReady != nil {
			go g.onReady()
		}

	case EventC2CMessageCreate, EventGroupAtMessageCreate, EventAtMessageCreate, EventDirectMessageCreate:
		ev, err := normalizeDispatch(g.account.ID, frame.T, frame.D)
		if err != nil {
			g.logger.Warn().Err(err).Str("event", frame.T).Msg("dropping malformed dispatch")
			return
		}
		if ev == nil {
			return
		}
		if g.metrics != nil {
			g.metrics.RecordInbound(g.account.ID, string(ev.Kind))
		}
		g.queue.Enqueue(ev)

	default:
		g.logger.Debug().Str("event", frame.T).Msg("ignoring dispatch event")
	}
}

// handleInvalidSession reacts to op 9. A resumable one keeps the
// session and retries with a fresh token; an unresumable one clears it
// and steps down the intent ladder.
func (g *Gateway) handleInvalidSession(frame *Frame) bool {
	var resumable bool
	if len(frame.D) > 0 {
		_ = json.Unmarshal(frame.D, &resumable)
	}
	g.logger.Warn().Bool("resumable", resumable).Msg("invalid session")

	if resumable {
		g.mu.Lock()
		g.refreshTokenNext = true
		conn := g.conn
		g.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		g.scheduleReconnect(g.cfg.ResumeDelay, "invalid_session_resumable")
		return false
	}

	g.clearSession()
	g.mu.Lock()
	next := g.attemptedLevel + 1
	if next > LastIntentLevel() {
		// Already at the least privileged level; a stale token is the
		// remaining suspect.
		next = LastIntentLevel()
		g.refreshTokenNext = true
	}
	g.intentLevel = next
	conn := g.conn
	g.mu.Unlock()

	g.logger.Info().Int("intent_level", next).Msg("advancing intent downgrade")
	if conn != nil {
		_ = conn.Close()
	}
	g.scheduleReconnect(g.cfg.ResumeDelay, "invalid_session")
	return false
}

// handleDisconnect asks the policy what to do and acts on it.
func (g *Gateway) handleDisconnect(cause DisconnectCause) {
	if g.ctx.Err() != nil {
		return
	}

	d := g.policy.Decide(cause)
	switch {
	case d.Terminal:
		g.mu.Lock()
		g.terminal = true
		g.state = StateIdle
		g.mu.Unlock()
		g.logger.Error().
			Int("close_code", cause.CloseCode).
			Str("reason", d.Reason).
			Msg("gateway stopped permanently")
		return
	case !d.Reconnect:
		g.mu.Lock()
		g.state = StateIdle
		g.mu.Unlock()
		g.logger.Info().Str("reason", d.Reason).Msg("not reconnecting")
		return
	}

	if d.ClearSession {
		g.clearSession()
	}
	if d.RefreshToken {
		g.mu.Lock()
		g.refreshTokenNext = true
		g.mu.Unlock()
	}
	g.scheduleReconnect(d.Delay, d.Reason)
}

func (g *Gateway) scheduleReconnect(delay time.Duration, reason string) {
	if g.ctx.Err() != nil {
		return
	}
	g.mu.Lock()
	g.state = StateReconnecting
	if g.reconnectTimer != nil {
		g.reconnectTimer.Stop()
	}
	g.reconnectTimer = time.AfterFunc(delay, func() {
		g.connect(reason)
	})
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordReconnect(g.account.ID, reason)
	}
	g.logger.Info().
		Dur("delay", delay).
		Str("reason", reason).
		Int("attempts", g.policy.Attempts()).
		Msg("reconnect scheduled")
}

func (g *Gateway) startHeartbeat(conn *websocket.Conn, interval time.Duration) {
	g.stopHeartbeat()

	hbCtx, cancel := context.WithCancel(g.ctx)
	g.mu.Lock()
	g.heartbeatCancel = cancel
	g.mu.Unlock()

	g.logger.Debug().Dur("interval", interval).Msg("heartbeat started")
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				var d interface{}
				if seq := g.LastSeq(); seq > 0 {
					d = seq
				}
				if err := g.writeFrame(conn, outFrame{Op: OpHeartbeat, D: d}); err != nil {
					g.logger.Warn().Err(err).Msg("heartbeat write failed")
					return
				}
			}
		}
	}()
}

func (g *Gateway) stopHeartbeat() {
	g.mu.Lock()
	cancel := g.heartbeatCancel
	g.heartbeatCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// writeFrame serializes writes; the heartbeat goroutine and the read
// loop both send frames.
func (g *Gateway) writeFrame(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) updateSeq(seq int64) {
	g.mu.Lock()
	g.lastSeq = seq
	snap := g.snapshotLocked()
	g.mu.Unlock()
	g.sessions.SaveLazy(snap)
}

func (g *Gateway) clearSession() {
	g.mu.Lock()
	g.sessionID = ""
	g.lastSeq = 0
	g.mu.Unlock()
	if err := g.sessions.Clear(g.account.ID); err != nil {
		g.logger.Warn().Err(err).Msg("failed to clear session state")
	}
}

func (g *Gateway) snapshotLocked() store.GatewaySession {
	level := g.intentLevel
	if g.lastGoodLevel >= 0 {
		level = g.lastGoodLevel
	}
	return store.GatewaySession{
		AccountID:       g.account.ID,
		SessionID:       g.sessionID,
		LastSeq:         g.lastSeq,
		LastConnectedAt: g.lastConnectedAt,
		IntentLevel:     level,
	}
}
