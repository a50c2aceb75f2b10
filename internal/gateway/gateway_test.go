package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdbot/qqgateway/internal/config"
	"github.com/clawdbot/qqgateway/internal/qqapi"
	"github.com/clawdbot/qqgateway/internal/store"
	"github.com/clawdbot/qqgateway/pkg/tokenstore"
)

// fakePlatform hosts the token endpoint, the gateway URL lookup, and a
// scripted WebSocket endpoint on one listener.
type fakePlatform struct {
	srv       *httptest.Server
	conns     chan *websocket.Conn
	tokenHits atomic.Int64
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	f := &fakePlatform{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","expires_in":7200}`))
	})
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "QQBot test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"` + wsURL + `"}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// acceptConn waits for the gateway under test to dial in.
func (f *fakePlatform) acceptConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

func (f *fakePlatform) noMoreConns(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-f.conns:
		t.Fatal("unexpected gateway connection")
	case <-time.After(wait):
	}
}

func sendServerFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func sendHello(t *testing.T, conn *websocket.Conn, intervalMS int64) {
	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpHello,
		"d":  map[string]interface{}{"heartbeat_interval": intervalMS},
	})
}

func readClientFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

func newTestGateway(t *testing.T, f *fakePlatform, sessions SessionStore, handler Handler, opts ...Option) *Gateway {
	t.Helper()
	acct := config.Account{ID: "acct-1", Name: "test", Enabled: true, AppID: "10001", ClientSecret: "s3cret"}
	provider := qqapi.NewProvider(acct, tokenstore.NewMemoryStore(), zerolog.Nop(),
		qqapi.WithTokenURL(f.srv.URL+"/token"),
		qqapi.WithTokenHTTPClient(f.srv.Client()))
	client := qqapi.NewClient(acct, provider, zerolog.Nop(),
		qqapi.WithBaseURL(f.srv.URL),
		qqapi.WithHTTPClient(f.srv.Client()))

	cfg := DefaultConfig()
	cfg.HeartbeatFallback = time.Minute
	cfg.ResumeDelay = 50 * time.Millisecond
	if handler == nil {
		handler = func(context.Context, *InboundEvent) {}
	}
	g := New(acct, client, sessions, handler, zerolog.Nop(), append([]Option{WithConfig(cfg)}, opts...)...)
	t.Cleanup(g.Stop)
	return g
}

func TestGateway_IdentifyOnFreshSession(t *testing.T) {
	f := newFakePlatform(t)
	sessions := NewMemorySessionStore()
	g := newTestGateway(t, f, sessions, nil)
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)

	frame := readClientFrame(t, conn)
	require.Equal(t, OpIdentify, frame.Op)

	var idp identifyPayload
	require.NoError(t, json.Unmarshal(frame.D, &idp))
	assert.Equal(t, "QQBot test-token", idp.Token)
	assert.Equal(t, IntentLevels[0], idp.Intents)
	assert.Equal(t, [2]int{0, 1}, idp.Shard)

	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpDispatch, "s": 1, "t": EventReady,
		"d": map[string]interface{}{
			"version": 1, "session_id": "sess-new",
			"user": map[string]interface{}{"id": "bot-1", "username": "clawd", "bot": true},
		},
	})

	assert.Eventually(t, g.IsConnected, 2*time.Second, 10*time.Millisecond)

	sess, err := sessions.Load("acct-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-new", sess.SessionID)
	assert.Equal(t, 0, sess.IntentLevel)
}

func TestGateway_ResumeWithSavedSession(t *testing.T) {
	f := newFakePlatform(t)
	sessions := NewMemorySessionStore()
	require.NoError(t, sessions.Save(storeSession("acct-1", "sess-old", 42, 0)))

	g := newTestGateway(t, f, sessions, nil)
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)

	frame := readClientFrame(t, conn)
	require.Equal(t, OpResume, frame.Op)

	var rp resumePayload
	require.NoError(t, json.Unmarshal(frame.D, &rp))
	assert.Equal(t, "QQBot test-token", rp.Token)
	assert.Equal(t, "sess-old", rp.SessionID)
	assert.Equal(t, int64(42), rp.Seq)

	sendServerFrame(t, conn, map[string]interface{}{"op": OpDispatch, "t": EventResumed, "d": map[string]interface{}{}})
	assert.Eventually(t, g.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DispatchReachesHandler(t *testing.T) {
	f := newFakePlatform(t)
	events := make(chan *InboundEvent, 8)
	g := newTestGateway(t, f, NewMemorySessionStore(), func(_ context.Context, ev *InboundEvent) {
		events <- ev
	})
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	readClientFrame(t, conn) // identify
	sendReady(t, conn, "sess-1")

	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpDispatch, "s": 21, "t": EventC2CMessageCreate,
		"d": map[string]interface{}{
			"id": "m-1", "content": "hi there",
			"author":    map[string]interface{}{"user_openid": "OPENID1"},
			"timestamp": "2024-05-01T10:00:00+08:00",
		},
	})

	select {
	case ev := <-events:
		assert.Equal(t, KindC2C, ev.Kind)
		assert.Equal(t, "OPENID1", ev.SenderID)
		assert.Equal(t, "hi there", ev.Content)
		assert.Equal(t, "m-1", ev.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the dispatch")
	}

	assert.Eventually(t, func() bool { return g.LastSeq() == 21 }, time.Second, 10*time.Millisecond)
}

func TestGateway_BotMessagesNeverReachHandler(t *testing.T) {
	f := newFakePlatform(t)
	events := make(chan *InboundEvent, 8)
	g := newTestGateway(t, f, NewMemorySessionStore(), func(_ context.Context, ev *InboundEvent) {
		events <- ev
	})
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	readClientFrame(t, conn)
	sendReady(t, conn, "sess-1")

	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpDispatch, "s": 2, "t": EventC2CMessageCreate,
		"d": map[string]interface{}{
			"id": "m-bot", "content": "echo",
			"author": map[string]interface{}{"user_openid": "BOT1", "bot": true},
		},
	})
	// Fence message: its arrival proves the bot event was processed too.
	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpDispatch, "s": 3, "t": EventC2CMessageCreate,
		"d": map[string]interface{}{
			"id": "m-human", "content": "real",
			"author": map[string]interface{}{"user_openid": "HUMAN1"},
		},
	})

	select {
	case ev := <-events:
		assert.Equal(t, "m-human", ev.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("fence message never arrived")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %s", ev.MessageID)
	default:
	}
}

func TestGateway_HeartbeatCarriesLastSeq(t *testing.T) {
	f := newFakePlatform(t)
	g := newTestGateway(t, f, NewMemorySessionStore(), nil)

	// Shrink the interval so the test sees a beat quickly.
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 100)
	readClientFrame(t, conn) // identify
	sendReady(t, conn, "sess-1")

	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpDispatch, "s": 9, "t": EventC2CMessageCreate,
		"d": map[string]interface{}{
			"id": "m-1", "content": "x",
			"author": map[string]interface{}{"user_openid": "O1"},
		},
	})

	// Heartbeats echo the highest sequence seen; wait for one that
	// carries it (the first beat may race the dispatch above).
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no heartbeat with seq arrived")
		frame := readClientFrame(t, conn)
		if frame.Op != OpHeartbeat {
			continue
		}
		if string(frame.D) == "null" {
			continue
		}
		var seq int64
		require.NoError(t, json.Unmarshal(frame.D, &seq))
		assert.Equal(t, int64(9), seq)
		return
	}
}

func TestGateway_InvalidSessionDowngradesIntents(t *testing.T) {
	f := newFakePlatform(t)
	g := newTestGateway(t, f, NewMemorySessionStore(), nil)
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	frame := readClientFrame(t, conn)
	require.Equal(t, OpIdentify, frame.Op)

	// Reject the identify outright: not resumable.
	sendServerFrame(t, conn, map[string]interface{}{"op": OpInvalidSession, "d": false})

	conn2 := f.acceptConn(t)
	sendHello(t, conn2, 60000)
	frame = readClientFrame(t, conn2)
	require.Equal(t, OpIdentify, frame.Op)

	var idp identifyPayload
	require.NoError(t, json.Unmarshal(frame.D, &idp))
	assert.Equal(t, IntentLevels[1], idp.Intents)

	// The cached token was still good; no extra fetch happened.
	assert.Equal(t, int64(1), f.tokenHits.Load())
}

func TestGateway_ResumableInvalidSessionRefreshesToken(t *testing.T) {
	f := newFakePlatform(t)
	sessions := NewMemorySessionStore()
	require.NoError(t, sessions.Save(storeSession("acct-1", "sess-keep", 10, 0)))

	g := newTestGateway(t, f, sessions, nil)
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	frame := readClientFrame(t, conn)
	require.Equal(t, OpResume, frame.Op)

	sendServerFrame(t, conn, map[string]interface{}{"op": OpInvalidSession, "d": true})

	// Second attempt: session survives, token was re-fetched.
	conn2 := f.acceptConn(t)
	sendHello(t, conn2, 60000)
	frame = readClientFrame(t, conn2)
	require.Equal(t, OpResume, frame.Op)

	var rp resumePayload
	require.NoError(t, json.Unmarshal(frame.D, &rp))
	assert.Equal(t, "sess-keep", rp.SessionID)
	assert.Equal(t, int64(2), f.tokenHits.Load())
}

func TestGateway_ServerReconnectRequest(t *testing.T) {
	f := newFakePlatform(t)
	g := newTestGateway(t, f, NewMemorySessionStore(), nil)
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	readClientFrame(t, conn)
	sendReady(t, conn, "sess-1")
	assert.Eventually(t, g.IsConnected, 2*time.Second, 10*time.Millisecond)

	sendServerFrame(t, conn, map[string]interface{}{"op": OpReconnect})

	// First backoff step is one second.
	start := time.Now()
	conn2 := f.acceptConn(t)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	sendHello(t, conn2, 60000)
	frame := readClientFrame(t, conn2)
	assert.Equal(t, OpResume, frame.Op)
}

func TestGateway_StopSendsCleanClose(t *testing.T) {
	f := newFakePlatform(t)
	g := newTestGateway(t, f, NewMemorySessionStore(), nil)
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	readClientFrame(t, conn)
	sendReady(t, conn, "sess-1")
	assert.Eventually(t, g.IsConnected, 2*time.Second, 10*time.Millisecond)

	g.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close, got %v", err)

	f.noMoreConns(t, 300*time.Millisecond)
	assert.Equal(t, StateIdle, g.State())
}

func TestGateway_OnReadyHook(t *testing.T) {
	f := newFakePlatform(t)
	ready := make(chan struct{}, 1)
	g := newTestGateway(t, f, NewMemorySessionStore(), nil,
		WithOnReady(func() { ready <- struct{}{} }))
	require.NoError(t, g.Start(context.Background()))

	conn := f.acceptConn(t)
	sendHello(t, conn, 60000)
	readClientFrame(t, conn)
	sendReady(t, conn, "sess-1")

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready hook never fired")
	}
}

func storeSession(accountID, sessionID string, seq int64, level int) store.GatewaySession {
	return store.GatewaySession{
		AccountID:   accountID,
		SessionID:   sessionID,
		LastSeq:     seq,
		IntentLevel: level,
	}
}

func sendReady(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	sendServerFrame(t, conn, map[string]interface{}{
		"op": OpDispatch, "s": 1, "t": EventReady,
		"d": map[string]interface{}{
			"version": 1, "session_id": sessionID,
			"user": map[string]interface{}{"id": "bot-1", "username": "clawd", "bot": true},
		},
	})
}
