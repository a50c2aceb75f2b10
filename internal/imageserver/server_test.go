package imageserver

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdbot/qqgateway/internal/health"
	"github.com/clawdbot/qqgateway/internal/metrics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()}, nil, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestServer_PublishAndServe(t *testing.T) {
	s := newTestServer(t)

	name, err := s.Publish([]byte("fake-png-bytes"), "png")
	require.NoError(t, err)
	assert.True(t, filepath.Ext(name) == ".png")

	req, _ := http.NewRequest("GET", "/images/"+name, nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "fake-png-bytes", string(body))
}

func TestServer_PublishUniqueNames(t *testing.T) {
	s := newTestServer(t)

	a, err := s.Publish([]byte("one"), ".png")
	require.NoError(t, err)
	b, err := s.Publish([]byte("two"), ".png")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestServer_UnknownImage404(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest("GET", "/images/nope.png", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest("GET", "/healthz", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReadyReflectsChecker(t *testing.T) {
	s := newTestServer(t)

	checker := health.NewChecker(zerolog.Nop())
	checker.Register("db", func(ctx context.Context) health.Status { return health.StatusDown })
	s.MountHealth(checker)

	req, _ := http.NewRequest("GET", "/ready", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "not_ready")
}

func TestServer_MetricsMounted(t *testing.T) {
	m := metrics.New()
	m.RecordConnect("acct-1", "success")

	s, err := New(Config{Dir: t.TempDir()}, m, zerolog.Nop())
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/metrics", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "qqgateway_connects_total")
}

func TestServer_EvictsExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir}, nil, zerolog.Nop())
	require.NoError(t, err)

	stale, err := s.Publish([]byte("old"), ".png")
	require.NoError(t, err)
	fresh, err := s.Publish([]byte("new"), ".png")
	require.NoError(t, err)

	old := time.Now().Add(-fileTTL - time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, stale), old, old))

	s.evictExpired()

	_, err = os.Stat(filepath.Join(dir, stale))
	assert.True(t, os.IsNotExist(err), "stale file must be evicted")
	_, err = os.Stat(filepath.Join(dir, fresh))
	assert.NoError(t, err, "fresh file must survive")
}
