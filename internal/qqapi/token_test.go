package qqapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdbot/qqgateway/internal/config"
	perrors "github.com/clawdbot/qqgateway/internal/errors"
	"github.com/clawdbot/qqgateway/pkg/tokenstore"
)

func testAccount() config.Account {
	return config.Account{
		ID:           "acct-1",
		Name:         "acct-1",
		AppID:        "10001",
		ClientSecret: "s3cret",
	}
}

func newTestProvider(t *testing.T, handler http.HandlerFunc, opts ...ProviderOption) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	all := append([]ProviderOption{
		WithTokenURL(srv.URL),
		WithTokenHTTPClient(srv.Client()),
	}, opts...)
	return NewProvider(testAccount(), tokenstore.NewMemoryStore(), zerolog.Nop(), all...), srv
}

func TestProvider_FetchAndCache(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"access_token":"tok-1","expires_in":7200}`))
	})

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), hits.Load(), "second call should hit the cache")
}

func TestProvider_ExpiresInString(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok-s","expires_in":"7200"}`))
	})

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-s", tok)
}

func TestProvider_MissingAccessToken(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expires_in":7200}`))
	})

	_, err := p.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_token")
}

func TestProvider_HTTPError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":100001,"message":"Too many requests"}`))
	})

	_, err := p.Token(context.Background())
	require.Error(t, err)

	var apiErr *perrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, perrors.CodeRateLimited, apiErr.Code)
	assert.True(t, perrors.IsRateLimited(err))
}

func TestProvider_Singleflight(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"access_token":"tok-sf","expires_in":7200}`))
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-sf", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load(), "concurrent callers should share one fetch")
}

func TestProvider_Invalidate(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"access_token":"tok-i","expires_in":7200}`))
	})

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	p.Invalidate()

	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestProvider_RefetchInsideLeadWindow(t *testing.T) {
	var hits atomic.Int32
	// expires_in of 1s is always inside the 5-minute refresh lead.
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"access_token":"tok-short","expires_in":1}`))
	})

	_, err := p.Token(context.Background())
	require.NoError(t, err)
	_, err = p.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
}

func TestProvider_Run_RefreshesBeforeExpiry(t *testing.T) {
	var hits atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"access_token":"tok-bg","expires_in":2}`))
	}, WithRefreshTiming(1*time.Second, 0, 100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	time.Sleep(1600 * time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, hits.Load(), int32(2), "background loop should refresh ahead of expiry")
}

func TestProvider_Run_StopsOnCancel(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":7200}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
