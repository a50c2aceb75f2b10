package qqapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/clawdbot/qqgateway/internal/config"
	perrors "github.com/clawdbot/qqgateway/internal/errors"
	"github.com/clawdbot/qqgateway/internal/metrics"
	"github.com/clawdbot/qqgateway/pkg/tokenstore"
)

const (
	// TokenURL is the app access token endpoint. The token host is
	// separate from the API host.
	TokenURL = "https://bots.qq.com/app/getAppAccessToken"

	defaultExpiresIn = 7200
)

// Provider caches the account's app access token and refreshes it
// before expiry. Concurrent callers share a single in-flight fetch.
type Provider struct {
	account config.Account
	store   tokenstore.Store
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
	sf      singleflight.Group

	tokenURL   string
	lead       time.Duration
	jitterMax  time.Duration
	retryDelay time.Duration
}

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) ProviderOption {
	return func(p *Provider) { p.tokenURL = u }
}

// WithTokenHTTPClient overrides the HTTP client used for token fetches.
func WithTokenHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithRefreshTiming overrides the refresh-ahead lead, the jitter
// bound, and the failure retry delay.
func WithRefreshTiming(lead, jitterMax, retryDelay time.Duration) ProviderOption {
	return func(p *Provider) {
		p.lead = lead
		p.jitterMax = jitterMax
		p.retryDelay = retryDelay
	}
}

// NewProvider constructs a token provider for one account.
func NewProvider(account config.Account, store tokenstore.Store, logger zerolog.Logger, opts ...ProviderOption) *Provider {
	p := &Provider{
		account:    account,
		store:      store,
		client:     NewHTTPClient(account),
		logger:     logger.With().Str("component", "token").Str("account", account.ID).Logger(),
		tokenURL:   TokenURL,
		lead:       5 * time.Minute,
		jitterMax:  30 * time.Second,
		retryDelay: 5 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetMetrics sets the metrics collector.
func (p *Provider) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Token returns a valid access token, fetching one when the cached
// value is missing or inside the refresh-ahead window.
func (p *Provider) Token(ctx context.Context) (string, error) {
	tok, err := p.current(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Invalidate drops the cached token. An in-flight fetch is not
// cancelled; the next caller starts a new one.
func (p *Provider) Invalidate() {
	_ = p.store.Delete(context.Background(), p.account.ID)
	p.sf.Forget(p.account.ID)
	p.logger.Debug().Msg("token cache cleared")
}

// Run refreshes the token in the background until ctx is cancelled.
// Each cycle sleeps until the refresh-ahead point minus a bounded
// random jitter; failures retry after a short fixed delay.
func (p *Provider) Run(ctx context.Context) {
	p.logger.Debug().Msg("token refresh loop started")
	for {
		wait := p.retryDelay
		tok, err := p.current(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("background token refresh failed")
		} else {
			wait = time.Until(tok.RefreshAt(p.lead))
			if p.jitterMax > 0 {
				wait -= time.Duration(rand.Int63n(int64(p.jitterMax)))
			}
			if wait <= 0 {
				wait = p.retryDelay
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Debug().Msg("token refresh loop stopped")
			return
		case <-timer.C:
		}
	}
}

func (p *Provider) current(ctx context.Context) (*tokenstore.Token, error) {
	if tok, err := p.store.Get(ctx, p.account.ID); err == nil && tok.TTL() > p.lead {
		return tok, nil
	}

	v, err, _ := p.sf.Do(p.account.ID, func() (interface{}, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenstore.Token), nil
}

func (p *Provider) fetch(ctx context.Context) (*tokenstore.Token, error) {
	body, err := json.Marshal(tokenRequest{
		AppID:        p.account.AppID,
		ClientSecret: p.account.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordRefresh("error")
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		p.recordRefresh("error")
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		p.recordRefresh("error")
		var eb apiErrorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Message
		if msg == "" {
			msg = truncate(strings.TrimSpace(redactBody(raw)), 256)
		}
		return nil, perrors.NewAPIError("qq-token", resp.StatusCode, eb.Code, msg)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		p.recordRefresh("error")
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		p.recordRefresh("error")
		return nil, fmt.Errorf("token response missing access_token")
	}

	expires := int(tr.ExpiresIn)
	if expires <= 0 {
		expires = defaultExpiresIn
	}
	ttl := time.Duration(expires) * time.Second

	if err := p.store.Set(ctx, p.account.ID, strings.TrimSpace(tr.AccessToken), ttl); err != nil {
		return nil, fmt.Errorf("cache access token: %w", err)
	}
	tok, err := p.store.Get(ctx, p.account.ID)
	if err != nil {
		return nil, fmt.Errorf("read back access token: %w", err)
	}

	p.recordRefresh("success")
	p.logger.Info().Int("expires_in", expires).Msg("access token refreshed")
	return tok, nil
}

func (p *Provider) recordRefresh(result string) {
	if p.metrics != nil {
		p.metrics.RecordTokenRefresh(p.account.ID, result)
	}
}
