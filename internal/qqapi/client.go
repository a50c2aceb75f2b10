// Package qqapi implements the QQ Open Platform REST surface: app
// access tokens, the gateway URL lookup, message sends, and media
// uploads. All requests honor the account's forward proxy and carry
// `Authorization: QQBot <token>`.
package qqapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/config"
	perrors "github.com/clawdbot/qqgateway/internal/errors"
	"github.com/clawdbot/qqgateway/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultAPIBase is the production REST host.
const DefaultAPIBase = "https://api.sgroup.qq.com"

// Routes used as metric labels and dispatch keys.
const (
	RouteC2C     = "c2c"
	RouteGroup   = "group"
	RouteChannel = "channel"
)

// NewHTTPClient builds the per-account HTTP client. The account's
// proxy applies to every request, the token endpoint included.
// Invalid proxy URLs are rejected at config load, so the environment
// fallback here only covers hand-built accounts.
func NewHTTPClient(account config.Account) *http.Client {
	proxy, err := account.ProxyFunc()
	if err != nil {
		proxy = http.ProxyFromEnvironment
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: proxy,
		},
	}
}

// Client is a bot-authenticated JSON client for one account.
type Client struct {
	account config.Account
	tokens  *Provider
	http    *http.Client
	base    string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL overrides the REST host.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.base = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a REST client for one account.
func NewClient(account config.Account, tokens *Provider, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		account: account,
		tokens:  tokens,
		http:    NewHTTPClient(account),
		base:    DefaultAPIBase,
		logger:  logger.With().Str("component", "qqapi").Str("account", account.ID).Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetMetrics sets the metrics collector.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Account returns the account this client serves.
func (c *Client) Account() config.Account {
	return c.account
}

// Tokens returns the client's token provider.
func (c *Client) Tokens() *Provider {
	return c.tokens
}

// Do sends an authenticated JSON request and decodes the response
// into out when out is non-nil. Non-2xx responses become APIError.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var raw []byte
	var rdr io.Reader
	if body != nil {
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "QQBot "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if e := c.logger.Debug(); e.Enabled() {
		e.Str("method", method).Str("path", path).Str("body", truncate(redactBody(raw), 2048)).Msg("api request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var eb apiErrorBody
		_ = json.Unmarshal(respBody, &eb)
		msg := eb.Message
		if msg == "" {
			msg = truncate(strings.TrimSpace(redactBody(respBody)), 512)
		}
		return perrors.NewAPIError("qq", resp.StatusCode, eb.Code, msg)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// GetGateway returns the WebSocket URL to connect to.
func (c *Client) GetGateway(ctx context.Context) (string, error) {
	var gr gatewayResponse
	if err := c.Do(ctx, http.MethodGet, "/gateway", nil, &gr); err != nil {
		return "", err
	}
	if gr.URL == "" {
		return "", fmt.Errorf("gateway response missing url")
	}
	return gr.URL, nil
}

// SendC2CMessage posts a message to a single user.
func (c *Client) SendC2CMessage(ctx context.Context, openid string, body *MessageBody) (*SendResult, error) {
	return c.sendMessage(ctx, RouteC2C, "/v2/users/"+url.PathEscape(openid)+"/messages", body)
}

// SendGroupMessage posts a message to a group.
func (c *Client) SendGroupMessage(ctx context.Context, groupOpenid string, body *MessageBody) (*SendResult, error) {
	return c.sendMessage(ctx, RouteGroup, "/v2/groups/"+url.PathEscape(groupOpenid)+"/messages", body)
}

// SendChannelMessage posts a message to a guild channel.
func (c *Client) SendChannelMessage(ctx context.Context, channelID string, body *MessageBody) (*SendResult, error) {
	return c.sendMessage(ctx, RouteChannel, "/channels/"+url.PathEscape(channelID)+"/messages", body)
}

func (c *Client) sendMessage(ctx context.Context, route, path string, body *MessageBody) (*SendResult, error) {
	started := time.Now()
	var mr messageResponse
	err := c.Do(ctx, http.MethodPost, path, body, &mr)
	if c.metrics != nil {
		c.metrics.ObserveSendDuration(route, time.Since(started).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return &SendResult{MessageID: mr.ID, Timestamp: mr.Timestamp.Time()}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
