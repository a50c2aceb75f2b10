package host

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/config"
	"github.com/clawdbot/qqgateway/internal/gateway"
	"github.com/clawdbot/qqgateway/internal/store"
)

// AgentCLIConfig tunes the CLI-backed host services.
type AgentCLIConfig struct {
	// Command is the agent binary. Default: "clawd".
	Command string
	// Args precede the per-message flags. Default: ["agent"].
	Args []string
	// AgentID names the agent sessions route to. Default: "main".
	AgentID string
	// SessionPrefix namespaces session keys. Default: "qq".
	SessionPrefix string
	// Timeout is the budget passed to the agent via --timeout.
	Timeout time.Duration
	// ConfigDir anchors WriteConfigFile paths. Default: ".".
	ConfigDir string
}

// DefaultAgentCLIConfig returns production defaults.
func DefaultAgentCLIConfig() AgentCLIConfig {
	return AgentCLIConfig{
		Command:       "clawd",
		Args:          []string{"agent"},
		AgentID:       "main",
		SessionPrefix: "qq",
		Timeout:       60 * time.Second,
	}
}

// AgentCLI implements Services against an external agent CLI invoked
// once per inbound message. The CLI contract is JSON on stdout:
// {status, summary, result:{payloads:[{text, mediaUrl}]}, error}.
type AgentCLI struct {
	cfg     AgentCLIConfig
	prompts map[string]string
	roster  *store.Store
	logger  zerolog.Logger
}

// NewAgentCLI builds the CLI host. accounts supply per-account system
// prompts; roster receives known-user batches and may be nil.
func NewAgentCLI(cfg AgentCLIConfig, accounts []config.Account, roster *store.Store, logger zerolog.Logger) *AgentCLI {
	if cfg.Command == "" {
		cfg.Command = "clawd"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"agent"}
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "main"
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "qq"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = "."
	}

	prompts := make(map[string]string, len(accounts))
	for _, a := range accounts {
		if a.SystemPrompt != "" {
			prompts[a.ID] = a.SystemPrompt
		}
	}
	return &AgentCLI{
		cfg:     cfg,
		prompts: prompts,
		roster:  roster,
		logger:  logger.With().Str("component", "agent-cli").Logger(),
	}
}

// ResolveAgentRoute keys sessions per conversation peer: every group,
// channel, and C2C correspondent gets isolated pipeline context.
func (h *AgentCLI) ResolveAgentRoute(ev *gateway.InboundEvent) Route {
	var peer string
	switch ev.Kind {
	case gateway.KindGroup:
		peer = "group-" + ev.GroupOpenID
	case gateway.KindGuild:
		peer = "channel-" + ev.ChannelID
	case gateway.KindDM:
		peer = "dm-" + ev.ChannelID
	default:
		peer = "c2c-" + ev.SenderID
	}
	return Route{
		AgentID:    h.cfg.AgentID,
		SessionKey: fmt.Sprintf("%s-%s-%s", h.cfg.SessionPrefix, ev.AccountID, peer),
	}
}

// FormatInboundEnvelope prepends a machine-readable context line so the
// agent knows the platform and sender, then the message body and any
// attachments.
func (h *AgentCLI) FormatInboundEnvelope(ev *gateway.InboundEvent) string {
	if ev.Content == "" && len(ev.Attachments) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[qq_context: account=%s kind=%s sender=%s message=%s]\n",
		ev.AccountID, ev.Kind, ev.SenderID, ev.MessageID)
	if ev.SenderName != "" {
		b.WriteString(ev.SenderName)
		b.WriteString(": ")
	}
	b.WriteString(ev.Content)
	for _, a := range ev.Attachments {
		if a.URL == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[attachment %s] %s", a.ContentType, a.URL)
	}
	return b.String()
}

// agentResponse is the CLI's JSON output shape.
type agentResponse struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Result  struct {
		Payloads []struct {
			Text     string  `json:"text"`
			MediaURL *string `json:"mediaUrl"`
		} `json:"payloads"`
	} `json:"result"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DispatchReply invokes the agent CLI and delivers each payload it
// returns. The CLI produces no partials; OnPartial is never called.
func (h *AgentCLI) DispatchReply(ctx context.Context, req Request, cb Callbacks) error {
	args := append([]string{}, h.cfg.Args...)
	args = append(args,
		"--message", req.Envelope,
		"--session-id", req.Route.SessionKey,
		"--json",
		"--timeout", strconv.Itoa(int(h.cfg.Timeout.Seconds())),
	)
	if req.Route.AgentID != "" {
		args = append(args, "--agent", req.Route.AgentID)
	}
	if prompt := h.prompts[req.AccountID]; prompt != "" {
		args = append(args, "--system-prompt", prompt)
	}

	cmd := exec.CommandContext(ctx, h.cfg.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug().
		Str("session", req.Route.SessionKey).
		Str("message", truncate(req.Envelope, 80)).
		Msg("calling agent")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent call failed: %w (stderr: %s)", err, truncate(stderr.String(), 500))
	}

	resp, err := parseAgentResponse(stdout.Bytes())
	if err != nil {
		return err
	}

	h.logger.Info().
		Str("session", req.Route.SessionKey).
		Str("run_id", resp.RunID).
		Int("payloads", len(resp.Result.Payloads)).
		Msg("agent response received")

	for _, p := range resp.Result.Payloads {
		reply := Reply{Text: p.Text}
		if p.MediaURL != nil && *p.MediaURL != "" {
			reply.MediaURLs = []string{*p.MediaURL}
		}
		if reply.Text == "" && len(reply.MediaURLs) == 0 {
			continue
		}
		if err := cb.Deliver(reply); err != nil {
			h.logger.Error().Err(err).Msg("failed to deliver agent payload")
		}
	}
	return nil
}

func parseAgentResponse(out []byte) (*agentResponse, error) {
	var resp agentResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("parse agent response: %w (stdout: %s)", err, truncate(string(out), 500))
	}
	if resp.Status != "ok" {
		msg := resp.Summary
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("agent returned error: %s", msg)
	}
	return &resp, nil
}

// RecordActivity folds sender batches into the SQLite roster.
func (h *AgentCLI) RecordActivity(users []store.KnownUser) error {
	if h.roster == nil {
		h.logger.Debug().Int("users", len(users)).Msg("no roster store, dropping activity batch")
		return nil
	}
	return h.roster.UpsertKnownUsers(users)
}

// WriteConfigFile writes a connector-owned file under ConfigDir. Paths
// must stay inside the directory; writes go through a temp file so
// readers never see a partial document.
func (h *AgentCLI) WriteConfigFile(path string, data []byte) error {
	if !filepath.IsLocal(path) {
		return fmt.Errorf("config path %q escapes the config directory", path)
	}
	full := filepath.Join(h.cfg.ConfigDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}
