// Package host joins the gateway to the reply pipeline. The embedding
// process hands every account runner a Services value; the runner
// turns queued inbound events into pipeline calls and pipeline output
// into outbound sends.
package host

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/clawdbot/qqgateway/internal/gateway"
	"github.com/clawdbot/qqgateway/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Route names the pipeline session that answers an inbound event.
type Route struct {
	// AgentID selects a named agent; empty means the host default.
	AgentID string
	// SessionKey isolates conversation state. Events resolving to the
	// same key share pipeline context.
	SessionKey string
}

// Reply is one final pipeline payload.
type Reply struct {
	Text      string
	MediaURLs []string
}

// Callbacks receive pipeline output as it is produced. Deliver fires
// once per final payload; OnPartial fires zero or more times with the
// accumulated text so far and only ever grows.
type Callbacks struct {
	Deliver   func(Reply) error
	OnPartial func(fullText string) error
}

// Request is one pipeline invocation.
type Request struct {
	AccountID string
	Route     Route
	// Envelope is the formatted inbound message, ready for the agent.
	Envelope string
	Event    *gateway.InboundEvent
}

// Services is the capability surface the embedding host provides to
// each account runner. Implementations must be safe for concurrent use
// across accounts.
type Services interface {
	// ResolveAgentRoute decides which agent and session handle an event.
	ResolveAgentRoute(ev *gateway.InboundEvent) Route
	// FormatInboundEnvelope renders the event as the text the pipeline
	// consumes. An empty result means there is nothing to dispatch.
	FormatInboundEnvelope(ev *gateway.InboundEvent) string
	// DispatchReply runs the pipeline for one request, emitting output
	// through cb. It blocks until the run finishes or ctx is canceled.
	DispatchReply(ctx context.Context, req Request, cb Callbacks) error
	// RecordActivity persists a batch of recently-seen senders.
	RecordActivity(users []store.KnownUser) error
	// WriteConfigFile persists a connector-owned file under the host's
	// configuration directory. The path is relative to that directory.
	WriteConfigFile(path string, data []byte) error
}
