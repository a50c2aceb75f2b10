package gateway

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gateway op-codes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatACK   = 11
)

// Dispatch event types the gateway consumes.
const (
	EventReady                = "READY"
	EventResumed              = "RESUMED"
	EventC2CMessageCreate     = "C2C_MESSAGE_CREATE"
	EventGroupAtMessageCreate = "GROUP_AT_MESSAGE_CREATE"
	EventAtMessageCreate      = "AT_MESSAGE_CREATE"
	EventDirectMessageCreate  = "DIRECT_MESSAGE_CREATE"
)

// Close codes with defined client behavior. 4900–4913 are platform
// internal errors: the session is gone but a fresh identify works.
const (
	CloseNormal            = 1000
	CloseConnectionExpired = 4009
	CloseInternalMin       = 4900
	CloseInternalMax       = 4913
	CloseBotOffline        = 4914
	CloseBotBanned         = 4915
)

// Frame is the wire envelope for every gateway message.
type Frame struct {
	Op int                 `json:"op"`
	S  int64               `json:"s,omitempty"`
	T  string              `json:"t,omitempty"`
	D  jsoniter.RawMessage `json:"d,omitempty"`
}

// outFrame is the write-side envelope; D marshals to null when nil,
// which is what a pre-dispatch heartbeat wants.
type outFrame struct {
	Op int         `json:"op"`
	D  interface{} `json:"d"`
}

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyPayload struct {
	Token   string `json:"token"`
	Intents uint32 `json:"intents"`
	Shard   [2]int `json:"shard"`
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyPayload struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"user"`
}

type wireAuthor struct {
	ID           string `json:"id"`
	UserOpenID   string `json:"user_openid"`
	MemberOpenID string `json:"member_openid"`
	Username     string `json:"username"`
	Bot          bool   `json:"bot"`
}

type wireAttachment struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
}

type messagePayload struct {
	ID          string           `json:"id"`
	Content     string           `json:"content"`
	Timestamp   string           `json:"timestamp"`
	Author      wireAuthor       `json:"author"`
	GroupOpenID string           `json:"group_openid"`
	ChannelID   string           `json:"channel_id"`
	GuildID     string           `json:"guild_id"`
	Attachments []wireAttachment `json:"attachments"`
}

// EventKind classifies where an inbound message came from.
type EventKind string

const (
	KindC2C   EventKind = "c2c"
	KindDM    EventKind = "dm"
	KindGuild EventKind = "guild"
	KindGroup EventKind = "group"
)

// Attachment is a file the sender included.
type Attachment struct {
	ContentType string
	URL         string
	Filename    string
}

// InboundEvent is the normalized form of a message dispatch, the only
// shape the reply pipeline sees.
type InboundEvent struct {
	Kind        EventKind
	AccountID   string
	SenderID    string
	SenderName  string
	Content     string
	MessageID   string
	Timestamp   time.Time
	ChannelID   string
	GuildID     string
	GroupOpenID string
	Attachments []Attachment
}

// normalizeDispatch converts a message dispatch into an InboundEvent.
// Events authored by bots normalize to nil.
func normalizeDispatch(accountID, eventType string, d jsoniter.RawMessage) (*InboundEvent, error) {
	var msg messagePayload
	if err := json.Unmarshal(d, &msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if msg.Author.Bot {
		return nil, nil
	}

	ev := &InboundEvent{
		AccountID:  accountID,
		Content:    strings.TrimSpace(msg.Content),
		MessageID:  msg.ID,
		SenderName: msg.Author.Username,
		Timestamp:  parseWireTime(msg.Timestamp),
	}

	switch eventType {
	case EventC2CMessageCreate:
		ev.Kind = KindC2C
		ev.SenderID = firstNonEmpty(msg.Author.UserOpenID, msg.Author.ID)
	case EventGroupAtMessageCreate:
		ev.Kind = KindGroup
		ev.SenderID = firstNonEmpty(msg.Author.MemberOpenID, msg.Author.ID)
		ev.GroupOpenID = msg.GroupOpenID
	case EventAtMessageCreate:
		ev.Kind = KindGuild
		ev.SenderID = msg.Author.ID
		ev.ChannelID = msg.ChannelID
		ev.GuildID = msg.GuildID
	case EventDirectMessageCreate:
		ev.Kind = KindDM
		ev.SenderID = msg.Author.ID
		ev.ChannelID = msg.ChannelID
		ev.GuildID = msg.GuildID
	default:
		return nil, fmt.Errorf("unsupported event type %q", eventType)
	}

	if ev.SenderID == "" || ev.MessageID == "" {
		return nil, fmt.Errorf("%s missing sender or message id", eventType)
	}

	for _, a := range msg.Attachments {
		url := a.URL
		// attachment hosts arrive without a scheme
		if url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "https://" + url
		}
		ev.Attachments = append(ev.Attachments, Attachment{
			ContentType: a.ContentType,
			URL:         url,
			Filename:    a.Filename,
		})
	}

	return ev, nil
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
