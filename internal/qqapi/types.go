package qqapi

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Message types accepted by the v2 send endpoints.
const (
	MsgTypeText        = 0
	MsgTypeMarkdown    = 2
	MsgTypeInputNotify = 6
	MsgTypeMedia       = 7
)

// Stream states for incremental C2C messages.
const (
	StreamStateStreaming = 1
	StreamStateEnd       = 10
)

// Markdown wraps markdown-formatted content.
type Markdown struct {
	Content string `json:"content"`
}

// MediaRef references a previously uploaded file.
type MediaRef struct {
	FileInfo string `json:"file_info"`
}

// Stream marks a message as one chunk of an incremental reply.
type Stream struct {
	State int    `json:"state"`
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
}

// InputNotify drives the "typing" indicator on C2C chats.
type InputNotify struct {
	InputType   int `json:"input_type"`
	InputSecond int `json:"input_second"`
}

// MessageBody is the JSON body for all v2 message sends. MsgID and
// MsgSeq are set only on passive replies; active sends omit both.
type MessageBody struct {
	Content     string       `json:"content,omitempty"`
	MsgType     int          `json:"msg_type"`
	Markdown    *Markdown    `json:"markdown,omitempty"`
	Media       *MediaRef    `json:"media,omitempty"`
	Stream      *Stream      `json:"stream,omitempty"`
	InputNotify *InputNotify `json:"input_notify,omitempty"`
	MsgID       string       `json:"msg_id,omitempty"`
	MsgSeq      int64        `json:"msg_seq,omitempty"`
}

// SendResult is the normalized outcome of a successful send.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

type tokenRequest struct {
	AppID        string `json:"appId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   flexInt `json:"expires_in"`
}

type gatewayResponse struct {
	URL string `json:"url"`
}

type messageResponse struct {
	ID        string   `json:"id"`
	Timestamp flexTime `json:"timestamp"`
}

type mediaUploadRequest struct {
	FileType   int    `json:"file_type"`
	URL        string `json:"url,omitempty"`
	FileData   string `json:"file_data,omitempty"`
	SrvSendMsg bool   `json:"srv_send_msg"`
}

type mediaUploadResponse struct {
	FileUUID string  `json:"file_uuid"`
	FileInfo string  `json:"file_info"`
	TTL      flexInt `json:"ttl"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// flexInt decodes integers the platform serializes either as numbers
// or as quoted strings ("7200").
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexTime decodes timestamps the platform serializes as epoch
// seconds, quoted epoch seconds, or RFC 3339 strings.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = flexTime(time.Time{})
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexTime(time.Unix(n, 0))
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		*f = flexTime(time.Time{})
		return nil
	}
	*f = flexTime(t)
	return nil
}

func (f flexTime) Time() time.Time { return time.Time(f) }

var redactRe = regexp.MustCompile(`("(?:access_token|clientSecret|client_secret)"\s*:\s*")[^"]*(")`)

// redactBody masks credential values before a body reaches a log line.
func redactBody(b []byte) string {
	return redactRe.ReplaceAllString(string(b), `${1}[redacted]${2}`)
}
