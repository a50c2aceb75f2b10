package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/config"
	perrors "github.com/clawdbot/qqgateway/internal/errors"
	"github.com/clawdbot/qqgateway/internal/metrics"
	"github.com/clawdbot/qqgateway/internal/qqapi"
	"github.com/clawdbot/qqgateway/internal/store"
	"github.com/clawdbot/qqgateway/lru"
)

// imageSizeCacheTTL bounds how long a probed image size is reused.
const imageSizeCacheTTL = time.Hour

// ImagePublisher turns local image bytes into a file served under the
// account's public image base URL.
type ImagePublisher interface {
	Publish(data []byte, ext string) (name string, err error)
}

// DeadLetterSink keeps replies the dispatcher permanently gave up on.
type DeadLetterSink interface {
	SaveDeadLetter(dl *store.DeadLetter) error
}

// OutboundIntent is one reply the pipeline wants delivered.
type OutboundIntent struct {
	// Target is the unparsed destination expression; see ParseTarget.
	Target string
	// Text is the reply body; may be empty when MediaURLs carry the
	// whole payload.
	Text string
	// MediaURLs are images supplied explicitly by the pipeline,
	// in addition to any found inside Text.
	MediaURLs []string
	// ReplyToID is the inbound msg_id this replies to; empty means an
	// active (proactive) send.
	ReplyToID string
}

// Dispatcher routes outbound messages for one account.
type Dispatcher struct {
	account     config.Account
	client      *qqapi.Client
	seqs        *MsgSeqCounter
	limiter     *ReplyLimiter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	publisher   ImagePublisher
	deadletters DeadLetterSink
	sizes       *lru.Cache[string, [2]int]
}

func NewDispatcher(account config.Account, client *qqapi.Client, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		account: account,
		client:  client,
		seqs:    NewMsgSeqCounter(),
		limiter: NewReplyLimiter(logger),
		logger:  logger.With().Str("component", "dispatch").Str("account", account.ID).Logger(),
		sizes:   lru.New[string, [2]int](256, lru.WithTTL[string, [2]int](imageSizeCacheTTL)),
	}
}

// SetMetrics attaches Prometheus metrics.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// SetImagePublisher enables markdown embeds of local images on
// accounts that configure a public image base URL.
func (d *Dispatcher) SetImagePublisher(p ImagePublisher) {
	d.publisher = p
}

// SetDeadLetters enables recording of failed sends for later replay.
func (d *Dispatcher) SetDeadLetters(s DeadLetterSink) {
	d.deadletters = s
}

// Limiter exposes the reply limiter, shared with the stream path.
func (d *Dispatcher) Limiter() *ReplyLimiter {
	return d.limiter
}

// DispatchReply is the deliver entry point: extract images from the
// reply text, send each one, then send whatever text remains. Media
// goes out before text. A failed image never suppresses the text and
// vice versa; an error is returned only when nothing was delivered.
func (d *Dispatcher) DispatchReply(ctx context.Context, intent OutboundIntent) (*qqapi.SendResult, error) {
	target, err := ParseTarget(intent.Target)
	if err != nil {
		return nil, err
	}

	resolved := ResolveImages(intent.Text, intent.MediaURLs, d.logger)
	if len(resolved.Sources) == 0 {
		if strings.TrimSpace(resolved.Text) == "" {
			return nil, perrors.ErrPayloadInvalid
		}
		return d.sendText(ctx, target, resolved.Text, intent.ReplyToID)
	}

	var delivered *qqapi.SendResult
	var firstErr error
	for _, src := range resolved.Sources {
		res, merr := d.sendOneMedia(ctx, target, src, intent.ReplyToID)
		if merr != nil {
			d.logger.Warn().Err(merr).Str("source", src.Kind.String()).Msg("image send failed")
			if d.metrics != nil {
				d.metrics.RecordError("dispatch", "media_send")
			}
			if firstErr == nil {
				firstErr = merr
			}
			continue
		}
		if delivered == nil {
			delivered = res
		}
	}

	if resolved.Text != "" {
		res, terr := d.sendText(ctx, target, resolved.Text, intent.ReplyToID)
		if terr != nil {
			d.logger.Warn().Err(terr).Msg("follow-up text failed after media send")
			if firstErr == nil {
				firstErr = terr
			}
		} else if delivered == nil {
			delivered = res
		}
	}

	if delivered == nil {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, perrors.ErrPayloadInvalid
	}
	return delivered, nil
}

// SendText delivers a single text frame to the intent's target.
func (d *Dispatcher) SendText(ctx context.Context, intent OutboundIntent) (*qqapi.SendResult, error) {
	target, err := ParseTarget(intent.Target)
	if err != nil {
		return nil, err
	}
	return d.sendText(ctx, target, intent.Text, intent.ReplyToID)
}

// SendMedia uploads and delivers the intent's media sources, then any
// text as a follow-up frame. The follow-up's failure does not unwind
// the media send; it is reported alongside the media result.
func (d *Dispatcher) SendMedia(ctx context.Context, intent OutboundIntent) (*qqapi.SendResult, error) {
	target, err := ParseTarget(intent.Target)
	if err != nil {
		return nil, err
	}
	if len(intent.MediaURLs) == 0 {
		return nil, fmt.Errorf("media send without media: %w", perrors.ErrPayloadInvalid)
	}

	var first *qqapi.SendResult
	for _, raw := range intent.MediaURLs {
		src, perr := qqapi.ParseMediaSource(raw)
		if perr != nil {
			return first, perr
		}
		res, serr := d.sendOneMedia(ctx, target, src, intent.ReplyToID)
		if serr != nil {
			return first, serr
		}
		if first == nil {
			first = res
		}
	}

	if strings.TrimSpace(intent.Text) != "" {
		if _, terr := d.sendText(ctx, target, intent.Text, intent.ReplyToID); terr != nil {
			return first, fmt.Errorf("media sent but follow-up text failed: %w", terr)
		}
	}
	return first, nil
}

// SendInputNotify flashes the C2C typing indicator. Best effort: not
// every account has the capability, so failures only surface to the
// caller's log.
func (d *Dispatcher) SendInputNotify(ctx context.Context, openid, replyToID string, seconds int) error {
	body := &qqapi.MessageBody{
		MsgType:     qqapi.MsgTypeInputNotify,
		InputNotify: &qqapi.InputNotify{InputType: 1, InputSecond: seconds},
	}
	d.stampReply(body, replyToID)
	_, err := d.post(ctx, Target{Kind: TargetC2C, ID: openid}, body)
	return err
}

func (d *Dispatcher) sendText(ctx context.Context, target Target, text, replyToID string) (*qqapi.SendResult, error) {
	replyTo := d.passiveOrFallback(replyToID, target)
	if replyTo == "" && strings.TrimSpace(text) == "" {
		return nil, perrors.ErrPayloadInvalid
	}

	body := &qqapi.MessageBody{}
	if d.account.MarkdownSupport {
		body.MsgType = qqapi.MsgTypeMarkdown
		body.Markdown = &qqapi.Markdown{Content: text}
	} else {
		body.MsgType = qqapi.MsgTypeText
		body.Content = text
	}
	d.stampReply(body, replyTo)
	return d.send(ctx, target, body)
}

func (d *Dispatcher) sendOneMedia(ctx context.Context, target Target, src qqapi.MediaSource, replyToID string) (*qqapi.SendResult, error) {
	// Channels take no rich media at all.
	if target.Kind == TargetChannel {
		return d.sendChannelMediaFallback(ctx, target, src, replyToID)
	}

	src, err := src.Normalize()
	if err != nil {
		return nil, err
	}

	// Markdown-capable accounts embed public URLs directly in C2C
	// chats, skipping the upload round-trip.
	if d.account.MarkdownSupport && target.Kind == TargetC2C {
		if src.Kind == qqapi.MediaPublicURL {
			return d.sendMarkdownImage(ctx, target, src.Value, replyToID)
		}
		if d.publisher != nil && d.account.ImageBaseURL != "" {
			publicURL, perr := d.publishForEmbed(src)
			if perr == nil {
				return d.sendMarkdownImage(ctx, target, publicURL, replyToID)
			}
			d.logger.Warn().Err(perr).Msg("publishing image for markdown embed failed, falling back to upload")
		}
	}

	fileInfo, err := d.upload(ctx, target, src)
	if err != nil {
		return nil, err
	}

	body := &qqapi.MessageBody{
		MsgType: qqapi.MsgTypeMedia,
		Media:   &qqapi.MediaRef{FileInfo: fileInfo},
	}
	d.stampReply(body, d.passiveOrFallback(replyToID, target))
	return d.send(ctx, target, body)
}

// sendMarkdownImage embeds a public URL with its true pixel size; the
// platform renders the literal ![#Wpx #Hpx](url) inline.
func (d *Dispatcher) sendMarkdownImage(ctx context.Context, target Target, imageURL, replyToID string) (*qqapi.SendResult, error) {
	w, h := d.imageSize(ctx, imageURL)
	body := &qqapi.MessageBody{
		MsgType:  qqapi.MsgTypeMarkdown,
		Markdown: &qqapi.Markdown{Content: fmt.Sprintf("![#%dpx #%dpx](%s)", w, h, imageURL)},
	}
	d.stampReply(body, d.passiveOrFallback(replyToID, target))
	return d.send(ctx, target, body)
}

// sendChannelMediaFallback points at the image in text form: the URL
// itself when public, a placeholder when the bytes only exist here.
func (d *Dispatcher) sendChannelMediaFallback(ctx context.Context, target Target, src qqapi.MediaSource, replyToID string) (*qqapi.SendResult, error) {
	note := "[图片]"
	if src.Kind == qqapi.MediaPublicURL {
		note = src.Value
	}
	return d.sendText(ctx, target, note, replyToID)
}

// passiveOrFallback decides whether this send may still carry the
// inbound msg_id. Outside the reply window or past the quota it
// becomes an active send instead.
func (d *Dispatcher) passiveOrFallback(replyToID string, target Target) string {
	if replyToID == "" {
		return ""
	}
	ok, remaining, reason := d.limiter.Check(replyToID)
	if !ok {
		d.logger.Info().
			Str("reply_to", replyToID).
			Str("reason", string(reason)).
			Str("target", target.String()).
			Msg("passive reply window closed, falling back to active message")
		return ""
	}
	d.logger.Debug().Str("reply_to", replyToID).Int("remaining", remaining).Msg("passive reply allowed")
	return replyToID
}

func (d *Dispatcher) stampReply(body *qqapi.MessageBody, replyTo string) {
	if replyTo == "" {
		return
	}
	body.MsgID = replyTo
	body.MsgSeq = d.seqs.Next(replyTo)
}

// send posts the body, retrying exactly once after an auth-shaped
// failure, and settles quota bookkeeping on success. Failures that are
// not just a cancelled context land in the dead-letter table.
func (d *Dispatcher) send(ctx context.Context, target Target, body *qqapi.MessageBody) (*qqapi.SendResult, error) {
	res, err := d.postWithAuthRetry(ctx, target, body)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if d.metrics != nil {
		d.metrics.RecordOutbound(d.account.ID, string(target.Kind), outcome)
	}
	if err == nil && body.MsgID != "" {
		d.limiter.RecordReply(body.MsgID)
	}
	if err != nil && d.deadletters != nil && ctx.Err() == nil {
		d.recordDeadLetter(target, body, err)
	}
	return res, err
}

func (d *Dispatcher) recordDeadLetter(target Target, body *qqapi.MessageBody, sendErr error) {
	content := body.Content
	if body.Markdown != nil {
		content = body.Markdown.Content
	}
	if content == "" && body.Media != nil {
		content = "[media]"
	}
	dl := &store.DeadLetter{
		ID:        uuid.NewString(),
		AccountID: d.account.ID,
		Target:    target.String(),
		Content:   content,
		Error:     sendErr.Error(),
	}
	if err := d.deadletters.SaveDeadLetter(dl); err != nil {
		d.logger.Warn().Err(err).Msg("failed to record dead letter")
		return
	}
	d.logger.Info().Str("dead_letter_id", dl.ID).Str("target", dl.Target).Msg("send recorded as dead letter")
}

func (d *Dispatcher) postWithAuthRetry(ctx context.Context, target Target, body *qqapi.MessageBody) (*qqapi.SendResult, error) {
	res, err := d.post(ctx, target, body)
	if err != nil && perrors.IsAuthShaped(err) {
		d.logger.Warn().Err(err).Msg("auth-shaped send failure, refreshing token and retrying once")
		d.client.Tokens().Invalidate()
		res, err = d.post(ctx, target, body)
	}
	return res, err
}

func (d *Dispatcher) post(ctx context.Context, target Target, body *qqapi.MessageBody) (*qqapi.SendResult, error) {
	switch target.Kind {
	case TargetC2C:
		return d.client.SendC2CMessage(ctx, target.ID, body)
	case TargetGroup:
		return d.client.SendGroupMessage(ctx, target.ID, body)
	case TargetChannel:
		return d.client.SendChannelMessage(ctx, target.ID, body)
	}
	return nil, fmt.Errorf("unroutable target kind %q", target.Kind)
}

func (d *Dispatcher) upload(ctx context.Context, target Target, src qqapi.MediaSource) (string, error) {
	fileInfo, err := d.uploadOnce(ctx, target, src)
	if err != nil && perrors.IsAuthShaped(err) {
		d.logger.Warn().Err(err).Msg("auth-shaped upload failure, refreshing token and retrying once")
		d.client.Tokens().Invalidate()
		fileInfo, err = d.uploadOnce(ctx, target, src)
	}
	return fileInfo, err
}

func (d *Dispatcher) uploadOnce(ctx context.Context, target Target, src qqapi.MediaSource) (string, error) {
	switch target.Kind {
	case TargetC2C:
		return d.client.UploadUserFile(ctx, target.ID, src)
	case TargetGroup:
		return d.client.UploadGroupFile(ctx, target.ID, src)
	}
	return "", fmt.Errorf("no upload endpoint for target kind %q", target.Kind)
}

// publishForEmbed hands normalized image bytes to the image server and
// returns their public URL under the account's base.
func (d *Dispatcher) publishForEmbed(src qqapi.MediaSource) (string, error) {
	mime, data, err := qqapi.DecodeDataURL(src.Value)
	if err != nil {
		return "", err
	}
	name, err := d.publisher.Publish(data, qqapi.ExtForMIME(mime))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(d.account.ImageBaseURL, "/") + "/images/" + name, nil
}

func (d *Dispatcher) imageSize(ctx context.Context, imageURL string) (int, int) {
	if wh, ok := d.sizes.Get(imageURL); ok {
		return wh[0], wh[1]
	}
	w, h := d.client.ProbeImageSize(ctx, imageURL)
	d.sizes.Put(imageURL, [2]int{w, h})
	return w, h
}
