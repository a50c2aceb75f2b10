package dispatch

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/qqapi"
)

// ImageAboveNotice replaces reply text that said nothing beyond
// apologizing about the image that was in fact sent.
const ImageAboveNotice = "图片如上 ☝️"

// dottedFootnote explains the X.Y -> X_Y rewrite to the reader.
const dottedFootnote = "\n\n(注:文本中的 \".\" 已替换为 \"_\" 以便发送)"

var (
	// ![alt](target) with a space-free target.
	mdImageRe = regexp.MustCompile(`!\[[^\]]*\]\(\s*([^)\s]+)\s*\)`)

	// Bare image URLs; the leading group keeps markdown links and
	// quoted URLs out.
	bareImageURLRe = regexp.MustCompile(`(?i)(^|[^(\['"])(https?://[^\s'"<>()\[\]]+\.(?:png|jpe?g|gif|webp))`)

	// Bare absolute paths are only reported, never auto-sent.
	barePathRe = regexp.MustCompile(`(?i)(?:^|\s)(/[^\s'"<>()\[\]]*\.(?:png|jpe?g|gif|webp))`)

	// Alphanumeric tokens joined by dots look like links to the
	// platform and get messages rejected.
	dottedRunRe = regexp.MustCompile(`[A-Za-z0-9]+(?:\.[A-Za-z0-9]+)+`)
)

var metaParagraphRes = []*regexp.Regexp{
	regexp.MustCompile(`抱歉|对不起|很遗憾`),
	regexp.MustCompile(`无法(?:直接)?(?:发送|显示|生成|访问|查看|预览)`),
	regexp.MustCompile(`图片(?:如下|在下方|已(?:经)?(?:发送|生成|上传|附上))`),
	regexp.MustCompile(`(?:为您|帮您|给您)?生成(?:了)?(?:一张|这张)?图`),
	regexp.MustCompile(`(?i)sorry|apolog|unfortunately`),
	regexp.MustCompile(`(?i)(?:unable to|cannot|can't)\s+(?:send|display|show|attach|embed)`),
	regexp.MustCompile(`(?i)here(?:'s| is)\s+(?:the\s+)?(?:image|picture|photo)`),
}

// Filler runes that carry no content on their own; a short paragraph
// made mostly of these is treated as meta chatter.
var metaStopRunes = map[rune]struct{}{}

func init() {
	for _, r := range "的了吗呢吧哦啊嗯哈呀是我你他她它这那和与就都还也很来去看到请们上面下方如图所示" {
		metaStopRunes[r] = struct{}{}
	}
}

// ResolvedReply is what remains of a pipeline reply after image
// extraction: the images to send and the cleaned text.
type ResolvedReply struct {
	Sources []qqapi.MediaSource
	Text    string
}

// ResolveImages pulls every image reference out of a reply. Explicit
// media URLs from the pipeline come first, then markdown image
// literals, then bare image URLs; all are de-duplicated in order.
// Bare absolute paths are logged but require the markdown form to be
// sent. The returned text has extracted references removed and is
// post-processed for the platform's quirks.
func ResolveImages(text string, mediaURLs []string, logger zerolog.Logger) ResolvedReply {
	var sources []qqapi.MediaSource
	seen := make(map[string]struct{})

	add := func(raw string) bool {
		src, err := qqapi.ParseMediaSource(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping unusable media source")
			return false
		}
		if src.Kind == qqapi.MediaLocalPath && !qqapi.SupportedImageExt(src.Value) {
			logger.Warn().Str("path", src.Value).Msg("skipping local path with unsupported extension")
			return false
		}
		if _, dup := seen[src.Value]; dup {
			return true
		}
		seen[src.Value] = struct{}{}
		sources = append(sources, src)
		return true
	}

	for _, u := range mediaURLs {
		if strings.TrimSpace(u) != "" {
			add(strings.TrimSpace(u))
		}
	}

	cleaned := mdImageRe.ReplaceAllStringFunc(text, func(m string) string {
		target := mdImageRe.FindStringSubmatch(m)[1]
		if add(target) {
			return ""
		}
		return m
	})

	cleaned = bareImageURLRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		groups := bareImageURLRe.FindStringSubmatch(m)
		if add(groups[2]) {
			return groups[1]
		}
		return m
	})

	for _, m := range barePathRe.FindAllStringSubmatch(cleaned, -1) {
		logger.Info().
			Str("path", m[1]).
			Msg("bare local image path in reply text; use markdown form to send it")
	}

	cleaned = strings.TrimSpace(cleaned)
	if len(sources) > 0 {
		cleaned = simplifyForImages(cleaned)
	} else {
		cleaned = rewriteDottedTokens(cleaned)
	}

	return ResolvedReply{Sources: sources, Text: cleaned}
}

// simplifyForImages drops paragraphs that only apologize about or
// narrate the image send. A reply reduced to nothing but such chatter
// becomes a short pointer at the image itself.
func simplifyForImages(text string) string {
	if text == "" {
		return ""
	}
	var kept []string
	dropped := 0
	for _, p := range strings.Split(text, "\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isMetaParagraph(p) {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		if dropped > 0 {
			return ImageAboveNotice
		}
		return ""
	}
	return strings.Join(kept, "\n")
}

func isMetaParagraph(p string) bool {
	for _, re := range metaParagraphRes {
		if re.MatchString(p) {
			return true
		}
	}
	return mostlyStopRunes(p)
}

func mostlyStopRunes(p string) bool {
	runes := []rune(p)
	// Very short fragments are real captions more often than filler;
	// only the curated regexes may drop those.
	if len(runes) < 6 || len(runes) > 40 {
		return false
	}
	hits := 0
	for _, r := range runes {
		if _, ok := metaStopRunes[r]; ok {
			hits++
			continue
		}
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			hits++
		}
	}
	return float64(hits)/float64(len(runes)) >= 0.6
}

// rewriteDottedTokens replaces dots between alphanumerics with
// underscores and appends a footnote when anything changed. The
// platform silently drops messages containing link-shaped tokens.
func rewriteDottedTokens(text string) string {
	if text == "" {
		return ""
	}
	out := dottedRunRe.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ReplaceAll(m, ".", "_")
	})
	if out != text {
		out += dottedFootnote
	}
	return out
}
