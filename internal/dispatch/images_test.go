package dispatch

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdbot/qqgateway/internal/qqapi"
)

func TestResolveImages_MarkdownLiteral(t *testing.T) {
	r := ResolveImages("这是图\n![](https://cdn.example.com/a.png)", nil, zerolog.Nop())

	require.Len(t, r.Sources, 1)
	assert.Equal(t, qqapi.MediaPublicURL, r.Sources[0].Kind)
	assert.Equal(t, "https://cdn.example.com/a.png", r.Sources[0].Value)
	assert.Equal(t, "这是图", r.Text)
}

func TestResolveImages_MarkdownLocalPath(t *testing.T) {
	r := ResolveImages("结果见下\n![plot](/tmp/a.png)", nil, zerolog.Nop())

	require.Len(t, r.Sources, 1)
	assert.Equal(t, qqapi.MediaLocalPath, r.Sources[0].Kind)
	assert.Equal(t, "/tmp/a.png", r.Sources[0].Value)
	assert.Equal(t, "结果见下", r.Text)
}

func TestResolveImages_BareURL(t *testing.T) {
	r := ResolveImages("训练曲线如下 https://cdn.example.com/b.jpg", nil, zerolog.Nop())

	require.Len(t, r.Sources, 1)
	assert.Equal(t, "https://cdn.example.com/b.jpg", r.Sources[0].Value)
	assert.Equal(t, "训练曲线如下", r.Text)
}

func TestResolveImages_GuardedURLStaysPut(t *testing.T) {
	// Markdown links and quoted URLs are someone else's markup.
	r := ResolveImages(`详情见 [报告](https://cdn.example.com/c.png) 和 "https://cdn.example.com/d.png"`, nil, zerolog.Nop())

	assert.Empty(t, r.Sources)
	assert.Contains(t, r.Text, "[报告](")
}

func TestResolveImages_BarePathNotAutoSent(t *testing.T) {
	r := ResolveImages("输出保存在 /tmp/out.png 里", nil, zerolog.Nop())

	assert.Empty(t, r.Sources)
	assert.Contains(t, r.Text, "/tmp/out")
}

func TestResolveImages_ExplicitMediaURLs(t *testing.T) {
	r := ResolveImages("说明文字", []string{
		"https://cdn.example.com/e.png",
		"/var/img/f.jpg",
		"data:image/png;base64,iVBORw0KGgo=",
	}, zerolog.Nop())

	require.Len(t, r.Sources, 3)
	assert.Equal(t, qqapi.MediaPublicURL, r.Sources[0].Kind)
	assert.Equal(t, qqapi.MediaLocalPath, r.Sources[1].Kind)
	assert.Equal(t, qqapi.MediaDataURL, r.Sources[2].Kind)
	assert.Equal(t, "说明文字", r.Text)
}

func TestResolveImages_Deduplicates(t *testing.T) {
	r := ResolveImages(
		"![](https://cdn.example.com/a.png)",
		[]string{"https://cdn.example.com/a.png"},
		zerolog.Nop(),
	)
	assert.Len(t, r.Sources, 1)
}

func TestResolveImages_UnusableSourcesSkipped(t *testing.T) {
	r := ResolveImages("正文", []string{
		"ftp://host/y.png",
		"/tmp/notes.txt",
	}, zerolog.Nop())

	assert.Empty(t, r.Sources)
	assert.Equal(t, "正文", r.Text)
}

func TestResolveImages_ApologyCollapses(t *testing.T) {
	r := ResolveImages("抱歉,我无法直接发送图片\n![](https://cdn.example.com/a.png)", nil, zerolog.Nop())

	require.Len(t, r.Sources, 1)
	assert.Equal(t, ImageAboveNotice, r.Text)
}

func TestResolveImages_MetaDroppedRealTextKept(t *testing.T) {
	text := "已经为您生成了一张图\n训练详情:损失从2.1降到0.3\n![](https://cdn.example.com/a.png)"
	r := ResolveImages(text, nil, zerolog.Nop())

	require.Len(t, r.Sources, 1)
	assert.Equal(t, "训练详情:损失从2.1降到0.3", r.Text)
}

func TestResolveImages_ImageOnly(t *testing.T) {
	r := ResolveImages("![](https://cdn.example.com/a.png)", nil, zerolog.Nop())

	require.Len(t, r.Sources, 1)
	assert.Empty(t, r.Text)
}

func TestRewriteDottedTokens(t *testing.T) {
	r := ResolveImages("访问 example.com 获取版本 v1.2.3", nil, zerolog.Nop())

	assert.Empty(t, r.Sources)
	assert.Contains(t, r.Text, "example_com")
	assert.Contains(t, r.Text, "v1_2_3")
	assert.True(t, strings.HasSuffix(r.Text, dottedFootnote))
}

func TestRewriteDottedTokens_NoChangeNoFootnote(t *testing.T) {
	r := ResolveImages("你好,世界", nil, zerolog.Nop())
	assert.Equal(t, "你好,世界", r.Text)
}
