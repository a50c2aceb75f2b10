package qqapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawdbot/qqgateway/internal/retry"
)

// MediaKind classifies where image bytes come from.
type MediaKind int

const (
	// MediaPublicURL is an http(s) URL the platform fetches itself.
	MediaPublicURL MediaKind = iota
	// MediaDataURL carries the bytes inline as base64.
	MediaDataURL
	// MediaLocalPath is an absolute path on this host. It must be
	// normalized to a data URL before upload.
	MediaLocalPath
)

func (k MediaKind) String() string {
	switch k {
	case MediaPublicURL:
		return "url"
	case MediaDataURL:
		return "data"
	case MediaLocalPath:
		return "path"
	}
	return "unknown"
}

// MediaSource is one image to upload.
type MediaSource struct {
	Kind  MediaKind
	Value string
}

var imageExtMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// SupportedImageExt reports whether the path or URL ends in an image
// extension the uploader accepts.
func SupportedImageExt(s string) bool {
	_, ok := imageExtMIME[strings.ToLower(filepath.Ext(s))]
	return ok
}

// ExtForMIME returns the canonical file extension for a supported image
// MIME type, or "" when unrecognized.
func ExtForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	}
	return ""
}

// ParseMediaSource classifies a raw media reference.
func ParseMediaSource(s string) (MediaSource, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return MediaSource{Kind: MediaPublicURL, Value: s}, nil
	case strings.HasPrefix(s, "data:image/"):
		return MediaSource{Kind: MediaDataURL, Value: s}, nil
	case filepath.IsAbs(s):
		return MediaSource{Kind: MediaLocalPath, Value: s}, nil
	}
	return MediaSource{}, fmt.Errorf("unsupported media source %q", truncate(s, 64))
}

// Normalize converts a local path into a data URL by reading the file
// and inferring its MIME type from the extension. URL and data
// sources pass through unchanged.
func (m MediaSource) Normalize() (MediaSource, error) {
	if m.Kind != MediaLocalPath {
		return m, nil
	}
	mime, ok := imageExtMIME[strings.ToLower(filepath.Ext(m.Value))]
	if !ok {
		return MediaSource{}, fmt.Errorf("unsupported image extension %q", filepath.Ext(m.Value))
	}
	data, err := os.ReadFile(m.Value)
	if err != nil {
		return MediaSource{}, fmt.Errorf("read image %s: %w", m.Value, err)
	}
	return MediaSource{Kind: MediaDataURL, Value: EncodeDataURL(mime, data)}, nil
}

// EncodeDataURL builds a base64 data URL for the given MIME type.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a data URL into its MIME type and raw bytes.
func DecodeDataURL(s string) (string, []byte, error) {
	mime, payload, err := splitDataURL(s)
	if err != nil {
		return "", nil, err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url payload: %w", err)
	}
	return mime, data, nil
}

func splitDataURL(s string) (mime, b64 string, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", "", fmt.Errorf("not a data url")
	}
	mime, b64, ok = strings.Cut(rest, ";base64,")
	if !ok || mime == "" {
		return "", "", fmt.Errorf("malformed data url")
	}
	return mime, b64, nil
}

// UploadUserFile uploads an image for a C2C target and returns the
// file_info handle to reference in a media message.
func (c *Client) UploadUserFile(ctx context.Context, openid string, src MediaSource) (string, error) {
	return c.uploadFile(ctx, "/v2/users/"+url.PathEscape(openid)+"/files", src)
}

// UploadGroupFile uploads an image for a group target.
func (c *Client) UploadGroupFile(ctx context.Context, groupOpenid string, src MediaSource) (string, error) {
	return c.uploadFile(ctx, "/v2/groups/"+url.PathEscape(groupOpenid)+"/files", src)
}

func (c *Client) uploadFile(ctx context.Context, path string, src MediaSource) (string, error) {
	req := mediaUploadRequest{FileType: 1, SrvSendMsg: false}
	switch src.Kind {
	case MediaPublicURL:
		req.URL = src.Value
	case MediaDataURL:
		_, payload, err := splitDataURL(src.Value)
		if err != nil {
			return "", err
		}
		req.FileData = payload
	default:
		return "", fmt.Errorf("media source kind %s not uploadable", src.Kind)
	}

	var out mediaUploadResponse
	err := retry.Do(ctx, retry.UploadConfig(), func(ctx context.Context) error {
		out = mediaUploadResponse{}
		return c.Do(ctx, http.MethodPost, path, req, &out)
	})
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	if out.FileInfo == "" {
		return "", fmt.Errorf("upload response missing file_info")
	}
	return out.FileInfo, nil
}
