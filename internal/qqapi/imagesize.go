package qqapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
)

const (
	// sizeProbeWindow is how much of the image is fetched to decode
	// dimensions. All four supported formats keep them in the head.
	sizeProbeWindow = 64 * 1024

	// FallbackImageSize is used when the true size cannot be decoded.
	FallbackImageSize = 512
)

// ProbeImageSize fetches the leading bytes of a public image URL via a
// range request and decodes its pixel dimensions. Any failure falls
// back to FallbackImageSize square.
func (c *Client) ProbeImageSize(ctx context.Context, imageURL string) (int, int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return FallbackImageSize, FallbackImageSize
	}
	req.Header.Set("Range", "bytes=0-65535")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", imageURL).Msg("image size probe failed")
		return FallbackImageSize, FallbackImageSize
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", imageURL).Msg("image size probe failed")
		return FallbackImageSize, FallbackImageSize
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, sizeProbeWindow))
	if err != nil {
		return FallbackImageSize, FallbackImageSize
	}
	if w, h, ok := DecodeImageSize(head); ok {
		return w, h
	}
	return FallbackImageSize, FallbackImageSize
}

var (
	pngSignature  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	webpSignature = []byte("WEBP")
)

// DecodeImageSize extracts pixel dimensions from the leading bytes of
// a PNG, JPEG, GIF, or WebP image.
func DecodeImageSize(data []byte) (int, int, bool) {
	switch {
	case bytes.HasPrefix(data, pngSignature):
		return decodePNGSize(data)
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return decodeGIFSize(data)
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return decodeJPEGSize(data)
	case len(data) >= 16 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], webpSignature):
		return decodeWebPSize(data)
	}
	return 0, 0, false
}

// PNG: 8-byte signature, 8-byte IHDR chunk header, then width and
// height as big-endian uint32.
func decodePNGSize(data []byte) (int, int, bool) {
	if len(data) < 24 || !bytes.Equal(data[12:16], []byte("IHDR")) {
		return 0, 0, false
	}
	w := binary.BigEndian.Uint32(data[16:20])
	h := binary.BigEndian.Uint32(data[20:24])
	if w == 0 || h == 0 {
		return 0, 0, false
	}
	return int(w), int(h), true
}

// GIF: logical screen width and height as little-endian uint16 right
// after the 6-byte version header.
func decodeGIFSize(data []byte) (int, int, bool) {
	if len(data) < 10 {
		return 0, 0, false
	}
	w := binary.LittleEndian.Uint16(data[6:8])
	h := binary.LittleEndian.Uint16(data[8:10])
	if w == 0 || h == 0 {
		return 0, 0, false
	}
	return int(w), int(h), true
}

// JPEG: walk segments until a start-of-frame marker; its payload
// carries height then width as big-endian uint16.
func decodeJPEGSize(data []byte) (int, int, bool) {
	i := 2
	for i+3 < len(data) {
		if data[i] != 0xFF {
			return 0, 0, false
		}
		// fill bytes before a marker
		for i+3 < len(data) && data[i+1] == 0xFF {
			i++
		}
		marker := data[i+1]
		switch {
		case marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			i += 2 // standalone marker, no length
		case marker == 0xD9 || marker == 0xDA:
			return 0, 0, false // end of image / start of scan
		case isSOFMarker(marker):
			if i+9 > len(data) {
				return 0, 0, false
			}
			h := binary.BigEndian.Uint16(data[i+5 : i+7])
			w := binary.BigEndian.Uint16(data[i+7 : i+9])
			if w == 0 || h == 0 {
				return 0, 0, false
			}
			return int(w), int(h), true
		default:
			segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
			if segLen < 2 {
				return 0, 0, false
			}
			i += 2 + segLen
		}
	}
	return 0, 0, false
}

func isSOFMarker(m byte) bool {
	// SOF0–SOF15 minus DHT (C4), JPG (C8), DAC (CC)
	return m >= 0xC0 && m <= 0xCF && m != 0xC4 && m != 0xC8 && m != 0xCC
}

// WebP: RIFF container; dimensions depend on the first chunk variant
// (lossy VP8, lossless VP8L, or extended VP8X).
func decodeWebPSize(data []byte) (int, int, bool) {
	fourcc := string(data[12:16])
	switch fourcc {
	case "VP8 ":
		// frame tag, 3-byte sync code, then 14-bit width and height
		if len(data) < 30 || data[23] != 0x9D || data[24] != 0x01 || data[25] != 0x2A {
			return 0, 0, false
		}
		w := int(binary.LittleEndian.Uint16(data[26:28]) & 0x3FFF)
		h := int(binary.LittleEndian.Uint16(data[28:30]) & 0x3FFF)
		if w == 0 || h == 0 {
			return 0, 0, false
		}
		return w, h, true
	case "VP8L":
		if len(data) < 25 || data[20] != 0x2F {
			return 0, 0, false
		}
		bits := uint32(data[21]) | uint32(data[22])<<8 | uint32(data[23])<<16 | uint32(data[24])<<24
		w := int(bits&0x3FFF) + 1
		h := int((bits>>14)&0x3FFF) + 1
		return w, h, true
	case "VP8X":
		if len(data) < 30 {
			return 0, 0, false
		}
		w := 1 + int(uint32(data[24])|uint32(data[25])<<8|uint32(data[26])<<16)
		h := 1 + int(uint32(data[27])|uint32(data[28])<<8|uint32(data[29])<<16)
		return w, h, true
	}
	return 0, 0, false
}
