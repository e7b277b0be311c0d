package xtream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iptvkit/iptvkit/internal/metrics"
)

const probeTimeout = 6 * time.Second

// probe finds the first base/container combination that actually serves
// media, by fetching a small ranged sample of one stream and sniffing it.
// Candidates are tried in preference order and the first hit is pinned for
// the whole catalog. Returns ok=false when nothing validated; the caller
// falls back to the first advertised combination.
func (c *Client) probe(ctx context.Context, bases, exts []string, urlPrefix, sampleID string) (string, string, bool) {
	for _, base := range bases {
		for _, ext := range exts {
			testURL := base + "/" + urlPrefix + "/" + c.Username + "/" + c.Password + "/" + sampleID + "." + ext
			if c.probeOne(ctx, testURL, ext) {
				metrics.StreamProbes.WithLabelValues(ext, "ok").Inc()
				return base, ext, true
			}
			metrics.StreamProbes.WithLabelValues(ext, "invalid").Inc()
		}
	}
	return "", "", false
}

func (c *Client) probeOne(ctx context.Context, testURL, ext string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "VLC/3.0.20")
	// One TS packet is enough to find the sync byte; playlists need a bit
	// more to show the header.
	readSize := 188
	if ext == "m3u8" {
		readSize = 1024
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", readSize-1))

	resp, err := c.http().Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false
	}
	if resp.Header.Get("Content-Length") == "0" {
		return false
	}
	// Servers that ignore Range would stream forever; read only the sample.
	sample := make([]byte, readSize)
	n, _ := io.ReadFull(resp.Body, sample)
	sample = sample[:n]
	if len(sample) == 0 {
		return false
	}

	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	if ext == "m3u8" {
		return looksLikeM3U8(sample, ctype)
	}
	return looksLikeTS(sample, ctype)
}

func looksLikeM3U8(sample []byte, ctype string) bool {
	if strings.Contains(ctype, "application/vnd.apple.mpegurl") ||
		strings.Contains(ctype, "application/x-mpegurl") {
		return true
	}
	return strings.HasPrefix(string(sample), "#EXTM3U")
}

// looksLikeTS recognizes an MPEG-TS sample by the 0x47 sync byte, falling
// back to the content type for servers that re-mux on the fly.
func looksLikeTS(sample []byte, ctype string) bool {
	if len(sample) == 0 {
		return false
	}
	if sample[0] == 0x47 {
		return true
	}
	return strings.Contains(ctype, "video/") || strings.Contains(ctype, "application/octet-stream")
}
