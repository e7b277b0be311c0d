package epg

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/iptvkit/iptvkit/internal/httpclient"
	"github.com/iptvkit/iptvkit/internal/loader"
	"github.com/iptvkit/iptvkit/internal/metrics"
	"github.com/iptvkit/iptvkit/internal/multikey"
	"github.com/iptvkit/iptvkit/internal/xtream"
)

// stbGuidePeriod is how many hours of guide the portal is asked for.
const stbGuidePeriod = 5

// stbTimeLayout is the timestamp format portal guides use, in the portal's
// local time.
const stbTimeLayout = "2006-01-02 15:04:05"

// fetch downloads and indexes a source's guide, replacing the loaded
// programs and updating the index.
func (c *Cache) fetch(ctx context.Context, src Source) error {
	var err error
	switch src.Kind {
	case SourceSTB:
		err = c.fetchSTB(ctx, src)
	case SourceXtream:
		err = c.fetchHTTP(ctx, src, xtream.XMLTVURL(src.URL, src.Username, src.Password))
	case SourceURL:
		err = c.fetchHTTP(ctx, src, src.URL)
	case SourceFile:
		err = c.fetchFile(src)
	default:
		err = fmt.Errorf("epg: unknown source kind %q", src.Kind)
	}
	if err != nil {
		metrics.EpgRefreshes.WithLabelValues(string(src.Kind), "error").Inc()
	}
	return err
}

// refreshURL applies the URL source's two-step freshness check: nothing
// happens inside the expiration window, and past it the server is asked
// with If-Modified-Since before paying for a full download.
func (c *Cache) refreshURL(ctx context.Context, src Source, info *SourceInfo) (bool, error) {
	last, err := time.ParseInLocation(indexTimeLayout, info.LastAccess, time.Local)
	if err == nil && time.Since(last) <= c.cfg.EpgExpiration {
		return false, nil
	}

	if date, perr := time.ParseInLocation(indexTimeLayout, info.Date, time.Local); perr == nil {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if rerr != nil {
			return false, rerr
		}
		req.Header.Set("If-Modified-Since", date.UTC().Format(http.TimeFormat))
		resp, derr := httpclient.DoWithRetry(ctx, httpclient.WithTimeout(httpclient.HandshakeTimeout), req, httpclient.DefaultRetryPolicy)
		if derr == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusNotModified {
				info.LastAccess = time.Now().Format(indexTimeLayout)
				metrics.EpgRefreshes.WithLabelValues(string(src.Kind), "not_modified").Inc()
				return false, c.SaveIndex()
			}
		}
	}
	return true, c.fetch(ctx, src)
}

// fetchSTB pulls the portal's bulk guide through get_epg_info, which
// returns one object keyed by channel id.
func (c *Cache) fetchSTB(ctx context.Context, src Source) error {
	base := xtream.BaseFromURL(src.URL)
	l := &loader.Loader{Limiter: c.limiter}
	res, err := l.Load(ctx, loader.Query{
		URL:     base + "/server/load.php",
		Headers: src.Headers,
		Type:    "itv",
		Action:  "get_epg_info",
		Period:  stbGuidePeriod,
	})
	if err != nil {
		return fmt.Errorf("epg: fetch portal guide: %w", err)
	}

	programs := multikey.New[string, []Program]()
	if len(res.Items) > 0 {
		for chID, v := range res.Items[0] {
			raw, ok := v.([]any)
			if !ok {
				continue
			}
			var list []Program
			for _, entry := range raw {
				em, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				start, serr := time.ParseInLocation(stbTimeLayout, stringField(em, "time"), time.Local)
				stop, perr := time.ParseInLocation(stbTimeLayout, stringField(em, "time_to"), time.Local)
				if serr != nil || perr != nil {
					continue
				}
				if stop.Before(start) {
					stop = stop.AddDate(0, 0, 1)
				}
				list = append(list, Program{
					Start:       start,
					Stop:        stop,
					Title:       stringField(em, "name"),
					Description: stringField(em, "descr"),
					Category:    stringField(em, "category"),
				})
			}
			if len(list) > 0 {
				programs.Set([]string{chID}, list)
			}
		}
	}
	return c.store(src, programs, time.Time{})
}

// fetchHTTP downloads an XMLTV document, transparently unpacking zip, gzip
// and brotli payloads, and indexes it. The indexed date comes from the
// server's Last-Modified when present so the conditional refresh has a
// truthful baseline.
func (c *Cache) fetchHTTP(ctx context.Context, src Source, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp, err := httpclient.DoWithRetry(ctx, httpclient.WithTimeout(httpclient.CatalogTimeout), req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return fmt.Errorf("epg: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("epg: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := decompress(resp.Body, resp.Header.Get("Content-Type"), resp.Header.Get("Content-Encoding"))
	if err != nil {
		return err
	}
	programs, err := parseXMLTV(body, c.keysFor)
	if err != nil {
		return err
	}

	var date time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			date = t.Local()
		}
	}
	return c.store(src, programs, date)
}

// fetchFile indexes a local XMLTV file; the indexed date is the file's
// mtime so edits are picked up on the next refresh.
func (c *Cache) fetchFile(src Source) error {
	f, err := os.Open(src.URL)
	if err != nil {
		return fmt.Errorf("epg: open %s: %w", src.URL, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	var r io.Reader = f
	if strings.HasSuffix(src.URL, ".gz") {
		gz, gerr := gzip.NewReader(f)
		if gerr != nil {
			return fmt.Errorf("epg: open %s: %w", src.URL, gerr)
		}
		defer gz.Close()
		r = gz
	}
	programs, err := parseXMLTV(r, c.keysFor)
	if err != nil {
		return err
	}
	return c.store(src, programs, fi.ModTime())
}

// decompress unwraps the transport encodings guide servers actually use.
// Zip archives are searched for their first xml member.
func decompress(r io.Reader, contentType, contentEncoding string) (io.Reader, error) {
	switch {
	case contentEncoding == "br":
		return brotli.NewReader(r), nil
	case contentEncoding == "gzip" || contentType == "application/gzip":
		return gzip.NewReader(r)
	case contentType == "application/zip":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("epg: open zip: %w", err)
		}
		for _, f := range zr.File {
			if strings.HasSuffix(f.Name, ".xml") {
				return f.Open()
			}
		}
		return nil, errors.New("epg: zip archive has no xml member")
	}
	return r, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
