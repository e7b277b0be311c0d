package epg

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/iptvkit/iptvkit/internal/config"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	cfg := &config.Config{
		CacheDir:      t.TempDir(),
		ChannelEpg:    true,
		EpgExpiration: 6 * time.Hour,
	}
	c, err := NewCache(cfg)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func writeGuideFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "guide.xml")
	if err := os.WriteFile(path, []byte(sampleXMLTV), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestActivateFileSourceAndWindowedQuery(t *testing.T) {
	c := testCache(t)
	path := writeGuideFile(t, t.TempDir())
	src := Source{Kind: SourceFile, URL: path}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	at := time.Date(2024, 1, 1, 11, 15, 0, 0, time.UTC)
	got := c.ProgramsForChannel("one.tv", at, 0)
	if len(got) != 2 {
		t.Fatalf("programs = %d, want running plus upcoming", len(got))
	}
	if got[0].Title != "Midday Movie" || got[1].Title != "News" {
		t.Errorf("titles = %q, %q", got[0].Title, got[1].Title)
	}

	// 11:15 is inside Midday Movie; the earlier program must not appear.
	for _, p := range got {
		if p.Title == "Morning Show" {
			t.Error("finished program returned")
		}
	}
}

func TestProgramsForChannelDefaultCap(t *testing.T) {
	c := testCache(t)
	var sb strings.Builder
	sb.WriteString("<tv>")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&sb, `<programme channel="many.tv" start="20240101%02d0000 +0000" stop="2024010%d%02d0000 +0000"><title>P%d</title></programme>`,
			10+i, 1, 11+i, i)
	}
	sb.WriteString("</tv>")
	path := filepath.Join(t.TempDir(), "many.xml")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(context.Background(), Source{Kind: SourceFile, URL: path}); err != nil {
		t.Fatal(err)
	}
	got := c.ProgramsForChannel("many.tv", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), 0)
	if len(got) != DefaultMaxPrograms {
		t.Errorf("programs = %d, want default cap %d", len(got), DefaultMaxPrograms)
	}
}

func TestActivateLoadsSnapshotWhenFresh(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, sampleXMLTV)
	}))
	defer srv.Close()

	c := testCache(t)
	src := Source{Kind: SourceURL, URL: srv.URL}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	// Within the expiration window the snapshot serves without traffic.
	c.programs.Delete("one.tv")
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatalf("Activate (fresh): %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("fetches = %d, want still 1", n)
	}
	if !c.Contains("one.tv") {
		t.Error("snapshot must restore the guide")
	}
}

func TestRefreshURLNotModified(t *testing.T) {
	var full, conditional int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		atomic.AddInt32(&full, 1)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		fmt.Fprint(w, sampleXMLTV)
	}))
	defer srv.Close()

	c := testCache(t)
	src := Source{Kind: SourceURL, URL: srv.URL}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	// Force the access window to expire so the conditional check runs.
	info := c.Index[src.hash()]
	old := time.Now().Add(-24 * time.Hour).Format(indexTimeLayout)
	info.LastAccess = old

	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatalf("Activate (expired): %v", err)
	}
	if atomic.LoadInt32(&conditional) != 1 {
		t.Errorf("conditional requests = %d, want 1", conditional)
	}
	if atomic.LoadInt32(&full) != 1 {
		t.Errorf("full fetches = %d, want 1 (304 must skip the download)", full)
	}
	if c.Index[src.hash()].LastAccess == old {
		t.Error("304 must refresh last_access")
	}
}

func TestRefreshURLModifiedRefetches(t *testing.T) {
	var full int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			// Pretend new content exists; answer the probe with 200.
			fmt.Fprint(w, sampleXMLTV)
			return
		}
		atomic.AddInt32(&full, 1)
		fmt.Fprint(w, sampleXMLTV)
	}))
	defer srv.Close()

	c := testCache(t)
	src := Source{Kind: SourceURL, URL: srv.URL}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	c.Index[src.hash()].LastAccess = time.Now().Add(-24 * time.Hour).Format(indexTimeLayout)
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&full); n != 2 {
		t.Errorf("full fetches = %d, want refetch after modification", n)
	}
}

func TestEmptyGuideSetsNegativeMarker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, "<tv></tv>")
	}))
	defer srv.Close()

	c := testCache(t)
	src := Source{Kind: SourceURL, URL: srv.URL}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	info, present := c.Index[src.hash()]
	if !present || info != nil {
		t.Fatalf("index entry = %v, want negative marker", info)
	}

	// The marker suppresses retries until the index is cleared.
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	if err := c.ClearIndex(); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("fetches = %d, want retry after clear", n)
	}
}

func TestActivateStaleFallback(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, sampleXMLTV)
	}))
	defer srv.Close()

	c := testCache(t)
	src := Source{Kind: SourceURL, URL: srv.URL}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	failing.Store(true)
	c.Index[src.hash()].LastAccess = time.Now().Add(-24 * time.Hour).Format(indexTimeLayout)
	c.Index[src.hash()].Date = time.Now().Add(-24 * time.Hour).Format(indexTimeLayout)
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatalf("Activate must fall back to the stale snapshot, got %v", err)
	}
	if !c.Contains("one.tv") {
		t.Error("stale guide must remain available")
	}
}

func TestRefreshExpirationBoundary(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"js":{"7":[{"name":"News","time":"2024-01-01 10:00:00","time_to":"2024-01-01 11:00:00"}]}}`)
	}))
	defer srv.Close()

	cfg := &config.Config{
		CacheDir:      t.TempDir(),
		ChannelEpg:    true,
		EpgExpiration: time.Minute,
	}
	c, err := NewCache(cfg)
	if err != nil {
		t.Fatal(err)
	}
	src := Source{Kind: SourceSTB, URL: srv.URL}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	// Just inside the expiration window the guide is still fresh.
	c.Index[src.hash()].Date = time.Now().Add(-time.Minute + 10*time.Second).Format(indexTimeLayout)
	refreshed, err := c.Refresh(context.Background(), src)
	if err != nil {
		t.Fatalf("Refresh (fresh): %v", err)
	}
	if refreshed || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("refreshed=%v fetches=%d, want no refetch inside the window", refreshed, hits)
	}

	// Just past the window it is stale and refetches.
	c.Index[src.hash()].Date = time.Now().Add(-time.Minute - 10*time.Second).Format(indexTimeLayout)
	refreshed, err = c.Refresh(context.Background(), src)
	if err != nil {
		t.Fatalf("Refresh (stale): %v", err)
	}
	if !refreshed || atomic.LoadInt32(&hits) != 2 {
		t.Errorf("refreshed=%v fetches=%d, want refetch past the window", refreshed, hits)
	}
}

func TestRefreshFileDetectsModification(t *testing.T) {
	c := testCache(t)
	path := writeGuideFile(t, t.TempDir())
	src := Source{Kind: SourceFile, URL: path}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	refreshed, err := c.Refresh(context.Background(), src)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed {
		t.Error("unmodified file must not refetch")
	}

	// Bump the mtime beyond the slack window.
	future := time.Now().Add(10 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	refreshed, err = c.Refresh(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed {
		t.Error("modified file must refetch")
	}
}

func TestActivateSTBGuide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "get_epg_info" || q.Get("period") != "5" {
			t.Errorf("query = %v", q)
		}
		fmt.Fprint(w, `{"js":{"101":[
			{"name":"News","descr":"Headlines","time":"2024-01-01 11:00:00","time_to":"2024-01-01 12:00:00"},
			{"name":"Weather","time":"2024-01-01 12:00:00","time_to":"2024-01-01 12:30:00"}
		]}}`)
	}))
	defer srv.Close()

	c := testCache(t)
	src := Source{Kind: SourceSTB, URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}}
	if err := c.Activate(context.Background(), src); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	at := time.Date(2024, 1, 1, 11, 30, 0, 0, time.Local)
	got := c.ProgramsForChannel("101", at, 0)
	if len(got) != 2 {
		t.Fatalf("programs = %d, want 2", len(got))
	}
	if got[0].Title != "News" || got[0].Description != "Headlines" {
		t.Errorf("program = %+v", got[0])
	}
}

func TestNewCacheBuildsLimiter(t *testing.T) {
	cfg := &config.Config{CacheDir: t.TempDir(), EpgExpiration: time.Hour, RequestRate: 4}
	c, err := NewCache(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c.limiter == nil || c.limiter.Limit() != 4 {
		t.Errorf("limiter = %+v, want 4 req/s", c.limiter)
	}
}

func TestChannelEpgDisabled(t *testing.T) {
	cfg := &config.Config{CacheDir: t.TempDir(), EpgExpiration: time.Hour}
	c, err := NewCache(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(context.Background(), Source{Kind: SourceURL, URL: "http://unreachable.invalid/guide.xml"}); err != nil {
		t.Fatalf("disabled guide must not fetch: %v", err)
	}
	if c.Len() != 0 {
		t.Error("guide must stay empty when disabled")
	}
}

func TestReindexAppliesAliases(t *testing.T) {
	c := testCache(t)
	path := writeGuideFile(t, t.TempDir())
	if err := c.Activate(context.Background(), Source{Kind: SourceFile, URL: path}); err != nil {
		t.Fatal(err)
	}
	if c.Contains("uno.tv") {
		t.Fatal("alias should not resolve before reindex")
	}

	c.SetAliases(config.AliasMap{Channels: [][]string{{"one.tv", "uno.tv"}}})
	c.Reindex()
	if !c.Contains("uno.tv") {
		t.Error("alias must resolve after reindex")
	}
	if !c.Contains("roll.tv") {
		t.Error("unaliased channels must survive reindex")
	}
}

func TestDecompress(t *testing.T) {
	payload := []byte("<tv></tv>")

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(payload)
	zw.Close()
	r, err := decompress(bytes.NewReader(gz.Bytes()), "", "gzip")
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if got, _ := io.ReadAll(r); !bytes.Equal(got, payload) {
		t.Errorf("gzip round trip = %q", got)
	}

	var zipBuf bytes.Buffer
	zipw := zip.NewWriter(&zipBuf)
	f, _ := zipw.Create("guide.xml")
	f.Write(payload)
	zipw.Close()
	r, err = decompress(bytes.NewReader(zipBuf.Bytes()), "application/zip", "")
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	if got, _ := io.ReadAll(r); !bytes.Equal(got, payload) {
		t.Errorf("zip round trip = %q", got)
	}

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write(payload)
	bw.Close()
	r, err = decompress(bytes.NewReader(br.Bytes()), "", "br")
	if err != nil {
		t.Fatalf("brotli: %v", err)
	}
	if got, _ := io.ReadAll(r); !bytes.Equal(got, payload) {
		t.Errorf("brotli round trip = %q", got)
	}

	r, err = decompress(bytes.NewReader(payload), "text/xml", "")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := io.ReadAll(r); !bytes.Equal(got, payload) {
		t.Errorf("plain passthrough = %q", got)
	}
}
