package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func pageBody(page, total, perPage int) string {
	start := (page - 1) * perPage
	n := perPage
	if start+n > total {
		n = total - start
	}
	items := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			items += ","
		}
		items += fmt.Sprintf(`{"id":"%d"}`, start+i)
	}
	return fmt.Sprintf(`{"js":{"data":[%s],"total_items":%d,"max_page_items":%d}}`,
		items, total, perPage)
}

func TestLoadAggregatesAllPages(t *testing.T) {
	const total, perPage = 95, 20

	var mu sync.Mutex
	seen := map[int]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("p"))
		mu.Lock()
		seen[page]++
		mu.Unlock()
		fmt.Fprint(w, pageBody(page, total, perPage))
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	res, err := l.Load(context.Background(), Query{
		URL:        srv.URL,
		Type:       "vod",
		Action:     "get_ordered_list",
		CategoryID: "12",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Pages != 5 {
		t.Errorf("pages = %d, want 5", res.Pages)
	}
	if len(res.Items) != total {
		t.Errorf("items = %d, want %d", len(res.Items), total)
	}
	if res.CategoryID != "12" {
		t.Errorf("category echo = %q, want %q", res.CategoryID, "12")
	}
	mu.Lock()
	defer mu.Unlock()
	for p := 1; p <= 5; p++ {
		if seen[p] != 1 {
			t.Errorf("page %d fetched %d times, want 1", p, seen[p])
		}
	}
}

func TestLoadSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(1, 7, 20))
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	res, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "itv", Action: "get_ordered_list"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Pages != 1 || len(res.Items) != 7 {
		t.Errorf("pages=%d items=%d, want 1/7", res.Pages, len(res.Items))
	}
}

func TestLoadRetriesServerBusy(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, pageBody(1, 3, 20))
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	res, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "itv", Action: "get_ordered_list"})
	if err != nil {
		t.Fatalf("Load after retry: %v", err)
	}
	if len(res.Items) != 3 {
		t.Errorf("items = %d, want 3", len(res.Items))
	}
}

func TestLoadFailsWhenRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	_, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "itv", Action: "get_ordered_list"})
	if err == nil {
		t.Fatal("want error after exhausted retries")
	}
	var pe *PageError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PageError, got %T: %v", err, err)
	}
	if pe.Page != 1 {
		t.Errorf("failed page = %d, want 1", pe.Page)
	}
}

func TestLoadFailedLaterPageAbortsLoad(t *testing.T) {
	const total, perPage = 60, 20
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("p") == "2" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("p"))
		fmt.Fprint(w, pageBody(page, total, perPage))
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	_, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "vod", Action: "get_ordered_list"})
	var pe *PageError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PageError, got %v", err)
	}
	if pe.Page != 2 {
		t.Errorf("failed page = %d, want 2", pe.Page)
	}
}

func TestLoadEmptyBodyRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return // 200 with empty body
		}
		fmt.Fprint(w, pageBody(1, 2, 20))
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	res, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "itv", Action: "get_ordered_list"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("items = %d, want 2", len(res.Items))
	}
}

func TestLoadMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":[1,2,3]}`)
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	_, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "itv", Action: "get_ordered_list"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestLoadShortEPGList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("ch_id") != "42" || q.Get("size") != "5" {
			t.Errorf("query = %v", q)
		}
		if q.Get("p") != "" {
			t.Error("guide action must not paginate")
		}
		fmt.Fprint(w, `{"js":[{"name":"News"},{"name":"Weather"}]}`)
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	res, err := l.Load(context.Background(), Query{
		URL: srv.URL, Type: "itv", Action: "get_short_epg", ChannelID: "42", Size: 5,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Pages != 1 || len(res.Items) != 2 {
		t.Errorf("pages=%d items=%d, want 1/2", res.Pages, len(res.Items))
	}
}

func TestLoadEpgInfoObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("period") != "8" {
			t.Errorf("period = %q", r.URL.Query().Get("period"))
		}
		fmt.Fprint(w, `{"js":{"101":[{"name":"Sports"}]}}`)
	}))
	defer srv.Close()

	l := &Loader{Sleep: noSleep}
	res, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "itv", Action: "get_epg_info", Period: 8})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(res.Items))
	}
	if _, ok := res.Items[0]["101"]; !ok {
		t.Error("want payload keyed by channel id")
	}
}

func TestLoadProgress(t *testing.T) {
	const total, perPage = 40, 20
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("p"))
		fmt.Fprint(w, pageBody(page, total, perPage))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var events [][2]int
	l := &Loader{
		Sleep: noSleep,
		Progress: func(done, totalPages int) {
			mu.Lock()
			events = append(events, [2]int{done, totalPages})
			mu.Unlock()
		},
	}
	if _, err := l.Load(context.Background(), Query{URL: srv.URL, Type: "vod", Action: "get_ordered_list"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("progress events = %d, want 2", len(events))
	}
	if events[0] != [2]int{1, 2} || events[1] != [2]int{2, 2} {
		t.Errorf("events = %v, want [[1 2] [2 2]]", events)
	}
}

func TestLoadContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(1, 100, 10))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &Loader{Sleep: noSleep}
	if _, err := l.Load(ctx, Query{URL: srv.URL, Type: "vod", Action: "get_ordered_list"}); err == nil {
		t.Fatal("want error on cancelled context")
	}
}
