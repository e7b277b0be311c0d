// Package loader implements the paginated catalog fetch engine for STB
// portal endpoints. It learns the page count from the first response
// envelope, fetches the remaining pages concurrently with bounded per-page
// retries, and aggregates the items in completion order.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iptvkit/iptvkit/internal/httpclient"
	"github.com/iptvkit/iptvkit/internal/metrics"
)

const (
	DefaultMaxAttempts = 2
	DefaultConcurrency = 10
	DefaultTimeout     = 5 * time.Second
)

// ErrProtocol marks a response that arrived intact but did not have the
// expected shape. Not retried beyond the page retry budget; surfaced
// distinctly so callers can suggest a configuration problem instead of
// "check your connection".
var ErrProtocol = errors.New("loader: unexpected response shape")

// PageError reports a page that exhausted its retry budget. One failed page
// fails the whole load: a category silently missing arbitrary items is worse
// than a clear failure.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("loader: page %d failed after retries: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Query describes one portal content request. Context fields (CategoryID,
// ParentID, MovieID, SeasonID) are echoed back in the Result so the caller
// can route the aggregate without re-deriving them.
type Query struct {
	URL     string // endpoint, e.g. http://portal.example/server/load.php
	Headers map[string]string
	Type    string // "itv", "vod", "series"
	Action  string // "get_ordered_list", "get_genres", "get_short_epg", ...

	CategoryID string
	ParentID   string
	MovieID    string
	SeasonID   string
	ChannelID  string
	Period     int
	Size       int
	SortBy     string
}

// Result is the aggregated outcome of a Load.
type Result struct {
	Items []map[string]any
	Pages int

	CategoryID string
	ParentID   string
	MovieID    string
	SeasonID   string
}

// Loader fetches paginated portal content. The zero value is usable; fields
// override the defaults.
type Loader struct {
	Client      *http.Client
	MaxAttempts int           // per-page attempts (default 2)
	Timeout     time.Duration // per-request timeout (default 5s)
	Concurrency int           // concurrent page fetches (default 10)
	Limiter     *rate.Limiter // optional pacing between page dispatches
	Progress    func(done, total int)

	// Sleep is swappable for tests; defaults to a ctx-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Load fetches page 1, derives the page count from the envelope, fetches the
// remaining pages concurrently, and returns the aggregate. Item order
// follows page completion order, not upstream page order; callers needing a
// stable order sort afterwards.
//
// Guide actions (get_short_epg, get_epg_info) are not paginated and report
// one page of one.
func (l *Loader) Load(ctx context.Context, q Query) (*Result, error) {
	client := l.Client
	if client == nil {
		client = httpclient.WithTimeout(l.timeout())
	}

	res := &Result{
		CategoryID: q.CategoryID,
		ParentID:   q.ParentID,
		MovieID:    q.MovieID,
		SeasonID:   q.SeasonID,
	}

	items, total, maxPage, err := l.fetchPage(ctx, client, q, 1)
	if err != nil {
		return nil, &PageError{Page: 1, Err: err}
	}
	res.Items = append(res.Items, items...)

	if guideAction(q.Action) {
		res.Pages = 1
		l.progress(1, 1)
		return res, nil
	}

	pages := 0
	if maxPage > 0 {
		pages = (total + maxPage - 1) / maxPage
	}
	res.Pages = pages
	l.progress(1, pages)
	if pages <= 1 {
		return res, nil
	}

	type pageResult struct {
		page  int
		items []map[string]any
		err   error
	}

	sem := make(chan struct{}, l.concurrency())
	out := make(chan pageResult)
	var wg sync.WaitGroup

	dispatch := func(page int) error {
		// Cooperative cancellation between dispatches; in-flight requests
		// are bounded by the client timeout.
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Limiter != nil {
			if err := l.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			pi, _, _, perr := l.fetchPage(ctx, client, q, page)
			out <- pageResult{page: page, items: pi, err: perr}
		}()
		return nil
	}

	var dispatchErr error
	go func() {
		for page := 2; page <= pages; page++ {
			if err := dispatch(page); err != nil {
				dispatchErr = err
				break
			}
		}
		wg.Wait()
		close(out)
	}()

	done := 1
	var failed []*PageError
	for pr := range out {
		done++
		if pr.err != nil {
			failed = append(failed, &PageError{Page: pr.page, Err: pr.err})
		} else {
			res.Items = append(res.Items, pr.items...)
		}
		l.progress(done, pages)
	}
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("loader: %d/%d pages failed: %w", len(failed), pages, failed[0])
	}
	return res, nil
}

// fetchPage performs one page request with the per-page retry policy:
// exponential backoff plus jitter on server-busy status, empty body,
// transport error or malformed body.
func (l *Loader) fetchPage(ctx context.Context, client *http.Client, q Query, page int) (items []map[string]any, total, maxPage int, err error) {
	attempts := l.maxAttempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.PageRetries.WithLabelValues(q.Type).Inc()
			wait := time.Duration(1<<uint(attempt-1))*time.Second +
				time.Duration(rand.Int63n(int64(time.Second)))
			if err := l.sleep(ctx, wait); err != nil {
				return nil, 0, 0, err
			}
		}
		items, total, maxPage, lastErr = l.fetchPageOnce(ctx, client, q, page)
		if lastErr == nil {
			metrics.PagesFetched.WithLabelValues(q.Type).Inc()
			return items, total, maxPage, nil
		}
		if errors.Is(lastErr, ErrProtocol) || ctx.Err() != nil {
			break
		}
	}
	metrics.PageFailures.WithLabelValues(q.Type).Inc()
	return nil, 0, 0, lastErr
}

func (l *Loader) fetchPageOnce(ctx context.Context, client *http.Client, q Query, page int) ([]map[string]any, int, int, error) {
	reqURL := q.URL + "?" + q.params(page).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	for k, v := range q.Headers {
		req.Header.Set(k, v)
	}

	release := httpclient.GlobalHostSem.Acquire(q.URL)
	resp, err := client.Do(req)
	release()
	if err != nil {
		return nil, 0, 0, err
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, 0, 0, readErr
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
		return nil, 0, 0, fmt.Errorf("server busy: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, 0, 0, errors.New("empty body")
	}

	var envelope struct {
		JS json.RawMessage `json:"js"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, 0, fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.JS) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: missing js payload", ErrProtocol)
	}

	if guideAction(q.Action) {
		return decodeGuidePayload(envelope.JS)
	}

	var inner struct {
		Data         []map[string]any `json:"data"`
		TotalItems   any              `json:"total_items"`
		MaxPageItems any              `json:"max_page_items"`
	}
	if err := json.Unmarshal(envelope.JS, &inner); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: js is not an object", ErrProtocol)
	}
	return inner.Data, asInt(inner.TotalItems), asInt(inner.MaxPageItems), nil
}

// decodeGuidePayload accepts the two shapes guide actions produce: a list of
// program objects (get_short_epg) or a single object keyed by channel id
// (get_epg_info).
func decodeGuidePayload(raw json.RawMessage) ([]map[string]any, int, int, error) {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, 1, 1, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return []map[string]any{obj}, 1, 1, nil
	}
	return nil, 0, 0, fmt.Errorf("%w: guide payload is neither list nor object", ErrProtocol)
}

// params builds the portal query string for one page, mirroring the wire
// protocol's per-content-type parameter sets.
func (q Query) params(page int) url.Values {
	v := url.Values{}
	v.Set("type", q.Type)
	v.Set("action", q.Action)
	v.Set("JsHttpRequest", "1-xml")

	switch q.Action {
	case "get_short_epg":
		v.Set("ch_id", q.ChannelID)
		v.Set("size", strconv.Itoa(q.Size))
		return v
	case "get_epg_info":
		v.Set("period", strconv.Itoa(q.Period))
		return v
	}

	v.Set("p", strconv.Itoa(page))
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "name"
	}
	category := q.CategoryID
	if category == "" {
		category = "*"
	}
	switch q.Type {
	case "itv":
		v.Set("genre", category)
		v.Set("force_ch_link_check", "")
		v.Set("fav", "0")
		v.Set("sortby", sortBy)
		v.Set("hd", "0")
	case "vod":
		v.Set("category", category)
		v.Set("sortby", sortBy)
	case "series":
		v.Set("category", category)
		movieID := q.MovieID
		if movieID == "" {
			movieID = "0"
		}
		seasonID := q.SeasonID
		if seasonID == "" {
			seasonID = "0"
		}
		v.Set("movie_id", movieID)
		v.Set("season_id", seasonID)
		v.Set("episode_id", "0")
		v.Set("sortby", sortBy)
	}
	return v
}

func guideAction(action string) bool {
	return action == "get_short_epg" || action == "get_epg_info"
}

// asInt tolerates panels that report counters as strings.
func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	case json.Number:
		n, _ := x.Int64()
		return int(n)
	}
	return 0
}

func (l *Loader) progress(done, total int) {
	if l.Progress != nil {
		l.Progress(done, total)
	}
}

func (l *Loader) maxAttempts() int {
	if l.MaxAttempts > 0 {
		return l.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (l *Loader) concurrency() int {
	if l.Concurrency > 0 {
		return l.Concurrency
	}
	return DefaultConcurrency
}

func (l *Loader) timeout() time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	return DefaultTimeout
}

func (l *Loader) sleep(ctx context.Context, d time.Duration) error {
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
