package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/iptvkit/iptvkit/internal/httpclient"
	"github.com/iptvkit/iptvkit/internal/loader"
	"github.com/iptvkit/iptvkit/internal/m3u"
	"github.com/iptvkit/iptvkit/internal/metrics"
	"github.com/iptvkit/iptvkit/internal/xtream"
)

// Catalog returns the cached catalog for a content type, fetching it from
// the provider on a cache miss.
func (m *Manager) Catalog(ctx context.Context, contentType string) (*Catalog, error) {
	if cat, ok := m.Content[contentType]; ok && cat != nil {
		return cat, nil
	}
	return m.RefreshCatalog(ctx, contentType)
}

// RefreshCatalog fetches a content type's catalog from the selected
// provider, replaces the cached copy and persists it.
func (m *Manager) RefreshCatalog(ctx context.Context, contentType string) (*Catalog, error) {
	if m.Current == nil {
		return nil, errors.New("provider: no provider selected")
	}

	var (
		cat *Catalog
		err error
	)
	switch m.Current.Type {
	case KindSTB:
		cat, err = m.loadSTBCatalog(ctx, contentType)
	case KindXtream:
		cat, err = m.loadXtreamCatalog(ctx, contentType)
	case KindM3UPlaylist:
		cat, err = m.loadPlaylistCatalog(ctx)
	case KindM3UStream:
		cat = streamCatalog(m.Current.URL)
	default:
		return nil, fmt.Errorf("provider: unknown type %q", m.Current.Type)
	}
	if err != nil {
		return nil, err
	}

	m.Content[contentType] = cat
	if err := m.SaveContent(); err != nil {
		return nil, err
	}
	metrics.CatalogItems.WithLabelValues(contentType).Set(float64(len(cat.Items)))
	return cat, nil
}

// ResolveLink turns a cached catalog command into a playable URL. Portal
// commands need a create_link round trip; the other provider kinds cache
// direct URLs, modulo the player prefix some panels prepend.
func (m *Manager) ResolveLink(ctx context.Context, contentType, cmd, seriesParam string) (string, error) {
	if m.Current == nil {
		return "", errors.New("provider: no provider selected")
	}
	if m.Current.Type == KindSTB {
		if m.Session == nil {
			return "", errors.New("provider: no active portal session")
		}
		return m.Session.CreateLink(ctx, contentType, cmd, seriesParam)
	}
	return strings.TrimPrefix(cmd, "ffmpeg "), nil
}

func (m *Manager) loadSTBCatalog(ctx context.Context, contentType string) (*Catalog, error) {
	if m.Session == nil {
		return nil, errors.New("provider: no active portal session")
	}
	loadURL := m.Session.LoadURL()
	headers := m.Session.Headers()

	catAction := "get_categories"
	if contentType == "itv" {
		catAction = "get_genres"
	}
	var catEnv struct {
		JS []map[string]any `json:"js"`
	}
	catURL := fmt.Sprintf("%s?type=%s&action=%s&JsHttpRequest=1-xml",
		loadURL, url.QueryEscape(contentType), catAction)
	if err := m.stbJSON(ctx, catURL, headers, &catEnv); err != nil {
		return nil, fmt.Errorf("provider: fetch categories: %w", err)
	}
	var categories []Category
	hasAll := false
	for _, c := range catEnv.JS {
		cat := Category{ID: asString(c["id"]), Title: asString(c["title"])}
		if cat.ID == "*" {
			hasAll = true
		}
		categories = append(categories, cat)
	}
	if !hasAll {
		categories = append([]Category{{ID: "*", Title: "All"}}, categories...)
	}

	var items []map[string]any
	if contentType == "itv" {
		var chanEnv struct {
			JS struct {
				Data []map[string]any `json:"data"`
			} `json:"js"`
		}
		chanURL := fmt.Sprintf("%s?type=itv&action=get_all_channels&JsHttpRequest=1-xml", loadURL)
		if err := m.stbJSON(ctx, chanURL, headers, &chanEnv); err != nil {
			return nil, fmt.Errorf("provider: fetch channels: %w", err)
		}
		items = chanEnv.JS.Data
	} else {
		l := &loader.Loader{Limiter: m.limiter}
		res, err := l.Load(ctx, loader.Query{
			URL:     loadURL,
			Headers: headers,
			Type:    contentType,
			Action:  "get_ordered_list",
		})
		if err != nil {
			return nil, fmt.Errorf("provider: load %s catalog: %w", contentType, err)
		}
		items = res.Items
	}

	cat := &Catalog{Categories: categories, Items: items}
	var orphans bool
	cat.SortedChannels, orphans = indexByCategory(items)
	if orphans {
		cat.Categories = append(cat.Categories, Category{ID: "None", Title: "Unknown Category"})
	}
	return cat, nil
}

// xtreamClient builds a panel API client for a provider with the manager's
// network policy applied.
func (m *Manager) xtreamClient(p *Provider) *xtream.Client {
	return &xtream.Client{
		Base:        p.URL,
		Username:    p.Username,
		Password:    p.Password,
		PreferHTTPS: m.cfg.PreferHTTPS,
		VerifySSL:   p.verifySSL() && m.cfg.VerifySSL,
		ProbePrefer: m.cfg.ProbePrefer,
		Limiter:     m.limiter,
	}
}

func (m *Manager) loadXtreamCatalog(ctx context.Context, contentType string) (*Catalog, error) {
	c := m.xtreamClient(m.Current)

	acct, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if acct.UserInfo.Auth.String() == "0" ||
		(acct.UserInfo.Status != "" && acct.UserInfo.Status != "Active") {
		return nil, fmt.Errorf("%w: account status %q", ErrAuth, acct.UserInfo.Status)
	}

	xc, err := c.LoadCatalog(ctx, contentType)
	if err != nil {
		return nil, err
	}
	cat := &Catalog{
		Items:          xc.Items,
		SortedChannels: xc.SortedChannels,
		ResolvedBase:   xc.ResolvedBase,
		StreamBase:     xc.StreamBase,
		StreamExt:      xc.StreamExt,
	}
	for _, c := range xc.Categories {
		cat.Categories = append(cat.Categories, Category{ID: c.ID, Title: c.Title})
	}
	return cat, nil
}

// playlistCandidates orders the URLs to try for a playlist download: with
// prefer-HTTPS set, an http playlist URL is first attempted over https, then
// as configured.
func playlistCandidates(rawURL string, preferHTTPS bool) []string {
	if preferHTTPS && strings.HasPrefix(rawURL, "http://") {
		return []string{"https://" + strings.TrimPrefix(rawURL, "http://"), rawURL}
	}
	return []string{rawURL}
}

func (m *Manager) loadPlaylistCatalog(ctx context.Context) (*Catalog, error) {
	var lastErr error
	for _, u := range playlistCandidates(m.Current.URL, m.cfg.PreferHTTPS) {
		cat, err := m.fetchPlaylist(ctx, u)
		if err == nil {
			return cat, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) fetchPlaylist(ctx context.Context, rawURL string) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	client := httpclient.WithTimeout(httpclient.CatalogTimeout)
	if !m.Current.verifySSL() || !m.cfg.VerifySSL {
		client = httpclient.Insecure(httpclient.CatalogTimeout)
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("provider: fetch playlist %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: fetch playlist %s: status %d", rawURL, resp.StatusCode)
	}

	tracks, err := m3u.Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	pl := m3u.Categorize(tracks)
	cat := &Catalog{
		Items:          pl.Items,
		SortedChannels: pl.SortedChannels,
	}
	for _, c := range pl.Categories {
		cat.Categories = append(cat.Categories, Category{ID: c.ID, Title: c.Title})
	}
	return cat, nil
}

// streamCatalog wraps a single raw stream URL in the catalog shape so the
// rest of the pipeline needs no special case.
func streamCatalog(rawURL string) *Catalog {
	return &Catalog{
		Categories: []Category{{ID: "*", Title: "All"}},
		Items: []map[string]any{{
			"id":          "1",
			"number":      "1",
			"name":        "Stream",
			"tv_genre_id": "*",
			"cmd":         rawURL,
		}},
		SortedChannels: map[string][]int{"*": {0}},
	}
}

// indexByCategory builds the per-category item index ordered by channel
// number, reporting whether any item had no category.
func indexByCategory(items []map[string]any) (map[string][]int, bool) {
	idx := map[string][]int{}
	orphans := false
	for i, item := range items {
		cid := asString(item["tv_genre_id"])
		if cid == "" {
			cid = "None"
			orphans = true
		}
		idx[cid] = append(idx[cid], i)
	}
	for cid := range idx {
		list := idx[cid]
		sort.SliceStable(list, func(a, b int) bool {
			na, _ := strconv.Atoi(asString(items[list[a]]["number"]))
			nb, _ := strconv.Atoi(asString(items[list[b]]["number"]))
			return na < nb
		})
	}
	return idx, orphans
}

func (m *Manager) stbJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	release := httpclient.GlobalHostSem.Acquire(rawURL)
	resp, err := httpclient.DoWithRetry(ctx, httpclient.WithTimeout(httpclient.CatalogTimeout), req, httpclient.ProviderRetryPolicy)
	release()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return ""
}
