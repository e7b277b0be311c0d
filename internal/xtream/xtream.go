// Package xtream implements the Xtream Codes Player API v2 client: account
// authentication, catalog loading with category normalization, series
// metadata, and stream format probing.
package xtream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/iptvkit/iptvkit/internal/httpclient"
	"github.com/iptvkit/iptvkit/internal/metrics"
)

// FlexString decodes JSON fields that panels serve inconsistently as string,
// number or null.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexString(strconv.FormatFloat(n, 'f', -1, 64))
		return nil
	}
	return fmt.Errorf("xtream: cannot decode %s as string or number", b)
}

func (f FlexString) String() string { return strings.TrimSpace(string(f)) }

// ServerInfo is the panel's self-description from the auth response.
type ServerInfo struct {
	URL            string     `json:"url"`
	Port           FlexString `json:"port"`
	HTTPSPort      FlexString `json:"https_port"`
	ServerProtocol string     `json:"server_protocol"`
	Timezone       string     `json:"timezone"`
}

// UserInfo is the account block from the auth response.
type UserInfo struct {
	Username             string     `json:"username"`
	Status               string     `json:"status"`
	Auth                 FlexString `json:"auth"`
	ExpDate              FlexString `json:"exp_date"`
	MaxConnections       FlexString `json:"max_connections"`
	AllowedOutputFormats []string   `json:"allowed_output_formats"`
}

// Account is the resolved outcome of authentication.
type Account struct {
	ServerInfo   ServerInfo
	UserInfo     UserInfo
	ResolvedBase string
}

// Category is one normalized catalog category.
type Category struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Catalog is one content type's normalized listing. Items use the STB field
// names (tv_genre_id, cmd) so downstream caching and playback treat both
// provider families uniformly. SortedChannels maps category id to item
// indexes ordered by channel number.
type Catalog struct {
	Categories     []Category       `json:"categories"`
	Items          []map[string]any `json:"contents"`
	SortedChannels map[string][]int `json:"sorted_channels"`
	ResolvedBase   string           `json:"resolved_base"`
	StreamBase     string           `json:"stream_base"`
	StreamExt      string           `json:"stream_ext"`
}

// Season is one normalized series season with its episodes.
type Season struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Cover        string           `json:"cover"`
	Overview     string           `json:"overview"`
	AirDate      string           `json:"air_date"`
	EpisodeCount string           `json:"episode_count"`
	Episodes     []map[string]any `json:"episodes"`
}

// SeriesDetail is the normalized get_series_info response.
type SeriesDetail struct {
	Seasons      []Season       `json:"seasons"`
	Info         map[string]any `json:"series_info"`
	ResolvedBase string         `json:"resolved_base"`
}

// Client talks to one Xtream panel.
type Client struct {
	Base        string
	Username    string
	Password    string
	PreferHTTPS bool
	VerifySSL   bool
	ProbePrefer string // "ts" or "m3u8", default ts

	HTTP    *http.Client
	Limiter *rate.Limiter
}

// Authenticate fetches the panel's auth response and resolves the working
// API base from it.
func (c *Client) Authenticate(ctx context.Context) (*Account, error) {
	var body struct {
		ServerInfo ServerInfo `json:"server_info"`
		UserInfo   UserInfo   `json:"user_info"`
	}
	authURL := PlayerAPIURL(c.Base, c.Username, c.Password, "", nil)
	if err := c.getJSON(ctx, authURL, &body); err != nil {
		return nil, fmt.Errorf("xtream: authenticate: %w", err)
	}
	resolved := ResolveBase(body.ServerInfo, c.Base, c.PreferHTTPS)
	if resolved == "" {
		resolved = EnsureBase(c.Base)
	}
	return &Account{
		ServerInfo:   body.ServerInfo,
		UserInfo:     body.UserInfo,
		ResolvedBase: resolved,
	}, nil
}

// contentActions maps a content type to its API actions and playback path
// segment.
func contentActions(contentType string) (catAction, streamsAction, urlPrefix string, err error) {
	switch contentType {
	case "itv":
		return "get_live_categories", "get_live_streams", "live", nil
	case "vod":
		return "get_vod_categories", "get_vod_streams", "movie", nil
	case "series":
		return "get_series_categories", "get_series", "series", nil
	}
	return "", "", "", fmt.Errorf("xtream: unknown content type %q", contentType)
}

// LoadCatalog authenticates, fetches one content type's categories and
// streams, probes a working base and container for playback, and returns the
// normalized catalog. A missing category listing degrades to All/Unknown
// rather than failing the load.
func (c *Client) LoadCatalog(ctx context.Context, contentType string) (*Catalog, error) {
	catAction, streamsAction, urlPrefix, err := contentActions(contentType)
	if err != nil {
		return nil, err
	}

	acct, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	resolvedBase := acct.ResolvedBase
	streamBase := StreamBase(acct.ServerInfo)
	if streamBase == "" {
		streamBase = resolvedBase
	}

	extsPref := extOrder(acct.UserInfo.AllowedOutputFormats, c.ProbePrefer)
	basesPref := []string{resolvedBase}
	if streamBase != resolvedBase {
		basesPref = append(basesPref, streamBase)
	}

	categories := []Category{{ID: "*", Title: "All"}}
	categoryIDs := map[string]bool{}
	var rawCats []map[string]any
	if err := c.getJSON(ctx, PlayerAPIURL(resolvedBase, c.Username, c.Password, catAction, nil), &rawCats); err != nil {
		// A dead category endpoint only costs grouping, not content.
	} else {
		for _, rc := range rawCats {
			id := asString(rc["category_id"])
			title := asString(rc["category_name"])
			if title == "" {
				title = "Unknown"
			}
			categories = append(categories, Category{ID: id, Title: title})
			categoryIDs[id] = true
		}
	}

	var streams []map[string]any
	if err := c.getJSON(ctx, PlayerAPIURL(resolvedBase, c.Username, c.Password, streamsAction, nil), &streams); err != nil {
		return nil, fmt.Errorf("xtream: fetch %s: %w", streamsAction, err)
	}

	pickBase, pickExt := basesPref[0], extsPref[0]
	if contentType == "itv" || contentType == "vod" {
		var sampleID string
		for _, s := range streams {
			if id := asString(s["stream_id"]); id != "" {
				sampleID = id
				break
			}
		}
		if sampleID != "" {
			if b, ext, ok := c.probe(ctx, basesPref, extsPref, urlPrefix, sampleID); ok {
				pickBase, pickExt = b, ext
			}
		}
	}

	cat := &Catalog{
		Categories:     categories,
		SortedChannels: map[string][]int{},
		ResolvedBase:   resolvedBase,
		StreamBase:     pickBase,
		StreamExt:      pickExt,
	}

	for _, s := range streams {
		id := asString(s["stream_id"])
		if id == "" {
			id = asString(s["series_id"])
		}
		if id == "" {
			continue
		}
		num := asString(s["num"])
		if num == "" {
			num = strconv.Itoa(len(cat.Items) + 1)
		}
		name := asString(s["name"])
		if name == "" {
			name = "Stream " + id
		}
		logo := asString(s["stream_icon"])
		if logo == "" {
			logo = asString(s["cover"])
		}

		cid := "None"
		if ids, ok := s["category_ids"].([]any); ok && len(ids) > 0 {
			cid = asString(ids[0])
		} else if v := asString(s["category_id"]); v != "" {
			cid = v
		}

		var cmd string
		switch contentType {
		case "series":
			// Episodes are resolved on demand through SeriesInfo.
		case "vod":
			ext := asString(s["container_extension"])
			if ext == "" {
				ext = pickExt
			}
			cmd = fmt.Sprintf("%s/%s/%s/%s/%s.%s", pickBase, urlPrefix, c.Username, c.Password, id, ext)
		default:
			cmd = fmt.Sprintf("%s/%s/%s/%s/%s.%s", pickBase, urlPrefix, c.Username, c.Password, id, pickExt)
		}

		item := map[string]any{
			"id":          id,
			"number":      num,
			"name":        name,
			"logo":        logo,
			"tv_genre_id": cid,
			"cmd":         cmd,
		}
		switch contentType {
		case "itv":
			item["xmltv_id"] = asString(s["epg_channel_id"])
		case "vod":
			item["director"] = asString(s["director"])
			item["description"] = asString(s["plot"])
			item["rating"] = asString(s["rating"])
			item["year"] = asString(s["releasedate"])
			if ext := asString(s["container_extension"]); ext != "" {
				item["container_extension"] = ext
			} else {
				item["container_extension"] = pickExt
			}
		case "series":
			item["plot"] = asString(s["plot"])
			item["rating"] = asString(s["rating"])
			item["year"] = asString(s["year"])
		}

		cat.Items = append(cat.Items, item)
		cat.SortedChannels[cid] = append(cat.SortedChannels[cid], len(cat.Items)-1)
	}

	for cid := range cat.SortedChannels {
		idx := cat.SortedChannels[cid]
		sort.SliceStable(idx, func(a, b int) bool {
			return itemNumber(cat.Items[idx[a]]) < itemNumber(cat.Items[idx[b]])
		})
	}
	if _, ok := cat.SortedChannels["None"]; ok {
		cat.Categories = append(cat.Categories, Category{ID: "None", Title: "Unknown Category"})
	}

	metrics.CatalogItems.WithLabelValues(contentType).Set(float64(len(cat.Items)))
	return cat, nil
}

// SeriesInfo fetches seasons and episodes for one series. Panels disagree on
// the seasons field shape (list or object keyed by season number); both are
// accepted, and seasons are derived from the episodes object so entries
// without metadata still appear.
func (c *Client) SeriesInfo(ctx context.Context, resolvedBase, seriesID string) (*SeriesDetail, error) {
	if resolvedBase == "" {
		acct, err := c.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		resolvedBase = acct.ResolvedBase
	}

	extra := url.Values{}
	extra.Set("series_id", seriesID)
	var body struct {
		Episodes map[string][]map[string]any `json:"episodes"`
		Seasons  json.RawMessage             `json:"seasons"`
		Info     map[string]any              `json:"info"`
	}
	infoURL := PlayerAPIURL(resolvedBase, c.Username, c.Password, "get_series_info", extra)
	if err := c.getJSON(ctx, infoURL, &body); err != nil {
		return nil, fmt.Errorf("xtream: series info %s: %w", seriesID, err)
	}

	seasonsMeta := map[string]map[string]any{}
	if len(body.Seasons) > 0 {
		var asList []map[string]any
		var asMap map[string]map[string]any
		if err := json.Unmarshal(body.Seasons, &asList); err == nil {
			for _, sm := range asList {
				num := asString(sm["season_number"])
				if num == "" {
					num = asString(sm["id"])
				}
				if num != "" {
					seasonsMeta[num] = sm
				}
			}
		} else if err := json.Unmarshal(body.Seasons, &asMap); err == nil {
			seasonsMeta = asMap
		}
	}

	nums := make([]string, 0, len(body.Episodes))
	for num := range body.Episodes {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(a, b int) bool { return seasonNumber(nums[a]) < seasonNumber(nums[b]) })

	detail := &SeriesDetail{Info: body.Info, ResolvedBase: resolvedBase}
	if detail.Info == nil {
		detail.Info = map[string]any{}
	}
	for _, num := range nums {
		eps := body.Episodes[num]
		meta := seasonsMeta[num]
		name := asString(meta["name"])
		if name == "" {
			name = "Season " + num
		}
		cover := asString(meta["cover_big"])
		if cover == "" {
			cover = asString(meta["cover"])
		}
		detail.Seasons = append(detail.Seasons, Season{
			ID:           num,
			Name:         name,
			Cover:        cover,
			Overview:     asString(meta["overview"]),
			AirDate:      asString(meta["air_date"]),
			EpisodeCount: strconv.Itoa(len(eps)),
			Episodes:     eps,
		})
	}
	return detail, nil
}

func (c *Client) http() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	if !c.VerifySSL {
		return httpclient.Insecure(httpclient.CatalogTimeout)
	}
	return httpclient.WithTimeout(httpclient.CatalogTimeout)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	release := httpclient.GlobalHostSem.Acquire(rawURL)
	resp, err := httpclient.DoWithRetry(ctx, c.http(), req, httpclient.ProviderRetryPolicy)
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
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(body, out)
}

// extOrder orders the candidate containers, preferred first. An empty
// allowed list means the panel did not say; try both.
func extOrder(allowed []string, prefer string) []string {
	if prefer != "m3u8" {
		prefer = "ts"
	}
	other := "m3u8"
	if prefer == "m3u8" {
		other = "ts"
	}
	if len(allowed) == 0 {
		return []string{prefer, other}
	}
	has := map[string]bool{}
	for _, a := range allowed {
		has[a] = true
	}
	var out []string
	if has[prefer] {
		out = append(out, prefer)
	}
	if has[other] {
		out = append(out, other)
	}
	if len(out) == 0 {
		out = []string{"ts"}
	}
	return out
}

func itemNumber(item map[string]any) int {
	n, _ := strconv.Atoi(asString(item["number"]))
	return n
}

func seasonNumber(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "1"
		}
		return "0"
	}
	return ""
}
