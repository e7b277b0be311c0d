package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/iptvkit/iptvkit/internal/loader"
	"github.com/iptvkit/iptvkit/internal/xtream"
)

// SeriesSeasons lists the seasons of one series in the catalog item shape.
// Portals answer get_ordered_list with the series id as movie_id; Xtream
// panels answer get_series_info. Seasons are folder nodes and carry no
// playable command.
func (m *Manager) SeriesSeasons(ctx context.Context, categoryID, seriesID string) ([]map[string]any, error) {
	if m.Current == nil {
		return nil, errors.New("provider: no provider selected")
	}
	switch m.Current.Type {
	case KindSTB:
		return m.stbSeriesList(ctx, categoryID, seriesID, "", "name")
	case KindXtream:
		detail, err := m.xtreamClient(m.Current).SeriesInfo(ctx, m.resolvedBase(), seriesID)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]any, 0, len(detail.Seasons))
		for _, s := range detail.Seasons {
			items = append(items, map[string]any{
				"id":            s.ID,
				"number":        s.ID,
				"name":          s.Name,
				"logo":          s.Cover,
				"description":   s.Overview,
				"episode_count": s.EpisodeCount,
				"cmd":           "",
			})
		}
		return items, nil
	}
	return nil, fmt.Errorf("provider: %s providers have no series", m.Current.Type)
}

// SeasonEpisodes lists one season's episodes with their playback commands.
func (m *Manager) SeasonEpisodes(ctx context.Context, categoryID, seriesID, seasonID string) ([]map[string]any, error) {
	if m.Current == nil {
		return nil, errors.New("provider: no provider selected")
	}
	switch m.Current.Type {
	case KindSTB:
		return m.stbSeriesList(ctx, categoryID, seriesID, seasonID, "added")
	case KindXtream:
		detail, err := m.xtreamClient(m.Current).SeriesInfo(ctx, m.resolvedBase(), seriesID)
		if err != nil {
			return nil, err
		}
		for _, s := range detail.Seasons {
			if s.ID == seasonID {
				return m.xtreamEpisodeItems(s, detail.ResolvedBase), nil
			}
		}
		return nil, fmt.Errorf("provider: series %s has no season %s", seriesID, seasonID)
	}
	return nil, fmt.Errorf("provider: %s providers have no series", m.Current.Type)
}

func (m *Manager) stbSeriesList(ctx context.Context, categoryID, seriesID, seasonID, sortBy string) ([]map[string]any, error) {
	if m.Session == nil {
		return nil, errors.New("provider: no active portal session")
	}
	l := &loader.Loader{Limiter: m.limiter}
	res, err := l.Load(ctx, loader.Query{
		URL:        m.Session.LoadURL(),
		Headers:    m.Session.Headers(),
		Type:       "series",
		Action:     "get_ordered_list",
		CategoryID: categoryID,
		MovieID:    seriesID,
		SeasonID:   seasonID,
		SortBy:     sortBy,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: load series %s: %w", seriesID, err)
	}
	return res.Items, nil
}

// resolvedBase returns the API base pinned during the series catalog load,
// if one is cached. SeriesInfo re-authenticates when it is empty.
func (m *Manager) resolvedBase() string {
	if cat, ok := m.Content["series"]; ok && cat != nil {
		return cat.ResolvedBase
	}
	return ""
}

// xtreamEpisodeItems builds playable episode items for one season. The
// stream base and container pinned during the catalog load are reused; an
// episode's own container extension wins when the panel reports one.
func (m *Manager) xtreamEpisodeItems(season xtream.Season, fallbackBase string) []map[string]any {
	streamBase, streamExt := fallbackBase, "ts"
	if cat, ok := m.Content["series"]; ok && cat != nil {
		if cat.StreamBase != "" {
			streamBase = cat.StreamBase
		}
		if cat.StreamExt != "" {
			streamExt = cat.StreamExt
		}
	}

	items := make([]map[string]any, 0, len(season.Episodes))
	for i, ep := range season.Episodes {
		id := asString(ep["id"])
		ext := asString(ep["container_extension"])
		if ext == "" {
			ext = streamExt
		}
		num := episodeNumber(ep, i+1)
		name := asString(ep["title"])
		if name == "" {
			name = asString(ep["name"])
		}
		if name == "" {
			name = "Episode " + num
		}
		items = append(items, map[string]any{
			"id":                  id,
			"number":              num,
			"name":                name,
			"cmd":                 fmt.Sprintf("%s/series/%s/%s/%s.%s", streamBase, m.Current.Username, m.Current.Password, id, ext),
			"container_extension": ext,
		})
	}
	return items
}

var episodeDigits = regexp.MustCompile(`\d+`)

// episodeNumber finds a usable episode number: the panel's explicit field,
// a digit run in the title, the stream id, or the list position.
func episodeNumber(ep map[string]any, pos int) string {
	for _, key := range []string{"episode_num", "episode", "num"} {
		if n, err := strconv.Atoi(asString(ep[key])); err == nil {
			return strconv.Itoa(n)
		}
	}
	title := asString(ep["title"])
	if title == "" {
		title = asString(ep["name"])
	}
	if d := episodeDigits.FindString(title); d != "" {
		n, _ := strconv.Atoi(d)
		return strconv.Itoa(n)
	}
	if n, err := strconv.Atoi(asString(ep["id"])); err == nil {
		return strconv.Itoa(n)
	}
	return strconv.Itoa(pos)
}
