// Package m3u parses extended M3U playlists and shapes them into the same
// categorized catalog structure the portal providers produce.
package m3u

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	tvgIDRe      = regexp.MustCompile(`tvg-id="([^"]+)"`)
	tvgLogoRe    = regexp.MustCompile(`tvg-logo="([^"]+)"`)
	groupTitleRe = regexp.MustCompile(`group-title="([^"]+)"`)
	userAgentRe  = regexp.MustCompile(`user-agent="([^"]+)"`)
	trackNameRe  = regexp.MustCompile(`,([^,]+)$`)
)

// Track is one playlist entry.
type Track struct {
	Name      string
	Group     string
	XMLTVID   string
	Logo      string
	UserAgent string
	URL       string
}

// Category mirrors the portal category shape.
type Category struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Playlist is a categorized parse result; Items carry the same field names
// as portal catalog entries so caching treats all provider kinds uniformly.
type Playlist struct {
	Categories     []Category       `json:"categories"`
	Items          []map[string]any `json:"contents"`
	SortedChannels map[string][]int `json:"sorted_channels"`
}

// Parse reads an extended M3U playlist. Attribute values come from the
// EXTINF line; a following EXTVLCOPT http-user-agent directive overrides the
// user-agent attribute. Entries without a URL line are dropped.
func Parse(r io.Reader) ([]Track, error) {
	var tracks []Track
	var cur Track
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "#EXTINF"):
			cur = Track{
				XMLTVID:   firstMatch(tvgIDRe, line),
				Logo:      firstMatch(tvgLogoRe, line),
				Group:     firstMatch(groupTitleRe, line),
				UserAgent: firstMatch(userAgentRe, line),
				Name:      strings.TrimSpace(firstMatch(trackNameRe, line)),
			}
		case strings.HasPrefix(line, "#EXTVLCOPT:http-user-agent="):
			cur.UserAgent = strings.SplitN(line, "=", 2)[1]
		case strings.HasPrefix(line, "http"):
			cur.URL = line
			tracks = append(tracks, cur)
			cur = Track{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("m3u: scan playlist: %w", err)
	}
	return tracks, nil
}

// Categorize groups tracks by their group-title into the portal catalog
// shape, with the synthesized All category first and remaining categories
// sorted by title.
func Categorize(tracks []Track) *Playlist {
	p := &Playlist{
		Categories:     []Category{{ID: "*", Title: "All"}},
		SortedChannels: map[string][]int{},
	}
	names := map[string]string{}
	for i, tr := range tracks {
		group := tr.Group
		if group == "" {
			group = "Uncategorized"
		}
		cid := groupID(group)
		names[cid] = group

		p.Items = append(p.Items, map[string]any{
			"id":          strconv.Itoa(i + 1),
			"number":      strconv.Itoa(i + 1),
			"name":        tr.Name,
			"logo":        tr.Logo,
			"xmltv_id":    tr.XMLTVID,
			"user_agent":  tr.UserAgent,
			"tv_genre_id": cid,
			"cmd":         tr.URL,
		})
		p.SortedChannels[cid] = append(p.SortedChannels[cid], i)
	}

	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return names[ids[a]] < names[ids[b]] })
	for _, id := range ids {
		p.Categories = append(p.Categories, Category{ID: id, Title: names[id]})
	}
	return p
}

// groupID derives a stable numeric category id from a group title, so ids
// survive playlist reorders and refreshes.
func groupID(group string) string {
	h := fnv.New32a()
	h.Write([]byte(group))
	return strconv.Itoa(int(h.Sum32() % 1000000))
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
