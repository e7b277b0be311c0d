package m3u

import (
	"strings"
	"testing"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="one.tv" tvg-logo="http://logos/one.png" group-title="News",Channel One
http://host/stream/1.ts
#EXTINF:-1 tvg-id="two.tv" group-title="Sports" user-agent="CustomUA/1.0",Channel Two
http://host/stream/2.ts
#EXTINF:-1,Bare Channel
#EXTVLCOPT:http-user-agent=VLC/3.0.20
http://host/stream/3.ts
#EXTINF:-1 group-title="News",Dangling entry without url
`

func TestParse(t *testing.T) {
	tracks, err := Parse(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tracks) != 3 {
		t.Fatalf("tracks = %d, want 3 (entry without url dropped)", len(tracks))
	}

	one := tracks[0]
	if one.Name != "Channel One" || one.XMLTVID != "one.tv" || one.Group != "News" {
		t.Errorf("track one = %+v", one)
	}
	if one.Logo != "http://logos/one.png" {
		t.Errorf("logo = %q", one.Logo)
	}
	if one.URL != "http://host/stream/1.ts" {
		t.Errorf("url = %q", one.URL)
	}

	if tracks[1].UserAgent != "CustomUA/1.0" {
		t.Errorf("attribute user-agent = %q", tracks[1].UserAgent)
	}
	if tracks[2].UserAgent != "VLC/3.0.20" {
		t.Errorf("vlcopt user-agent = %q", tracks[2].UserAgent)
	}
	if tracks[2].Group != "" {
		t.Errorf("bare track group = %q, want empty", tracks[2].Group)
	}
}

func TestParseCRLF(t *testing.T) {
	data := "#EXTM3U\r\n#EXTINF:-1 group-title=\"A\",Win Channel\r\nhttp://host/w.ts\r\n"
	tracks, err := Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Name != "Win Channel" {
		t.Fatalf("tracks = %+v", tracks)
	}
}

func TestCategorize(t *testing.T) {
	tracks, err := Parse(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := Categorize(tracks)

	if p.Categories[0].ID != "*" || p.Categories[0].Title != "All" {
		t.Errorf("first category = %+v, want All", p.Categories[0])
	}
	titles := make([]string, 0, len(p.Categories)-1)
	for _, c := range p.Categories[1:] {
		titles = append(titles, c.Title)
	}
	want := []string{"News", "Sports", "Uncategorized"}
	for i, w := range want {
		if titles[i] != w {
			t.Fatalf("category titles = %v, want %v", titles, want)
		}
	}

	if len(p.Items) != 3 {
		t.Fatalf("items = %d", len(p.Items))
	}
	if p.Items[0]["tv_genre_id"] != groupID("News") {
		t.Errorf("genre id = %v", p.Items[0]["tv_genre_id"])
	}
	if p.Items[0]["number"] != "1" || p.Items[1]["number"] != "2" {
		t.Errorf("numbers = %v, %v", p.Items[0]["number"], p.Items[1]["number"])
	}
	if idx := p.SortedChannels[groupID("News")]; len(idx) != 1 || idx[0] != 0 {
		t.Errorf("News index = %v", idx)
	}
}

func TestGroupIDStable(t *testing.T) {
	if groupID("News") != groupID("News") {
		t.Error("group id must be stable")
	}
	if groupID("News") == groupID("Sports") {
		t.Error("distinct groups should get distinct ids")
	}
}
