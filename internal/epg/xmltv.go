package epg

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/iptvkit/iptvkit/internal/multikey"
)

// xmltvTimeLayout is the XMLTV timestamp format with its timezone offset.
// Feeds that span a DST change carry different offsets on different
// programmes; parsing into time.Time keeps comparisons correct across the
// switch.
const xmltvTimeLayout = "20060102150405 -0700"

// Program is one guide entry with instants normalized from the source
// format.
type Program struct {
	Start       time.Time
	Stop        time.Time
	Title       string
	Description string
	Category    string
	Icon        string
}

type xmltvProgramme struct {
	Channel  string `xml:"channel,attr"`
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Title    string `xml:"title"`
	Desc     string `xml:"desc"`
	Category string `xml:"category"`
	Icon     struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
}

// parseXMLTV streams programme elements out of an XMLTV document and groups
// them by channel, using keysFor to expand a channel id into its alias
// tuple. Entries with missing channel or timestamps are skipped; a stop
// before its start means the programme ends the next day and is rolled
// forward.
func parseXMLTV(r io.Reader, keysFor func(string) []string) (*multikey.Dict[string, []Program], error) {
	programs := multikey.New[string, []Program]()
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("epg: parse xmltv: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "programme" {
			continue
		}
		var raw xmltvProgramme
		if err := dec.DecodeElement(&raw, &se); err != nil {
			return nil, fmt.Errorf("epg: decode programme: %w", err)
		}
		if raw.Channel == "" || raw.Start == "" || raw.Stop == "" {
			continue
		}
		start, err := parseXMLTVTime(raw.Start)
		if err != nil {
			continue
		}
		stop, err := parseXMLTVTime(raw.Stop)
		if err != nil {
			continue
		}
		if stop.Before(start) {
			stop = stop.AddDate(0, 0, 1)
		}

		p := Program{
			Start:       start,
			Stop:        stop,
			Title:       raw.Title,
			Description: raw.Desc,
			Category:    raw.Category,
			Icon:        raw.Icon.Src,
		}
		programs.Update(keysFor(raw.Channel), func(list []Program) []Program {
			return append(list, p)
		})
	}
	return programs, nil
}

// parseXMLTVTime accepts the standard offset-carrying form and, for feeds
// that omit the offset, falls back to local time.
func parseXMLTVTime(s string) (time.Time, error) {
	if t, err := time.Parse(xmltvTimeLayout, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("20060102150405", s, time.Local)
}
