// Package epg maintains the program guide cache. Each guide source (portal,
// panel, local file or URL) is tracked in an index file under a hash of its
// identity, with parsed program snapshots stored beside it so a fresh guide
// never needs re-downloading or re-parsing.
package epg

import (
	"context"
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/iptvkit/iptvkit/internal/config"
	"github.com/iptvkit/iptvkit/internal/metrics"
	"github.com/iptvkit/iptvkit/internal/multikey"
)

// indexTimeLayout is the timestamp format used inside the source index.
const indexTimeLayout = "2006-01-02 15:04:05"

// fileMtimeSlack absorbs filesystem timestamp granularity when comparing a
// local file's mtime against the indexed fetch time.
const fileMtimeSlack = 2 * time.Second

// DefaultMaxPrograms is how many guide entries a channel query returns when
// the caller does not say.
const DefaultMaxPrograms = 5

// SourceKind selects the guide transport.
type SourceKind string

const (
	SourceSTB    SourceKind = "stb"
	SourceXtream SourceKind = "xtream"
	SourceFile   SourceKind = "file"
	SourceURL    SourceKind = "url"
)

// Source identifies one guide origin. URL doubles as the file path for
// SourceFile.
type Source struct {
	Kind     SourceKind
	URL      string
	Username string
	Password string
	Headers  map[string]string // portal session headers for SourceSTB
}

// hash is the index key for this source. Xtream guides are per-account, so
// the username is part of the identity.
func (s Source) hash() string {
	key := s.URL
	if s.Kind == SourceXtream {
		key = s.URL + ":" + s.Username
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SourceInfo is one index entry. A nil entry (null in the JSON) is the
// negative marker: the source was tried and had no guide, so don't retry it
// until the index is cleared.
type SourceInfo struct {
	Date       string `json:"date"`
	LastAccess string `json:"last_access"`
}

// Cache is the guide store for all sources.
type Cache struct {
	Dir   string
	Index map[string]*SourceInfo

	cfg      *config.Config
	aliases  map[string][]string
	programs *multikey.Dict[string, []Program]
	limiter  *rate.Limiter
}

// NewCache opens the guide cache under the configured cache directory and
// loads the source index and channel alias map.
func NewCache(cfg *config.Config) (*Cache, error) {
	dir := filepath.Join(cfg.CacheDir, "epg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("epg: create cache dir: %w", err)
	}
	c := &Cache{
		Dir:      dir,
		Index:    map[string]*SourceInfo{},
		cfg:      cfg,
		programs: multikey.New[string, []Program](),
	}
	if cfg.RequestRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestRate)
	}
	if data, err := os.ReadFile(c.indexPath()); err == nil {
		if jerr := json.Unmarshal(data, &c.Index); jerr != nil {
			log.Printf("epg: index unreadable, starting empty: %v", jerr)
			c.Index = map[string]*SourceInfo{}
		}
	}

	aliases, err := config.LoadAliasMap(cfg.AliasFile)
	if err != nil {
		return nil, err
	}
	c.SetAliases(*aliases)
	return c, nil
}

// SetAliases replaces the channel alias groups used to key the guide.
func (c *Cache) SetAliases(m config.AliasMap) {
	c.aliases = map[string][]string{}
	for _, group := range m.Channels {
		for _, id := range group {
			c.aliases[id] = group
		}
	}
}

// keysFor expands a channel id into its alias tuple, defaulting to the id
// alone.
func (c *Cache) keysFor(id string) []string {
	if group, ok := c.aliases[id]; ok {
		return group
	}
	return []string{id}
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.Dir, "index.json")
}

func (c *Cache) snapshotPath(hash string) string {
	return filepath.Join(c.Dir, hash+".gob")
}

// SaveIndex persists the source index atomically.
func (c *Cache) SaveIndex() error {
	data, err := json.MarshalIndent(c.Index, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.Dir, "index.json.tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, c.indexPath())
}

// ClearIndex drops the whole guide cache: index, snapshots, loaded programs
// and negative markers alike.
func (c *Cache) ClearIndex() error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, e.Name())); err != nil {
			return err
		}
	}
	c.Index = map[string]*SourceInfo{}
	c.programs = multikey.New[string, []Program]()
	return c.SaveIndex()
}

// Activate makes a source's guide current: a fresh snapshot loads from disk,
// a stale one refetches, and a fetch failure falls back to the stale
// snapshot rather than dropping the guide entirely. Disabled channel EPG
// leaves the guide empty.
func (c *Cache) Activate(ctx context.Context, src Source) error {
	c.programs = multikey.New[string, []Program]()
	if !c.cfg.ChannelEpg {
		return nil
	}

	hash := src.hash()
	info, present := c.Index[hash]
	if present && info == nil {
		// Source is known to have no guide.
		return nil
	}
	if present {
		refreshed, err := c.Refresh(ctx, src)
		if err != nil {
			if c.loadSnapshot(hash) {
				metrics.EpgRefreshes.WithLabelValues(string(src.Kind), "stale_fallback").Inc()
				log.Printf("epg: refresh failed, serving stale guide: %v", err)
				return nil
			}
			return err
		}
		if refreshed {
			return nil
		}
		if c.loadSnapshot(hash) {
			c.Index[hash].LastAccess = time.Now().Format(indexTimeLayout)
			if err := c.SaveIndex(); err != nil {
				return err
			}
			return nil
		}
	}
	return c.fetch(ctx, src)
}

// Refresh refetches a source's guide when the index says it is out of date.
// Sources not yet indexed are left to Activate. Reports whether a fetch
// happened.
func (c *Cache) Refresh(ctx context.Context, src Source) (bool, error) {
	info := c.Index[src.hash()]
	if info == nil {
		return false, nil
	}
	switch src.Kind {
	case SourceSTB, SourceXtream:
		date, err := time.ParseInLocation(indexTimeLayout, info.Date, time.Local)
		if err != nil || time.Since(date) > c.cfg.EpgExpiration {
			return true, c.fetch(ctx, src)
		}
		return false, nil
	case SourceFile:
		fi, err := os.Stat(src.URL)
		if err != nil {
			return false, fmt.Errorf("epg: stat %s: %w", src.URL, err)
		}
		date, perr := time.ParseInLocation(indexTimeLayout, info.Date, time.Local)
		if perr != nil || fi.ModTime().Sub(date) > fileMtimeSlack {
			return true, c.fetch(ctx, src)
		}
		return false, nil
	case SourceURL:
		return c.refreshURL(ctx, src, info)
	}
	return false, fmt.Errorf("epg: unknown source kind %q", src.Kind)
}

// ProgramsForChannel returns up to max programs for a channel that are
// current or upcoming at the given instant: everything that starts at or
// after it, plus the program already running across it. Zero at means now;
// max <= 0 applies the default.
func (c *Cache) ProgramsForChannel(channelID string, at time.Time, max int) []Program {
	if at.IsZero() {
		at = time.Now()
	}
	if max <= 0 {
		max = DefaultMaxPrograms
	}
	list, ok := c.programs.Get(channelID)
	if !ok {
		return nil
	}
	var out []Program
	for _, p := range list {
		if !p.Start.Before(at) || p.Stop.After(at) {
			out = append(out, p)
			if len(out) >= max {
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Start.Before(out[b].Start) })
	return out
}

// Reindex regroups the loaded guide under the current alias map. Channels
// without an alias entry keep their existing keys.
func (c *Cache) Reindex() {
	regrouped := multikey.New[string, []Program]()
	for _, e := range c.programs.Entries() {
		keys := e.Keys
		for _, key := range e.Keys {
			if group, ok := c.aliases[key]; ok {
				keys = group
				break
			}
		}
		regrouped.Set(keys, e.Value)
	}
	c.programs = regrouped
}

// Contains reports whether the loaded guide has entries for the channel.
func (c *Cache) Contains(channelID string) bool {
	return c.programs.Contains(channelID)
}

// Len returns the number of channel groups in the loaded guide.
func (c *Cache) Len() int { return c.programs.Len() }

// store replaces the loaded guide and records the outcome in the index: a
// snapshot plus timestamps when programs arrived, the negative marker when
// the source is empty.
func (c *Cache) store(src Source, programs *multikey.Dict[string, []Program], date time.Time) error {
	hash := src.hash()
	c.programs = programs
	if programs.Len() == 0 {
		c.Index[hash] = nil
		metrics.EpgRefreshes.WithLabelValues(string(src.Kind), "empty").Inc()
		return c.SaveIndex()
	}
	if err := c.saveSnapshot(hash); err != nil {
		return err
	}
	now := time.Now()
	if date.IsZero() {
		date = now
	}
	c.Index[hash] = &SourceInfo{
		Date:       date.Format(indexTimeLayout),
		LastAccess: now.Format(indexTimeLayout),
	}
	metrics.EpgRefreshes.WithLabelValues(string(src.Kind), "fetched").Inc()
	return c.SaveIndex()
}

func (c *Cache) saveSnapshot(hash string) error {
	tmp, err := os.CreateTemp(c.Dir, hash+".gob.tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := gob.NewEncoder(tmp).Encode(c.programs.Entries()); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("epg: encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, c.snapshotPath(hash))
}

func (c *Cache) loadSnapshot(hash string) bool {
	f, err := os.Open(c.snapshotPath(hash))
	if err != nil {
		return false
	}
	defer f.Close()
	var entries []multikey.Entry[string, []Program]
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		log.Printf("epg: snapshot unreadable, refetching: %v", err)
		return false
	}
	c.programs = multikey.FromEntries(entries)
	return true
}
