// Package provider manages the configured IPTV accounts and their cached
// catalogs. The provider index and one catalog cache per provider live as
// JSON files under the cache directory; cache files are keyed by a hash of
// the provider name so renames and deletions can be pruned reliably.
package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/iptvkit/iptvkit/internal/config"
	"github.com/iptvkit/iptvkit/internal/safeurl"
	"github.com/iptvkit/iptvkit/internal/stb"
)

// Provider kinds. M3USTREAM is a single raw stream URL; the other kinds
// carry a full catalog.
const (
	KindSTB         = "STB"
	KindXtream      = "XTREAM"
	KindM3UPlaylist = "M3UPLAYLIST"
	KindM3UStream   = "M3USTREAM"
)

// ErrAuth marks a credential or account failure, as opposed to a provider
// that authenticated fine but served nothing.
var ErrAuth = errors.New("provider: authentication failed")

// Provider is one configured account as stored in the index file.
type Provider struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	MAC      string `json:"mac,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	VerifySSL *bool `json:"verify_ssl,omitempty"` // nil means verify
}

func (p *Provider) verifySSL() bool {
	return p.VerifySSL == nil || *p.VerifySSL
}

// Category is one catalog category.
type Category struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Catalog is one content type's cached listing. Items use the STB field
// names regardless of provider kind; SortedChannels maps category id to item
// indexes ordered by channel number.
type Catalog struct {
	Categories     []Category       `json:"categories"`
	Items          []map[string]any `json:"contents"`
	SortedChannels map[string][]int `json:"sorted_channels"`
	ResolvedBase   string           `json:"resolved_base,omitempty"`
	StreamBase     string           `json:"stream_base,omitempty"`
	StreamExt      string           `json:"stream_ext,omitempty"`
}

// Content is a provider's cached catalogs keyed by content type.
type Content map[string]*Catalog

// Manager owns the provider index and the selected provider's state.
type Manager struct {
	Dir       string
	Providers []Provider

	Current *Provider
	Content Content
	Session *stb.Session

	cfg     *config.Config
	limiter *rate.Limiter
}

// NewManager loads the provider index from the cache directory, seeding it
// with the default public playlist when absent or unreadable.
func NewManager(cfg *config.Config) (*Manager, error) {
	dir := filepath.Join(cfg.CacheDir, "provider")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("provider: create cache dir: %w", err)
	}
	m := &Manager{Dir: dir, Content: Content{}, cfg: cfg}
	if cfg.RequestRate > 0 {
		// One limiter across catalog loads, series drill-downs and probes,
		// so a burst of operations cannot stack their budgets.
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestRate)
	}

	data, err := os.ReadFile(m.indexPath())
	if err == nil {
		if jerr := json.Unmarshal(data, &m.Providers); jerr != nil {
			log.Printf("provider: index unreadable, reseeding: %v", jerr)
		}
	}
	if len(m.Providers) == 0 {
		m.Providers = DefaultProviders()
		if err := m.SaveProviders(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// DefaultProviders is the seed index for a fresh installation.
func DefaultProviders() []Provider {
	return []Provider{{
		Type: KindM3UPlaylist,
		Name: "iptv-org.github.io",
		URL:  "https://iptv-org.github.io/iptv/index.m3u",
	}}
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.Dir, "index.json")
}

// cachePath returns the catalog cache file for a provider name.
func (m *Manager) cachePath(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(m.Dir, hex.EncodeToString(sum[:])+".json")
}

// SaveProviders writes the index atomically and prunes catalog caches that
// no longer correspond to any configured provider.
func (m *Manager) SaveProviders() error {
	if err := writeJSONAtomic(m.indexPath(), m.Providers); err != nil {
		return fmt.Errorf("provider: save index: %w", err)
	}

	expected := map[string]bool{"index.json": true}
	for _, p := range m.Providers {
		if p.Name != "" {
			expected[filepath.Base(m.cachePath(p.Name))] = true
		}
	}
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" || expected[name] {
			continue
		}
		if err := os.Remove(filepath.Join(m.Dir, name)); err != nil && !os.IsNotExist(err) {
			log.Printf("provider: prune %s: %v", name, err)
		}
	}
	return nil
}

// Add appends a provider and persists the index. Names must be unique since
// they key the catalog caches.
func (m *Manager) Add(p Provider) error {
	if !safeurl.IsHTTPOrHTTPS(p.URL) {
		return fmt.Errorf("provider: %q is not an http(s) URL", p.URL)
	}
	for _, existing := range m.Providers {
		if existing.Name == p.Name {
			return fmt.Errorf("provider: %q already exists", p.Name)
		}
	}
	m.Providers = append(m.Providers, p)
	return m.SaveProviders()
}

// Remove deletes a provider by name; its catalog cache is pruned by the
// index save.
func (m *Manager) Remove(name string) error {
	for i, p := range m.Providers {
		if p.Name == name {
			m.Providers = append(m.Providers[:i], m.Providers[i+1:]...)
			return m.SaveProviders()
		}
	}
	return fmt.Errorf("provider: %q not found", name)
}

// Find returns the provider with the given name.
func (m *Manager) Find(name string) *Provider {
	for i := range m.Providers {
		if m.Providers[i].Name == name {
			return &m.Providers[i]
		}
	}
	return nil
}

// SaveContent writes the selected provider's catalog cache atomically.
func (m *Manager) SaveContent() error {
	if m.Current == nil {
		return errors.New("provider: no provider selected")
	}
	if err := writeJSONAtomic(m.cachePath(m.Current.Name), m.Content); err != nil {
		return fmt.Errorf("provider: save content: %w", err)
	}
	return nil
}

// ClearContent drops the selected provider's catalog cache, forcing the next
// access to refetch.
func (m *Manager) ClearContent() {
	if m.Current == nil {
		return
	}
	if err := os.Remove(m.cachePath(m.Current.Name)); err != nil && !os.IsNotExist(err) {
		log.Printf("provider: clear cache: %v", err)
	}
	m.Content = Content{}
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
