package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/iptvkit/iptvkit/internal/stb"
)

// Select activates a provider by name, falling back to the configured
// selection and then the first provider in the index. The cached catalog is
// loaded if present, and STB providers perform a fresh handshake; the old
// session is discarded wholesale so a stale token can never leak into the
// new provider's requests.
func (m *Manager) Select(ctx context.Context, name string) error {
	if name == "" {
		name = m.cfg.SelectedProvider
	}
	p := m.Find(name)
	if p == nil {
		if len(m.Providers) == 0 {
			return errors.New("provider: index is empty")
		}
		if name != "" {
			log.Printf("provider: %q not in index, using first provider", name)
		}
		p = &m.Providers[0]
	}
	m.Current = p
	m.Session = nil
	m.Content = Content{}

	if data, err := os.ReadFile(m.cachePath(p.Name)); err == nil {
		if jerr := json.Unmarshal(data, &m.Content); jerr != nil {
			log.Printf("provider: catalog cache unreadable, refetching: %v", jerr)
			m.Content = Content{}
		}
	}

	if p.Type == KindSTB {
		sess := &stb.Session{
			Base:        p.URL,
			MAC:         p.MAC,
			PreferHTTPS: m.cfg.PreferHTTPS,
		}
		if err := sess.Handshake(ctx); err != nil {
			if errors.Is(err, stb.ErrProviderBlocked) {
				return fmt.Errorf("%w: %v", ErrAuth, err)
			}
			return fmt.Errorf("provider: select %q: %w", p.Name, err)
		}
		m.Session = sess
	}
	return nil
}
