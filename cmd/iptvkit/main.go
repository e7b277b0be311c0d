// Command iptvkit: manage IPTV providers and their cached catalogs.
//
//	providers  List, add or remove providers in the cache index
//	catalog    Load a provider's channel/VOD/series catalog (cached or fresh)
//	epg        Query the programme guide for a channel
//	resolve    Turn a catalog command into a playable stream URL
//	probe      Health-check configured providers and rank them
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iptvkit/iptvkit/internal/config"
	"github.com/iptvkit/iptvkit/internal/epg"
	"github.com/iptvkit/iptvkit/internal/provider"
	"github.com/iptvkit/iptvkit/internal/safeurl"
)

// guideSource maps the configured EPG source onto the selected provider.
func guideSource(cfg *config.Config, m *provider.Manager) (epg.Source, error) {
	switch cfg.EpgSource {
	case config.EpgSourceFile:
		if cfg.EpgFile == "" {
			return epg.Source{}, fmt.Errorf("EPG source is file; set IPTVKIT_EPG_FILE")
		}
		return epg.Source{Kind: epg.SourceFile, URL: cfg.EpgFile}, nil
	case config.EpgSourceURL:
		if cfg.EpgURL == "" {
			return epg.Source{}, fmt.Errorf("EPG source is url; set IPTVKIT_EPG_URL")
		}
		return epg.Source{Kind: epg.SourceURL, URL: cfg.EpgURL}, nil
	}
	if m.Current == nil {
		return epg.Source{}, fmt.Errorf("no provider selected")
	}
	switch m.Current.Type {
	case provider.KindSTB:
		if m.Session == nil {
			return epg.Source{}, fmt.Errorf("no active portal session")
		}
		return epg.Source{Kind: epg.SourceSTB, URL: m.Current.URL, Headers: m.Session.Headers()}, nil
	case provider.KindXtream:
		return epg.Source{
			Kind:     epg.SourceXtream,
			URL:      m.Current.URL,
			Username: m.Current.Username,
			Password: m.Current.Password,
		}, nil
	}
	return epg.Source{}, fmt.Errorf("provider %s has no guide; set IPTVKIT_EPG_SOURCE to file or url", m.Current.Name)
}

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[iptvkit] ")

	providersCmd := flag.NewFlagSet("providers", flag.ExitOnError)
	provAdd := providersCmd.Bool("add", false, "Add a provider (with -name, -type, -url and credentials)")
	provRemove := providersCmd.String("remove", "", "Remove the named provider and its catalog cache")
	provName := providersCmd.String("name", "", "Provider name (unique)")
	provType := providersCmd.String("type", "", "Provider type: STB | XTREAM | M3UPLAYLIST | M3USTREAM")
	provURL := providersCmd.String("url", "", "Portal, panel or playlist URL")
	provMAC := providersCmd.String("mac", "", "Portal MAC address (STB only)")
	provUser := providersCmd.String("user", "", "Account username (XTREAM only)")
	provPass := providersCmd.String("pass", "", "Account password (XTREAM only)")

	catalogCmd := flag.NewFlagSet("catalog", flag.ExitOnError)
	catProvider := catalogCmd.String("provider", "", "Provider name (default: IPTVKIT_PROVIDER or first)")
	catType := catalogCmd.String("type", "itv", "Content type: itv | vod | series")
	catRefresh := catalogCmd.Bool("refresh", false, "Refetch from the provider even when cached")
	catCategory := catalogCmd.String("category", "", "List the items of this category id instead of the summary")
	catSeries := catalogCmd.String("series", "", "List the seasons of this series id")
	catSeason := catalogCmd.String("season", "", "List this season's episodes (requires -series)")

	epgCmd := flag.NewFlagSet("epg", flag.ExitOnError)
	epgProvider := epgCmd.String("provider", "", "Provider name (default: IPTVKIT_PROVIDER or first)")
	epgChannel := epgCmd.String("channel", "", "XMLTV channel id to query")
	epgAt := epgCmd.String("at", "", "Instant to query, RFC 3339 (default: now)")
	epgMax := epgCmd.Int("max", epg.DefaultMaxPrograms, "Programmes to print per channel")

	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	resProvider := resolveCmd.String("provider", "", "Provider name (default: IPTVKIT_PROVIDER or first)")
	resType := resolveCmd.String("type", "itv", "Content type: itv | vod | series")
	resCmd := resolveCmd.String("cmd", "", "Catalog command to resolve (required)")
	resSeries := resolveCmd.String("series", "", "Episode number for series content")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeProvider := probeCmd.String("provider", "", "Only check the named provider")
	probeTimeout := probeCmd.Duration("timeout", 30*time.Second, "Overall probe deadline")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <providers|catalog|epg|resolve|probe> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  providers  List providers; -add/-remove to edit the index\n")
		fmt.Fprintf(os.Stderr, "  catalog    Load a content catalog (-type itv|vod|series; -series/-season to drill in)\n")
		fmt.Fprintf(os.Stderr, "  epg        Query the guide (-channel id, -at instant)\n")
		fmt.Fprintf(os.Stderr, "  resolve    Resolve a catalog command to a stream URL\n")
		fmt.Fprintf(os.Stderr, "  probe      Health-check providers, healthiest first\n")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := provider.NewManager(cfg)
	if err != nil {
		log.Printf("Open provider index: %v", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "providers":
		_ = providersCmd.Parse(os.Args[2:])
		switch {
		case *provRemove != "":
			if err := m.Remove(*provRemove); err != nil {
				log.Printf("Remove failed: %v", err)
				os.Exit(1)
			}
			log.Printf("Removed %s", *provRemove)
		case *provAdd:
			p := provider.Provider{
				Name:     *provName,
				Type:     strings.ToUpper(strings.TrimSpace(*provType)),
				URL:      *provURL,
				MAC:      *provMAC,
				Username: *provUser,
				Password: *provPass,
			}
			if p.Name == "" || p.Type == "" || p.URL == "" {
				log.Print("Need -name, -type and -url to add a provider")
				os.Exit(1)
			}
			if err := m.Add(p); err != nil {
				log.Printf("Add failed: %v", err)
				os.Exit(1)
			}
			log.Printf("Added %s (%s)", p.Name, p.Type)
		default:
			for _, p := range m.Providers {
				marker := " "
				if p.Name == cfg.SelectedProvider {
					marker = "*"
				}
				fmt.Printf("%s %-28s %-12s %s\n", marker, p.Name, p.Type, safeurl.Redact(p.URL))
			}
		}

	case "catalog":
		_ = catalogCmd.Parse(os.Args[2:])
		if *catSeason != "" && *catSeries == "" {
			log.Print("Need -series with -season")
			os.Exit(1)
		}
		if err := m.Select(ctx, *catProvider); err != nil {
			log.Printf("Select provider: %v", err)
			os.Exit(1)
		}
		if *catSeries != "" {
			var items []map[string]any
			if *catSeason != "" {
				items, err = m.SeasonEpisodes(ctx, *catCategory, *catSeries, *catSeason)
			} else {
				items, err = m.SeriesSeasons(ctx, *catCategory, *catSeries)
			}
			if err != nil {
				log.Printf("Load series: %v", err)
				os.Exit(1)
			}
			for _, item := range items {
				fmt.Printf("%6v  %-10v %v\n", item["number"], item["id"], item["name"])
			}
			break
		}
		var cat *provider.Catalog
		if *catRefresh {
			cat, err = m.RefreshCatalog(ctx, *catType)
		} else {
			cat, err = m.Catalog(ctx, *catType)
		}
		if err != nil {
			log.Printf("Load catalog: %v", err)
			os.Exit(1)
		}
		log.Printf("%s: %d items in %d categories (%s)",
			m.Current.Name, len(cat.Items), len(cat.Categories), *catType)
		if *catCategory != "" {
			for _, i := range cat.SortedChannels[*catCategory] {
				item := cat.Items[i]
				fmt.Printf("%6v  %v\n", item["number"], item["name"])
			}
			break
		}
		for _, c := range cat.Categories {
			fmt.Printf("%-8s %-32s %d items\n", c.ID, c.Title, len(cat.SortedChannels[c.ID]))
		}

	case "epg":
		_ = epgCmd.Parse(os.Args[2:])
		if err := m.Select(ctx, *epgProvider); err != nil {
			log.Printf("Select provider: %v", err)
			os.Exit(1)
		}
		cache, err := epg.NewCache(cfg)
		if err != nil {
			log.Printf("Open guide cache: %v", err)
			os.Exit(1)
		}
		src, err := guideSource(cfg, m)
		if err != nil {
			log.Printf("Guide source: %v", err)
			os.Exit(1)
		}
		if err := cache.Activate(ctx, src); err != nil {
			log.Printf("Load guide: %v", err)
			os.Exit(1)
		}
		if *epgChannel == "" {
			log.Printf("Guide loaded: %d channels (pass -channel to query one)", cache.Len())
			break
		}
		at := time.Now()
		if *epgAt != "" {
			at, err = time.Parse(time.RFC3339, *epgAt)
			if err != nil {
				log.Printf("Bad -at instant: %v", err)
				os.Exit(1)
			}
		}
		programs := cache.ProgramsForChannel(*epgChannel, at, *epgMax)
		if len(programs) == 0 {
			log.Printf("No guide data for channel %s", *epgChannel)
			break
		}
		for _, p := range programs {
			fmt.Printf("%s - %s  %s\n",
				p.Start.Local().Format("Mon 15:04"), p.Stop.Local().Format("15:04"), p.Title)
		}

	case "resolve":
		_ = resolveCmd.Parse(os.Args[2:])
		if *resCmd == "" {
			log.Print("Need -cmd with the catalog command to resolve")
			os.Exit(1)
		}
		if err := m.Select(ctx, *resProvider); err != nil {
			log.Printf("Select provider: %v", err)
			os.Exit(1)
		}
		link, err := m.ResolveLink(ctx, *resType, *resCmd, *resSeries)
		if err != nil {
			log.Printf("Resolve failed: %v", err)
			os.Exit(1)
		}
		fmt.Println(link)

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		probeCtx, cancel := context.WithTimeout(ctx, *probeTimeout)
		defer cancel()
		var results []provider.CheckResult
		if *probeProvider != "" {
			p := m.Find(*probeProvider)
			if p == nil {
				log.Printf("Unknown provider %q", *probeProvider)
				os.Exit(1)
			}
			results = []provider.CheckResult{m.Check(probeCtx, *p)}
		} else {
			results = m.CheckAll(probeCtx)
		}
		failed := 0
		for _, r := range results {
			detail := r.Detail
			if r.StatusCode != 0 {
				detail = fmt.Sprintf("HTTP %d  %s", r.StatusCode, detail)
			}
			fmt.Printf("%-28s %-12s %5dms  %s\n",
				r.Name, r.Status, r.Latency.Milliseconds(), strings.TrimSpace(detail))
			if r.Status != provider.CheckOK {
				failed++
			}
		}
		if failed > 0 {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}
