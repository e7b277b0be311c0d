// Package metrics exposes prometheus collectors for the acquisition core.
// Registration is implicit via promauto; a binary that wants to serve them
// mounts promhttp.Handler itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts catalog pages fetched, by content type.
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_pages_fetched_total",
		Help: "Total number of catalog pages fetched",
	}, []string{"content_type"})

	// PageRetries counts per-page retry attempts.
	PageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_page_retries_total",
		Help: "Total number of page fetch retries",
	}, []string{"content_type"})

	// PageFailures counts pages that exhausted their retry budget.
	PageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_page_failures_total",
		Help: "Total number of pages that exhausted all retry attempts",
	}, []string{"content_type"})

	// Handshakes counts STB handshake attempts by outcome (ok, blocked, error).
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_stb_handshakes_total",
		Help: "Total number of STB handshake attempts",
	}, []string{"outcome"})

	// EpgRefreshes counts guide refreshes by source kind and outcome
	// (fetched, not_modified, empty, error, stale_fallback).
	EpgRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_epg_refreshes_total",
		Help: "Total number of EPG refresh attempts",
	}, []string{"source", "outcome"})

	// StreamProbes counts Xtream stream-format probe attempts by extension
	// and outcome (ok, invalid, error).
	StreamProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_stream_probes_total",
		Help: "Total number of stream format probe attempts",
	}, []string{"ext", "outcome"})

	// CatalogItems tracks the size of the most recently built catalog.
	CatalogItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iptv_catalog_items",
		Help: "Number of items in the most recently built catalog",
	}, []string{"content_type"})
)
