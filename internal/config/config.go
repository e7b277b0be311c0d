package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EpgSource selects where guide data comes from.
type EpgSource string

const (
	EpgSourceProvider EpgSource = "provider" // current provider's built-in guide
	EpgSourceFile     EpgSource = "file"     // local XMLTV file
	EpgSourceURL      EpgSource = "url"      // remote XMLTV URL
)

// Config holds acquisition-core settings. Load from env (call
// LoadEnvFile(".env") first to use a .env file); the channel alias map and
// provider defaults come from an optional YAML file next to the cache dir.
type Config struct {
	// Paths
	CacheDir string // e.g. ~/.cache/iptvkit

	// Provider selection
	SelectedProvider string // provider name from the index; "" = first

	// EPG
	EpgSource     EpgSource
	EpgFile       string        // XMLTV path when EpgSource == file
	EpgURL        string        // XMLTV URL when EpgSource == url
	EpgExpiration time.Duration // freshness window for provider/URL guides
	ChannelEpg    bool          // annotate channel rows with guide data

	// Network
	PreferHTTPS bool
	VerifySSL   bool
	RequestRate int // provider API requests per second during bulk loads; 0 = unpaced

	// Stream probing: preferred container when both validate ("ts" or "m3u8").
	ProbePrefer string

	// Alias map file (YAML): XMLTV channel id aliases.
	AliasFile string
}

// Load reads config from environment with defaults suitable for a desktop
// cache layout.
func Load() *Config {
	c := &Config{
		CacheDir:         getEnv("IPTVKIT_CACHE", defaultCacheDir()),
		SelectedProvider: os.Getenv("IPTVKIT_PROVIDER"),
		EpgSource:        epgSourceFromEnv("IPTVKIT_EPG_SOURCE", EpgSourceProvider),
		EpgFile:          os.Getenv("IPTVKIT_EPG_FILE"),
		EpgURL:           os.Getenv("IPTVKIT_EPG_URL"),
		EpgExpiration:    getEnvDuration("IPTVKIT_EPG_EXPIRATION", 6*time.Hour),
		ChannelEpg:       getEnvBool("IPTVKIT_CHANNEL_EPG", true),
		PreferHTTPS:      getEnvBool("IPTVKIT_PREFER_HTTPS", false),
		VerifySSL:        getEnvBool("IPTVKIT_VERIFY_SSL", true),
		RequestRate:      getEnvInt("IPTVKIT_REQUEST_RATE", 10),
		ProbePrefer:      getEnvProbePrefer("IPTVKIT_PROBE_PREFER", "ts"),
		AliasFile:        os.Getenv("IPTVKIT_ALIAS_FILE"),
	}
	if c.EpgExpiration <= 0 {
		c.EpgExpiration = 6 * time.Hour
	}
	if c.RequestRate < 0 {
		c.RequestRate = 0
	}
	return c
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "iptvkit")
	}
	return "./cache"
}

// AliasMap is the channel alias table loaded from the YAML alias file:
// each entry lists identifiers that refer to the same logical channel.
// The first id of a group is the canonical one.
type AliasMap struct {
	Channels [][]string `yaml:"channels"`
}

// LoadAliasMap parses the YAML alias file. A missing file yields an empty
// map, not an error; aliasing is optional.
func LoadAliasMap(path string) (*AliasMap, error) {
	if path == "" {
		return &AliasMap{}, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return &AliasMap{}, nil
		}
		return nil, fmt.Errorf("alias map %s: %w", path, err)
	}
	var m AliasMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("alias map %s: %w", path, err)
	}
	for i, group := range m.Channels {
		if len(group) == 0 {
			return nil, fmt.Errorf("alias map %s: empty channel group at index %d", path, i)
		}
	}
	return &m, nil
}

func epgSourceFromEnv(key string, def EpgSource) EpgSource {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "provider", "stb":
		return EpgSourceProvider
	case "file":
		return EpgSourceFile
	case "url":
		return EpgSourceURL
	}
	return def
}

func getEnvProbePrefer(key, def string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "ts" || v == "m3u8" {
		return v
	}
	return def
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
