package xtream

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// EnsureBase normalizes a provider URL to scheme://host[:port]. Bare hosts
// default to http; any path component is dropped.
func EnsureBase(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	raw = strings.TrimSuffix(raw, "/")
	return BaseFromURL(raw)
}

// BaseFromURL reduces a URL to scheme://netloc, returning the input
// unchanged when it has no scheme.
func BaseFromURL(raw string) string {
	i := strings.Index(raw, "://")
	if i == -1 {
		return raw
	}
	rest := raw[i+3:]
	if j := strings.IndexByte(rest, '/'); j != -1 {
		rest = rest[:j]
	}
	return raw[:i] + "://" + rest
}

// PlayerAPIURL builds a player_api.php request for the given action; extra
// parameters pass through unchanged.
func PlayerAPIURL(base, username, password, action string, extra url.Values) string {
	v := url.Values{}
	v.Set("username", username)
	v.Set("password", password)
	if action != "" {
		v.Set("action", action)
	}
	for k, vals := range extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return fmt.Sprintf("%s/player_api.php?%s", EnsureBase(base), v.Encode())
}

// GetPHPURL builds the legacy get.php playlist URL.
func GetPHPURL(base, username, password string, extra url.Values) string {
	v := url.Values{}
	v.Set("username", username)
	v.Set("password", password)
	for k, vals := range extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return fmt.Sprintf("%s/get.php?%s", EnsureBase(base), v.Encode())
}

// XMLTVURL builds the full-guide XMLTV export URL.
func XMLTVURL(base, username, password string) string {
	v := url.Values{}
	v.Set("username", username)
	v.Set("password", password)
	return fmt.Sprintf("%s/xmltv.php?%s", EnsureBase(base), v.Encode())
}

// SimpleDataTableURL builds the per-stream guide URL. A limit of 0 means no
// limit parameter.
func SimpleDataTableURL(base, username, password, streamID string, limit int) string {
	v := url.Values{}
	v.Set("username", username)
	v.Set("password", password)
	v.Set("action", "get_simple_data_table")
	v.Set("stream_id", streamID)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	return fmt.Sprintf("%s/player_api.php?%s", EnsureBase(base), v.Encode())
}

// ResolveBase picks the API base from the panel's server_info, keeping the
// user's original scheme and port when they gave one. Panels frequently
// advertise HTTPS they cannot actually serve, so the input URL wins unless
// preferHTTPS forces the upgrade.
func ResolveBase(info ServerInfo, inputBase string, preferHTTPS bool) string {
	host := strings.TrimSpace(info.URL)
	if host == "" {
		return ""
	}

	var preferredScheme, preferredPort string
	if inputBase != "" {
		if u, err := url.Parse(EnsureBase(inputBase)); err == nil {
			preferredScheme = u.Scheme
			preferredPort = u.Port()
		}
	}

	scheme := preferredScheme
	if preferHTTPS {
		scheme = "https"
	} else if scheme == "" {
		scheme = strings.TrimSpace(info.ServerProtocol)
		if scheme == "" {
			scheme = "http"
		}
	}

	port := preferredPort
	if port == "" {
		if scheme == "https" {
			port = info.HTTPSPort.String()
			if port == "" {
				port = info.Port.String()
			}
		} else {
			port = info.Port.String()
		}
	}

	if (scheme == "https" && (port == "" || port == "443" || port == "0")) ||
		(scheme == "http" && (port == "" || port == "80" || port == "0")) {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

// StreamBase picks the delivery base. Many panels answer the API over HTTPS
// but only deliver media over plain HTTP on the advertised port.
func StreamBase(info ServerInfo) string {
	host := info.URL
	port := info.Port.String()
	if host != "" && port != "" && port != "0" {
		return "http://" + host + ":" + port
	}
	return ResolveBase(info, "", false)
}
