// Package stb speaks the Stalker/Ministra portal protocol. A Session
// performs the handshake and profile exchange while presenting itself as a
// MAG set-top box, then issues authenticated portal requests.
package stb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iptvkit/iptvkit/internal/httpclient"
	"github.com/iptvkit/iptvkit/internal/metrics"
)

// prehash is the static handshake token real MAG firmware sends. Portals
// verify its presence, not its freshness.
const prehash = "2614ddf9829ba9d284f389d88e8c669d81f6a5c2"

const userAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// handshakeEndpoints is the ordered list of portal entry points. Most panels
// mount /portal.php; some only answer on /server/load.php.
var handshakeEndpoints = []string{"/portal.php", "/server/load.php"}

// ErrProviderBlocked means the portal answered the profile request with an
// empty identity, which is how panels reject banned or expired accounts
// without an error status.
var ErrProviderBlocked = errors.New("stb: provider blocked")

// Session holds the authenticated state for one portal account.
type Session struct {
	Base        string // portal base URL, scheme://host[:port][/path]
	MAC         string
	PreferHTTPS bool
	Client      *http.Client

	Token    string
	Endpoint string // populated by Handshake with the endpoint that answered
}

// Handshake authenticates against the portal, trying each known endpoint in
// order until one answers the handshake request. The profile check then runs
// against that endpoint only: once the portal has issued a token, a profile
// failure means a broken or blocked account, not the wrong endpoint.
func (s *Session) Handshake(ctx context.Context) error {
	if s.Token == "" {
		s.Token = randomToken()
	}
	var endpoint string
	var lastErr error
	for _, ep := range handshakeEndpoints {
		if err := s.requestToken(ctx, ep); err != nil {
			lastErr = err
			continue
		}
		endpoint = ep
		break
	}
	if endpoint == "" {
		metrics.Handshakes.WithLabelValues("error").Inc()
		return fmt.Errorf("stb: handshake failed on all endpoints: %w", lastErr)
	}

	if err := s.checkProfile(ctx, endpoint); err != nil {
		if errors.Is(err, ErrProviderBlocked) {
			metrics.Handshakes.WithLabelValues("blocked").Inc()
		} else {
			metrics.Handshakes.WithLabelValues("error").Inc()
		}
		return err
	}
	s.Endpoint = endpoint
	metrics.Handshakes.WithLabelValues("ok").Inc()
	return nil
}

func (s *Session) requestToken(ctx context.Context, endpoint string) error {
	hsURL := fmt.Sprintf("%s%s?type=stb&action=handshake&prehash=%s&token=&JsHttpRequest=1-xml",
		s.Base, endpoint, prehash)
	var hs struct {
		JS struct {
			Token string `json:"token"`
		} `json:"js"`
	}
	if err := s.getJSON(ctx, hsURL, &hs); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if hs.JS.Token == "" {
		return errors.New("handshake: no token in response")
	}
	s.Token = hs.JS.Token
	return nil
}

// checkProfile doubles as the block check: panels that have banned the
// account still answer 200, but with an empty identity.
func (s *Session) checkProfile(ctx context.Context, endpoint string) error {
	profileURL := fmt.Sprintf("%s%s?type=stb&action=get_profile&hd=1&%s&JsHttpRequest=1-xml",
		s.Base, endpoint, profileParams(s.MAC).Encode())
	var profile struct {
		JS struct {
			ID   any    `json:"id"`
			Name string `json:"name"`
		} `json:"js"`
	}
	if err := s.getJSON(ctx, profileURL, &profile); err != nil {
		return fmt.Errorf("get_profile: %w", err)
	}
	if emptyIdentity(profile.JS.ID) && profile.JS.Name == "" {
		return ErrProviderBlocked
	}
	return nil
}

// LoadURL returns the portal content endpoint established by Handshake.
func (s *Session) LoadURL() string {
	ep := s.Endpoint
	if ep == "" {
		ep = handshakeEndpoints[0]
	}
	return s.Base + ep
}

// Headers returns the spoofed MAG request headers for the current token.
// Every portal request must carry them; panels fingerprint the user agent
// and cookie before answering.
func (s *Session) Headers() map[string]string {
	return Headers(s.Base, s.MAC, s.Token)
}

// Headers builds the MAG header set for an arbitrary portal URL.
func Headers(base, mac, token string) map[string]string {
	u, err := url.Parse(base)
	if err != nil {
		u = &url.URL{Host: base}
	}
	referer := base + "/"
	if u.Path == "" {
		referer = base + "/c/"
	}
	return map[string]string{
		"User-Agent":     userAgent,
		"Accept-Charset": "UTF-8,*;q=0.8",
		"X-User-Agent":   "Model: MAG200; Link: Ethernet",
		"Host":           u.Host,
		"Range":          "bytes=0-",
		"Accept":         "*/*",
		"Referer":        referer,
		"Cookie":         fmt.Sprintf("mac=%s; stb_lang=en; timezone=%s; PHPSESSID=null;", mac, localTimezone()),
		"Authorization":  "Bearer " + token,
	}
}

// CreateLink asks the portal to mint a playable URL for a catalog command.
// Series episodes go through the vod handler with the episode number in the
// series parameter. The portal answers with a player command line; the URL
// is its last token.
func (s *Session) CreateLink(ctx context.Context, contentType, cmd string, seriesParam string) (string, error) {
	u, err := url.Parse(s.Base)
	if err != nil {
		return "", fmt.Errorf("stb: bad base url: %w", err)
	}
	scheme := u.Scheme
	if s.PreferHTTPS && scheme == "http" {
		scheme = "https"
	}
	base := scheme + "://" + u.Host

	linkType := contentType
	if seriesParam != "" && contentType == "series" {
		linkType = "vod"
	}
	fetchURL := fmt.Sprintf("%s/server/load.php?type=%s&action=create_link&cmd=%s&JsHttpRequest=1-xml",
		base, linkType, url.QueryEscape(cmd))
	if seriesParam != "" {
		fetchURL = fmt.Sprintf("%s/server/load.php?type=%s&action=create_link&cmd=%s&series=%s&JsHttpRequest=1-xml",
			base, linkType, url.QueryEscape(cmd), url.QueryEscape(seriesParam))
	}

	var out struct {
		JS struct {
			Cmd string `json:"cmd"`
		} `json:"js"`
	}
	if err := s.getJSON(ctx, fetchURL, &out); err != nil {
		return "", fmt.Errorf("create_link: %w", err)
	}
	if out.JS.Cmd == "" {
		return "", errors.New("create_link: empty cmd in response")
	}
	fields := strings.Fields(out.JS.Cmd)
	return fields[len(fields)-1], nil
}

func (s *Session) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	for k, v := range s.Headers() {
		req.Header.Set(k, v)
	}
	client := s.Client
	if client == nil {
		client = httpclient.WithTimeout(httpclient.HandshakeTimeout)
	}
	release := httpclient.GlobalHostSem.Acquire(rawURL)
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.ProviderRetryPolicy)
	release()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// profileParams is the STB metadata block panels expect alongside
// get_profile. The hardware values match a MAG424 image; only the MAC and
// timestamp vary per session.
func profileParams(mac string) url.Values {
	v := url.Values{}
	v.Set("ver", "ImageDescription: 2.20.02-pub-424; ImageDate: Fri May 8 15:39:55 UTC 2020; PORTAL version: 5.3.0; API Version: JS API version: 343; STB API version: 146; Player Engine version: 0x588")
	v.Set("num_banks", "2")
	v.Set("sn", "062014N067770")
	v.Set("stb_type", "MAG424")
	v.Set("client_type", "STB")
	v.Set("image_version", "220")
	v.Set("video_out", "hdmi")
	v.Set("device_id", "")
	v.Set("device_id2", "")
	v.Set("signature", "")
	v.Set("auth_second_step", "1")
	v.Set("hw_version", "1.7-BD-00")
	v.Set("not_valid_token", "0")
	v.Set("metrics", fmt.Sprintf(`{"mac":"%s", "sn":"062014N067770","model":"MAG424","type":"STB","uid":"","random":""}`, mac))
	v.Set("hw_version_2", "bb8b74cdcaa19c7f6a6bdfecc8e91b7e4b5ea556")
	v.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	v.Set("api_signature", "262")
	v.Set("prehash", prehash)
	return v
}

// emptyIdentity treats 0, "" and null as absent; panels are not consistent
// about the id field's type.
func emptyIdentity(id any) bool {
	switch x := id.(type) {
	case nil:
		return true
	case string:
		return x == "" || x == "0"
	case float64:
		return x == 0
	}
	return false
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func localTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	return "UTC"
}
