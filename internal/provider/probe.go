package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/iptvkit/iptvkit/internal/httpclient"
	"github.com/iptvkit/iptvkit/internal/stb"
)

// CheckStatus classifies the outcome of a provider health check.
type CheckStatus string

const (
	CheckOK         CheckStatus = "ok"
	CheckAuthFailed CheckStatus = "auth_failed"
	CheckBadStatus  CheckStatus = "bad_status"
	CheckTimeout    CheckStatus = "timeout"
	CheckError      CheckStatus = "error"
)

// CheckResult is the outcome of checking one provider.
type CheckResult struct {
	Name       string
	Status     CheckStatus
	StatusCode int
	Latency    time.Duration
	Detail     string
}

// Check verifies that a provider is reachable and its credentials work,
// without loading a catalog. Portals get a full handshake, Xtream panels
// an account lookup, playlist providers a fetch of the first bytes.
func (m *Manager) Check(ctx context.Context, p Provider) CheckResult {
	start := time.Now()
	res := CheckResult{Name: p.Name}

	switch p.Type {
	case KindSTB:
		s := &stb.Session{Base: p.URL, MAC: p.MAC, PreferHTTPS: m.cfg.PreferHTTPS}
		err := s.Handshake(ctx)
		res.Latency = time.Since(start)
		switch {
		case err == nil:
			res.Status = CheckOK
		case errors.Is(err, stb.ErrProviderBlocked):
			res.Status = CheckAuthFailed
			res.Detail = err.Error()
		default:
			res.Status = classifyErr(err)
			res.Detail = err.Error()
		}

	case KindXtream:
		acct, err := m.xtreamClient(&p).Authenticate(ctx)
		res.Latency = time.Since(start)
		switch {
		case err != nil:
			res.Status = classifyErr(err)
			res.Detail = err.Error()
		case acct.UserInfo.Auth.String() == "0" ||
			(acct.UserInfo.Status != "" && acct.UserInfo.Status != "Active"):
			res.Status = CheckAuthFailed
			res.Detail = "account status " + acct.UserInfo.Status
		default:
			res.Status = CheckOK
			res.Detail = acct.ResolvedBase
		}

	case KindM3UPlaylist, KindM3UStream:
		res = m.checkURL(ctx, p, start)

	default:
		res.Status = CheckError
		res.Detail = "unknown provider type " + p.Type
	}
	return res
}

func (m *Manager) checkURL(ctx context.Context, p Provider, start time.Time) CheckResult {
	res := CheckResult{Name: p.Name}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		res.Status = CheckError
		res.Detail = err.Error()
		res.Latency = time.Since(start)
		return res
	}
	client := httpclient.WithTimeout(httpclient.DefaultTimeout)
	if !p.verifySSL() || !m.cfg.VerifySSL {
		client = httpclient.Insecure(httpclient.DefaultTimeout)
	}
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Status = classifyErr(err)
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		res.Status = CheckBadStatus
		return res
	}
	if p.Type == KindM3UStream {
		res.Status = CheckOK
		return res
	}
	preview := make([]byte, 512)
	n, _ := io.ReadFull(resp.Body, preview)
	if strings.HasPrefix(strings.TrimSpace(string(preview[:n])), "#EXTM3U") {
		res.Status = CheckOK
	} else {
		res.Status = CheckBadStatus
		res.Detail = "response is not an M3U playlist"
	}
	return res
}

// CheckAll checks every configured provider and returns the results with
// healthy providers first, fastest first.
func (m *Manager) CheckAll(ctx context.Context) []CheckResult {
	out := make([]CheckResult, 0, len(m.Providers))
	for _, p := range m.Providers {
		out = append(out, m.Check(ctx, p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		okI := out[i].Status == CheckOK
		okJ := out[j].Status == CheckOK
		if okI != okJ {
			return okI
		}
		if okI {
			return out[i].Latency < out[j].Latency
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func classifyErr(err error) CheckStatus {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CheckTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CheckTimeout
	}
	return CheckError
}
