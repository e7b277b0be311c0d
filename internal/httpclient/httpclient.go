package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// A stalled portal is treated like a transport error and retried by the
// caller, so the timeouts lean toward failing fast rather than waiting out
// a dead backend.
const (
	DefaultTimeout         = 15 * time.Second
	HandshakeTimeout       = 5 * time.Second
	CatalogTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared tuned HTTP client used by the loader, the
// provider session and the EPG cache.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and the same transport
// as Default (or a copy).
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// Insecure returns a client that skips TLS certificate verification, for
// providers configured with tls-verify disabled (self-signed panels).
func Insecure(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if ok {
		t = t.Clone()
	} else {
		t = &http.Transport{}
	}
	if t.TLSClientConfig == nil {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else {
		cfg := t.TLSClientConfig.Clone()
		cfg.InsecureSkipVerify = true
		t.TLSClientConfig = cfg
	}
	return &http.Client{Timeout: timeout, Transport: t}
}
