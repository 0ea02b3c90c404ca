// Package httpclient builds the outbound HTTP client used against the log API.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/raidpulse/errors"
)

// Options customizes the client. Zero values pick the defaults noted per field.
type Options struct {
	UserAgent      string   // Default: "raidpulse"
	AllowedHosts   []string // Empty allows any host
	MaxRedirects   int      // Default: 5
	BlockPrivateIP *bool    // Default: true
}

// New returns an http.Client that stays on the allowed hosts, refuses private
// addresses, and stamps every request with a user agent.
func New(timeout time.Duration, opts Options) *http.Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "raidpulse"
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	blockPrivate := true
	if opts.BlockPrivateIP != nil {
		blockPrivate = *opts.BlockPrivateIP
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if blockPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if IsPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: base, agent: opts.UserAgent},
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
		}
		if err := CheckHost(req.URL, opts.AllowedHosts); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}
	return client
}

// CheckHost rejects non-http(s) URLs and hosts outside the allow list.
func CheckHost(u *url.URL, allowed []string) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, h := range allowed {
		if host == strings.ToLower(h) {
			return nil
		}
	}
	return errors.Newf("host %q not in allow list", host)
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// IsPrivateIP checks if an IP is in private, loopback, or otherwise special ranges
func IsPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}
