// Package httpclient builds the HTTP clients used against scan targets.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// ErrSSRFBlocked is returned when a dial would reach a private address and
// private targets are not allowed.
var ErrSSRFBlocked = errors.New("blocked private address")

type SecureClientConfig struct {
	Timeout time.Duration
	// EnableSSRF refuses connections to loopback, private and link-local
	// addresses. The configured proxy is exempt.
	EnableSSRF      bool
	FollowRedirects bool
	MaxRedirects    int

	InsecureSkipVerify bool
	ProxyURL           string
	DisableKeepAlives  bool
}

func newTransport(config SecureClientConfig) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DisableKeepAlives:     config.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var proxyAddr string
	if config.ProxyURL != "" {
		proxy, err := url.Parse(config.ProxyURL)
		if err != nil || proxy.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", config.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(proxy)
		proxyAddr = canonicalAddr(proxy)
	}

	open := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !config.EnableSSRF {
		transport.DialContext = open.DialContext
		return transport, nil
	}

	// The check runs on the resolved address being dialed, so a name
	// that re-resolves to a private address is still refused.
	guarded := &net.Dialer{
		Timeout:   open.Timeout,
		KeepAlive: open.KeepAlive,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
				return fmt.Errorf("SSRF protection: %w: %s", ErrSSRFBlocked, ip)
			}
			return nil
		},
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if proxyAddr != "" && addr == proxyAddr {
			return open.DialContext(ctx, network, addr)
		}
		return guarded.DialContext(ctx, network, addr)
	}
	return transport, nil
}

func canonicalAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func buildClient(config SecureClientConfig, transport http.RoundTripper) *http.Client {
	client := &http.Client{Timeout: config.Timeout, Transport: transport}
	switch {
	case !config.FollowRedirects:
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case config.MaxRedirects > 0:
		limit := config.MaxRedirects
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// CloseBody drains and closes a response body so the connection returns
// to the pool.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, defaultMaxBody))
	_ = resp.Body.Close()
}
