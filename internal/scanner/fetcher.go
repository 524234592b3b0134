package scanner

import (
	"context"
	"errors"
	"sync"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/auth"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// pacedFetcher is the one path every scan request takes: pacing, identity
// rotation, scan headers and cookies, the auth session, and a single retry
// after a rate-limit signal.
type pacedFetcher struct {
	inner      core.Fetcher
	controller *ratelimit.Controller
	logger     *logger.Logger
	headers    map[string]string
	cookies    map[string]string

	mu      sync.RWMutex
	session *auth.Session
}

func newPacedFetcher(inner core.Fetcher, controller *ratelimit.Controller, cfg Config, log *logger.Logger) *pacedFetcher {
	return &pacedFetcher{
		inner:      inner,
		controller: controller,
		logger:     log,
		headers:    cfg.Headers,
		cookies:    cfg.Cookies,
	}
}

func (f *pacedFetcher) setSession(s *auth.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *pacedFetcher) Fetch(ctx context.Context, req types.HTTPRequest) (*types.HTTPResponse, error) {
	req = f.prepare(req)

	resp, err := f.attempt(ctx, req)
	if !errors.Is(err, httpclient.ErrRateLimited) {
		return resp, err
	}

	f.backoff(req.URL)
	resp, err = f.attempt(ctx, req)
	if errors.Is(err, httpclient.ErrRateLimited) {
		f.backoff(req.URL)
	}
	return resp, err
}

// backoff doubles the pacing delay after a 429. Only one retry is made
// per request; a second 429 slows later requests but is returned.
func (f *pacedFetcher) backoff(url string) {
	delay := f.controller.Backoff()
	f.logger.Warnw("Rate limited by target, backing off",
		"url", url,
		"new_base_delay", delay.String(),
		"backoffs", f.controller.Backoffs())
}

func (f *pacedFetcher) attempt(ctx context.Context, req types.HTTPRequest) (*types.HTTPResponse, error) {
	if err := f.controller.Wait(ctx); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if _, ok := headers["User-Agent"]; !ok {
		if ua := f.controller.NextUserAgent(); ua != "" {
			headers["User-Agent"] = ua
		}
	}
	req.Headers = headers
	return f.inner.Fetch(ctx, req)
}

// prepare copies req and merges scan-level headers, cookies and the
// session. Values already on the request win.
func (f *pacedFetcher) prepare(req types.HTTPRequest) types.HTTPRequest {
	headers := make(map[string]string, len(req.Headers)+len(f.headers))
	for k, v := range f.headers {
		headers[k] = v
	}
	for k, v := range req.Headers {
		headers[k] = v
	}
	cookies := make(map[string]string, len(req.Cookies)+len(f.cookies))
	for k, v := range f.cookies {
		cookies[k] = v
	}
	for k, v := range req.Cookies {
		cookies[k] = v
	}
	req.Headers = headers
	req.Cookies = cookies

	f.mu.RLock()
	session := f.session
	f.mu.RUnlock()
	session.Apply(&req)
	return req
}
