package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// ErrRateLimited marks a 429 response. The response is still returned.
var ErrRateLimited = errors.New("rate limited by target")

const defaultMaxBody = 10 << 20

// Client is the transport behind every scan fetch. It keeps one client that
// follows redirects and one that does not, sharing a transport.
type Client struct {
	follow   *http.Client
	noFollow *http.Client
	timeout  time.Duration
	maxBody  int64
	logger   *logger.Logger
}

func New(config SecureClientConfig, log *logger.Logger) (*Client, error) {
	transport, err := newTransport(config)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}

	followCfg := config
	followCfg.FollowRedirects = true
	if followCfg.MaxRedirects == 0 {
		followCfg.MaxRedirects = 10
	}
	noFollowCfg := config
	noFollowCfg.FollowRedirects = false

	// Per-call timeouts are applied through the request context.
	followCfg.Timeout, noFollowCfg.Timeout = 0, 0

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		follow:   buildClient(followCfg, transport),
		noFollow: buildClient(noFollowCfg, transport),
		timeout:  timeout,
		maxBody:  defaultMaxBody,
		logger:   log.WithComponent("httpclient"),
	}, nil
}

// Fetch performs one request. The body is read up to a fixed cap and JSON
// bodies are decoded when the content type declares JSON.
func (c *Client) Fetch(ctx context.Context, req types.HTTPRequest) (*types.HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	client := c.noFollow
	if req.FollowRedirects {
		client = c.follow
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer CloseBody(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}

	out := &types.HTTPResponse{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Body:        data,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
		Duration:    time.Since(start),
	}
	if out.IsJSON() && len(data) > 0 {
		var decoded interface{}
		if json.Unmarshal(data, &decoded) == nil {
			out.JSON = decoded
		}
	}

	c.logger.LogHTTPRequest(ctx, method, req.URL, resp.StatusCode, out.Duration)

	if resp.StatusCode == http.StatusTooManyRequests {
		return out, fmt.Errorf("%w: %s", ErrRateLimited, req.URL)
	}
	return out, nil
}
