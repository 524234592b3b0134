package types

import (
	"net/http"
	"strings"
	"time"
)

// HTTPRequest describes one outbound fetch.
type HTTPRequest struct {
	URL             string
	Method          string
	Headers         map[string]string
	Cookies         map[string]string
	Body            []byte
	FollowRedirects bool
	Timeout         time.Duration
}

// HTTPResponse is the decoded result of a fetch. JSON is set when the
// response declared a JSON content type and decoded cleanly.
type HTTPResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	JSON        interface{}
	ContentType string
	Duration    time.Duration
}

func (r *HTTPResponse) IsHTML() bool {
	return strings.Contains(r.ContentType, "text/html") || strings.Contains(r.ContentType, "application/xhtml")
}

func (r *HTTPResponse) IsJSON() bool {
	return strings.Contains(r.ContentType, "json")
}

// Snapshot captures the response for attaching to a finding.
func (r *HTTPResponse) Snapshot(maxBody int) *HTTPSnapshot {
	snap := &HTTPSnapshot{
		URL:        r.URL,
		StatusCode: r.StatusCode,
		Headers:    make(map[string]string, len(r.Headers)),
	}
	for k := range r.Headers {
		snap.Headers[k] = r.Headers.Get(k)
	}
	body := r.Body
	if maxBody > 0 && len(body) > maxBody {
		body = body[:maxBody]
	}
	snap.Body = string(body)
	return snap
}

type HTTPSnapshot struct {
	Method     string            `json:"method,omitempty"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

func (s *HTTPSnapshot) clone() *HTTPSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}
