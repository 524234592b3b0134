package types

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"CRITICAL":      SeverityCritical,
		" high ":        SeverityHigh,
		"moderate":      SeverityMedium,
		"low":           SeverityLow,
		"informational": SeverityInfo,
		"":              SeverityUnknown,
		"severe-ish":    SeverityUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseSeverity(in), in)
	}
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityInfo.Rank(), SeverityUnknown.Rank())
}

func TestFingerprintIgnoresIdentity(t *testing.T) {
	a := Finding{ID: "1", Module: "missing_csrf", Category: "csrf", Location: "https://example.com/login", Title: "Missing CSRF token"}
	b := a
	b.ID = "2"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Parameter = "email"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestCloneSharesNothing(t *testing.T) {
	f := Finding{
		References: []string{"https://owasp.org"},
		Request:    &HTTPSnapshot{URL: "https://example.com", Headers: map[string]string{"Cookie": "a"}},
		Metadata:   map[string]interface{}{"k": "v"},
	}
	c := f.Clone()
	c.References[0] = "changed"
	c.Request.Headers["Cookie"] = "b"
	c.Metadata["k"] = "w"

	assert.Equal(t, "https://owasp.org", f.References[0])
	assert.Equal(t, "a", f.Request.Headers["Cookie"])
	assert.Equal(t, "v", f.Metadata["k"])
	assert.Nil(t, c.Response)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Finding{
		{Module: "missing_csrf", Severity: SeverityMedium},
		{Module: "missing_csrf", Severity: SeverityMedium},
		{Adapter: "nuclei", Severity: SeverityHigh},
	})
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.BySeverity[SeverityMedium])
	assert.Equal(t, 1, s.ByModule["nuclei"])
	assert.Equal(t, 2, s.ByModule["missing_csrf"])
}

func TestStatusTerminality(t *testing.T) {
	assert.True(t, ScanStatusStopped.IsTerminal())
	assert.False(t, ScanStatusPaused.IsTerminal())
	assert.True(t, WorkflowStatusCancelled.IsTerminal())
	assert.False(t, WorkflowStatusRunning.IsTerminal())
}

func TestResponseSnapshot(t *testing.T) {
	r := &HTTPResponse{
		URL:         "https://example.com/",
		StatusCode:  200,
		Headers:     http.Header{"Server": []string{"nginx"}},
		Body:        []byte("0123456789"),
		ContentType: "text/html; charset=utf-8",
	}
	assert.True(t, r.IsHTML())
	assert.False(t, r.IsJSON())

	snap := r.Snapshot(4)
	assert.Equal(t, "0123", snap.Body)
	assert.Equal(t, "nginx", snap.Headers["Server"])
}
