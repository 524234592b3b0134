package web

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

func TestPrioritize(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		inbound int
		want    int
	}{
		{name: "root", url: "https://example.com/", want: 200},
		{name: "root without slash", url: "https://example.com", want: 200},
		{name: "one segment", url: "https://example.com/about", want: 95},
		{name: "api path", url: "https://example.com/api/users", want: 140},
		{name: "versioned api", url: "https://example.com/v2/items", want: 140},
		{name: "graphql", url: "https://example.com/graphql", want: 145},
		{name: "json file", url: "https://example.com/data/feed.json", want: 140},
		{name: "query params", url: "https://example.com/search?q=a&page=2", want: 81},
		{name: "inbound links", url: "https://example.com/about", inbound: 4, want: 107},
		{name: "static asset", url: "https://example.com/img/logo.png", want: 60},
		{name: "document", url: "https://example.com/files/report.PDF", want: 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Prioritize(tt.url, tt.inbound))
			assert.Equal(t, tt.want, Prioritize(tt.url, tt.inbound), "deterministic")
		})
	}
}

func TestQueueOrdersByPriorityThenInsertion(t *testing.T) {
	var q urlQueue
	q.push(&queueItem{url: "low", priority: 10, seq: 1})
	q.push(&queueItem{url: "high", priority: 50, seq: 2})
	q.push(&queueItem{url: "tie-first", priority: 30, seq: 3})
	q.push(&queueItem{url: "tie-second", priority: 30, seq: 4})

	var order []string
	for q.Len() > 0 {
		order = append(order, q.pop().url)
	}
	assert.Equal(t, []string{"high", "tie-first", "tie-second", "low"}, order)
}

func TestQueueReprioritize(t *testing.T) {
	var q urlQueue
	a := &queueItem{url: "a", priority: 10, seq: 1}
	b := &queueItem{url: "b", priority: 20, seq: 2}
	q.push(a)
	q.push(b)

	q.reprioritize(a, 30)
	assert.Equal(t, "a", q.pop().url)
	assert.Equal(t, -1, a.index)
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"https://Example.COM:443/path#frag": "https://example.com/path",
		"http://example.com:80":             "http://example.com/",
		"http://example.com:8080/a?b=1":     "http://example.com:8080/a?b=1",
		"/relative":                         "",
		"::bad":                             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeURL(in), in)
	}
}

func TestClassifyForm(t *testing.T) {
	tests := []struct {
		name string
		form Form
		want string
	}{
		{
			name: "login",
			form: Form{Action: "https://x.test/session", Inputs: []InputField{{Name: "username", Type: "text"}, {Name: "password", Type: "password"}}},
			want: PurposeLogin,
		},
		{
			name: "registration",
			form: Form{Action: "https://x.test/join", Inputs: []InputField{{Name: "email", Type: "email"}, {Name: "pw", Type: "password"}, {Name: "pw2", Type: "password"}}},
			want: PurposeRegistration,
		},
		{
			name: "password reset",
			form: Form{Action: "https://x.test/forgot", Inputs: []InputField{{Name: "email", Type: "email"}}},
			want: PurposePasswordReset,
		},
		{
			name: "upload",
			form: Form{Action: "https://x.test/files", Inputs: []InputField{{Name: "doc", Type: "file"}}},
			want: PurposeUpload,
		},
		{
			name: "payment",
			form: Form{Action: "https://x.test/checkout", Inputs: []InputField{{Name: "card_number", Type: "text"}, {Name: "cvv", Type: "text"}}},
			want: PurposePayment,
		},
		{
			name: "search",
			form: Form{Action: "https://x.test/", Inputs: []InputField{{Name: "q", Type: "text"}}},
			want: PurposeSearch,
		},
		{
			name: "contact",
			form: Form{Action: "https://x.test/feedback", Inputs: []InputField{{Name: "subject", Type: "text"}, {Name: "message", Type: "textarea"}}},
			want: PurposeContact,
		},
		{
			name: "generic",
			form: Form{Action: "https://x.test/prefs", Inputs: []InputField{{Name: "theme", Type: "radio"}}},
			want: PurposeGeneric,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyForm(tt.form))
		})
	}
}

func TestExtractHTMLSurvivesMalformedMarkup(t *testing.T) {
	page, err := url.Parse("https://example.com/dir/")
	require.NoError(t, err)

	body := []byte(`<html><body><a href="child">x<a href="javascript:void(0)">y<a href="mailto:a@b">z
<form action="" method=""><input name="token" type="hidden"><input name="q"></form><iframe src="/frame"`)
	out := extractHTML(logger.NewNop(), page, body)

	assert.Contains(t, out.links, "https://example.com/dir/child")
	for _, l := range out.links {
		assert.NotContains(t, l, "javascript:")
		assert.NotContains(t, l, "mailto:")
	}
	require.Len(t, out.forms, 1)
	assert.Equal(t, "GET", out.forms[0].Method)
	assert.Equal(t, "https://example.com/dir/", out.forms[0].Action)
	assert.True(t, out.forms[0].HasCSRF)
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := NewResult()
	r.addURL("https://example.com/")
	r.addPage(&pageArtifacts{forms: []Form{{Action: "https://example.com/login", Inputs: []InputField{{Name: "user"}}}}})

	snap := r.Snapshot()
	snap.URLs[0] = "mutated"
	snap.Forms[0].Inputs[0].Name = "mutated"

	assert.Equal(t, "https://example.com/", r.URLs[0])
	assert.Equal(t, "user", r.Forms[0].Inputs[0].Name)
}

func TestRobotsSitemaps(t *testing.T) {
	body := []byte("User-agent: *\nsitemap: https://a.test/s1.xml\nSITEMAP:https://a.test/s2.xml\nDisallow: /private\n")
	assert.Equal(t, []string{"https://a.test/s1.xml", "https://a.test/s2.xml"}, robotsSitemaps(body))
}
