package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

type page struct {
	status      int
	contentType string
	body        string
}

// fakeFetcher serves canned pages and records every fetch.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]page
	fail    map[string]bool
	fetched []string
	delay   time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, req types.HTTPRequest) (*types.HTTPResponse, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, req.URL)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	p, ok := f.pages[req.URL]
	failing := f.fail[req.URL]
	f.mu.Unlock()

	if failing {
		return nil, errors.New("connection refused")
	}
	if !ok {
		return &types.HTTPResponse{URL: req.URL, StatusCode: 404, ContentType: "text/plain"}, nil
	}
	status := p.status
	if status == 0 {
		status = 200
	}
	ct := p.contentType
	if ct == "" {
		ct = "text/html; charset=utf-8"
	}
	return &types.HTTPResponse{URL: req.URL, StatusCode: status, ContentType: ct, Body: []byte(p.body)}, nil
}

func (f *fakeFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func newMatcher(t *testing.T, base string, patterns ...string) *scope.Matcher {
	t.Helper()
	m, err := scope.NewMatcher(scope.Target{BaseURL: base, Scope: patterns})
	require.NoError(t, err)
	return m
}

func links(paths ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, p := range paths {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, p, p)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(links("/a")))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(links("/b")))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>leaf</body></html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := httpclient.New(httpclient.SecureClientConfig{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	c := New(Config{MaxDepth: 1, MaxPages: 10, Concurrency: 2}, client, newMatcher(t, server.URL), nil)
	crawled, err := c.Crawl(context.Background(), server.URL)
	require.NoError(t, err)

	sort.Strings(crawled)
	assert.Equal(t, []string{server.URL + "/", server.URL + "/a"}, crawled)
}

func TestCrawlBoundedByMaxPages(t *testing.T) {
	base := "https://example.com"
	pages := map[string]page{}
	var all []string
	for i := 0; i < 20; i++ {
		all = append(all, fmt.Sprintf("/p%d", i))
	}
	pages[base+"/"] = page{body: links(all...)}
	for _, p := range all {
		pages[base+p] = page{body: links(all...)}
	}

	f := &fakeFetcher{pages: pages}
	c := New(Config{MaxDepth: 5, MaxPages: 7, Concurrency: 4}, f, newMatcher(t, base), nil)
	crawled, err := c.Crawl(context.Background(), base)
	require.NoError(t, err)

	assert.Len(t, crawled, 7)
	assert.Len(t, f.fetchedURLs(), 7)
}

func TestCrawlStaysInScope(t *testing.T) {
	base := "https://example.com"
	f := &fakeFetcher{pages: map[string]page{
		base + "/":        {body: links("/app/one", "/admin/panel", "https://other.org/x", "https://cdn.example.net/lib.js", "/app/two")},
		base + "/app/one": {body: links("/app/two", "https://evil.test/")},
		base + "/app/two": {body: links("/admin/secret")},
	}}
	m, err := scope.NewMatcher(scope.Target{
		BaseURL:    base,
		Scope:      []string{"https://example.com/*"},
		Exclusions: []string{"https://example.com/admin"},
	})
	require.NoError(t, err)

	c := New(Config{MaxDepth: 3, MaxPages: 50, Concurrency: 3}, f, m, nil)
	crawled, err := c.Crawl(context.Background(), base)
	require.NoError(t, err)

	for _, u := range crawled {
		assert.True(t, m.IsInScope(u), u)
	}
	for _, u := range f.fetchedURLs() {
		assert.True(t, m.IsInScope(u), u)
	}
	sort.Strings(crawled)
	assert.Equal(t, []string{base + "/", base + "/app/one", base + "/app/two"}, crawled)
}

func TestCrawlFetchErrorAbandonsOnlyThatURL(t *testing.T) {
	base := "https://example.com"
	f := &fakeFetcher{
		pages: map[string]page{
			base + "/":       {body: links("/broken", "/ok")},
			base + "/ok":     {body: links("/deeper")},
			base + "/deeper": {body: "<html></html>"},
		},
		fail: map[string]bool{base + "/broken": true},
	}

	c := New(Config{MaxDepth: 3, MaxPages: 50, Concurrency: 2}, f, newMatcher(t, base), nil)
	crawled, err := c.Crawl(context.Background(), base)
	require.NoError(t, err)

	assert.NotContains(t, crawled, base+"/broken")
	assert.Contains(t, crawled, base+"/ok")
	assert.Contains(t, crawled, base+"/deeper")
	assert.Contains(t, f.fetchedURLs(), base+"/broken")
}

func TestCrawlSeedsFromRobotsAndSitemaps(t *testing.T) {
	base := "https://example.com"
	f := &fakeFetcher{pages: map[string]page{
		base + "/":           {body: "<html><body>home</body></html>"},
		base + "/robots.txt": {contentType: "text/plain", body: "User-agent: *\nDisallow:\nSitemap: https://example.com/sitemap_index.xml\n"},
		base + "/sitemap_index.xml": {contentType: "application/xml", body: `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-pages.xml</loc></sitemap>
  <sitemap><loc>https://example.com/sitemap_index.xml</loc></sitemap>
</sitemapindex>`},
		base + "/sitemap-pages.xml": {contentType: "application/xml", body: `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/hidden</loc></url>
  <url><loc>https://outside.org/nope</loc></url>
</urlset>`},
		base + "/hidden": {body: "<html></html>"},
	}}

	c := New(Config{MaxDepth: 0, MaxPages: 10, Concurrency: 1, FollowRobots: true, ParseSitemaps: true}, f, newMatcher(t, base), nil)
	crawled, err := c.Crawl(context.Background(), base)
	require.NoError(t, err)

	assert.Contains(t, crawled, base+"/hidden")
	assert.Equal(t, base+"/", crawled[0])
	assert.Equal(t, []string{base + "/hidden"}, c.Result().SitemapURLs)

	count := 0
	for _, u := range f.fetchedURLs() {
		if u == base+"/sitemap_index.xml" {
			count++
		}
	}
	assert.Equal(t, 1, count, "sitemap index should be processed once")
}

func TestCrawlExtractsFormsEndpointsAndTechnologies(t *testing.T) {
	base := "https://shop.example.com"
	home := `<html><head>
<meta name="generator" content="WordPress 6.4.2">
<link rel="stylesheet" href="/static/site.css">
<script src="/static/app.js"></script>
<script>
  fetch("/api/v1/cart");
  axios.get("/api/v1/user");
  const q = "query { viewer { id } }";
</script>
</head><body>
<form action="/login" method="post">
  <input type="hidden" name="csrf_token" value="abc">
  <input type="text" name="username">
  <input type="password" name="password">
</form>
<form action="/search">
  <input type="text" name="q">
</form>
<form action="/account/update" method="POST">
  <input type="email" name="email">
</form>
<img src="/img/logo.png">
<a href="/api/v1/cart">cart</a>
<input type="text" name="newsletter">
</body></html>`

	f := &fakeFetcher{pages: map[string]page{
		base + "/":            {body: home},
		base + "/api/v1/cart": {contentType: "application/json", body: `{"items":[]}`},
	}}

	c := New(Config{MaxDepth: 2, MaxPages: 20, Concurrency: 2}, f, newMatcher(t, base), nil,
		WithFingerprinter(techstack.NewLocal(nil)))
	_, err := c.Crawl(context.Background(), base)
	require.NoError(t, err)

	res := c.Result().Snapshot()
	require.Len(t, res.Forms, 3)

	byAction := map[string]Form{}
	for _, form := range res.Forms {
		byAction[form.Action] = form
	}
	login := byAction[base+"/login"]
	assert.Equal(t, "POST", login.Method)
	assert.True(t, login.HasCSRF)
	assert.Equal(t, "csrf_token", login.CSRFField)
	assert.Equal(t, PurposeLogin, login.Purpose)
	assert.True(t, login.HasPassword())

	search := byAction[base+"/search"]
	assert.Equal(t, "GET", search.Method)
	assert.Equal(t, PurposeSearch, search.Purpose)
	assert.False(t, search.HasCSRF)

	update := byAction[base+"/account/update"]
	assert.False(t, update.HasCSRF)

	names := map[string]bool{}
	for _, in := range res.InputFields {
		names[in.Name] = true
	}
	for _, n := range []string{"csrf_token", "username", "password", "q", "email", "newsletter"} {
		assert.True(t, names[n], n)
	}

	assert.Contains(t, res.JSFiles, base+"/static/app.js")
	assert.Contains(t, res.StaticFiles, base+"/static/site.css")
	assert.Contains(t, res.StaticFiles, base+"/img/logo.png")

	var sawCartScript, sawCartJSON, sawGraphQL bool
	for _, ep := range res.Endpoints {
		switch {
		case ep.URL == base+"/api/v1/cart" && ep.Source == SourceInlineScript:
			sawCartScript = true
		case ep.URL == base+"/api/v1/cart" && ep.Source == SourceJSONResponse:
			sawCartJSON = true
		case ep.Kind == KindGraphQL:
			sawGraphQL = true
		}
	}
	assert.True(t, sawCartScript)
	assert.True(t, sawCartJSON)
	assert.True(t, sawGraphQL)

	var wordpress bool
	for _, tech := range res.Technologies {
		if tech.Name == "WordPress" {
			wordpress = true
		}
	}
	assert.True(t, wordpress)
}

// gate is a Signals implementation driven by the test.
type gate struct {
	mu      sync.Mutex
	paused  bool
	resume  chan struct{}
	waiting chan struct{}
}

func newGate() *gate {
	return &gate{resume: make(chan struct{}), waiting: make(chan struct{}, 64)}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

func (g *gate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

func (g *gate) WaitWhilePaused(ctx context.Context) error {
	g.mu.Lock()
	paused, ch := g.paused, g.resume
	g.mu.Unlock()
	if !paused {
		return ctx.Err()
	}
	select {
	case g.waiting <- struct{}{}:
	default:
	}
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingRecorder struct {
	mu      sync.Mutex
	queued  map[string]int
	crawled map[string]int
	onCrawl func(n int)
}

func (r *countingRecorder) MarkQueued(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued[u]++
}

func (r *countingRecorder) MarkCrawled(u string) {
	r.mu.Lock()
	r.crawled[u]++
	n := 0
	for _, c := range r.crawled {
		n += c
	}
	cb := r.onCrawl
	r.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func TestCrawlPauseResumeKeepsQueue(t *testing.T) {
	base := "https://example.com"
	var children []string
	for i := 0; i < 12; i++ {
		children = append(children, fmt.Sprintf("/c%d", i))
	}
	pages := map[string]page{base + "/": {body: links(children...)}}
	for _, ch := range children {
		pages[base+ch] = page{body: "<html></html>"}
	}
	f := &fakeFetcher{pages: pages, delay: 5 * time.Millisecond}

	g := newGate()
	rec := &countingRecorder{queued: map[string]int{}, crawled: map[string]int{}}
	var once sync.Once
	rec.onCrawl = func(n int) {
		if n == 3 {
			once.Do(g.pause)
		}
	}

	c := New(Config{MaxDepth: 1, MaxPages: 100, Concurrency: 1}, f, newMatcher(t, base), nil,
		WithSignals(g), WithRecorder(rec))

	done := make(chan []string, 1)
	go func() {
		crawled, err := c.Crawl(context.Background(), base)
		assert.NoError(t, err)
		done <- crawled
	}()

	select {
	case <-g.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("crawler never observed pause")
	}

	time.Sleep(30 * time.Millisecond)
	fetchedWhilePaused := len(f.fetchedURLs())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fetchedWhilePaused, len(f.fetchedURLs()), "no dispatch while paused")
	assert.Greater(t, c.Pending(), 0)

	g.unpause()

	var crawled []string
	select {
	case crawled = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("crawl did not finish after resume")
	}

	assert.Len(t, crawled, 13)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for u, n := range rec.crawled {
		assert.Equal(t, 1, n, u)
	}
	for u, n := range rec.queued {
		assert.Equal(t, 1, n, u)
	}
	assert.Len(t, rec.queued, 13)
}

func TestCrawlStopsOnCancel(t *testing.T) {
	base := "https://example.com"
	var children []string
	for i := 0; i < 50; i++ {
		children = append(children, fmt.Sprintf("/c%d", i))
	}
	pages := map[string]page{base + "/": {body: links(children...)}}
	for _, ch := range children {
		pages[base+ch] = page{body: "<html></html>"}
	}
	f := &fakeFetcher{pages: pages, delay: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Config{MaxDepth: 1, MaxPages: 100, Concurrency: 2}, f, newMatcher(t, base), nil)

	time.AfterFunc(60*time.Millisecond, cancel)
	crawled, err := c.Crawl(ctx, base)
	require.NoError(t, err)
	assert.Less(t, len(crawled), 51)
}

func TestCrawlRejectsOutOfScopeStart(t *testing.T) {
	c := New(Config{MaxPages: 1, Concurrency: 1}, &fakeFetcher{}, newMatcher(t, "https://example.com"), nil)
	_, err := c.Crawl(context.Background(), "https://other.org/")
	assert.Error(t, err)

	_, err = c.Crawl(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrAlreadyCrawled)
}

func TestCrawlRedirectsStayInScope(t *testing.T) {
	var foreignHits int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&foreignHits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer foreign.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(links("/go", "/moved")))
	})
	mux.HandleFunc("/go", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, foreign.URL+"/data", http.StatusFound)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"page":"landing"}`))
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, foreign.URL+"/robots.txt", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := httpclient.New(httpclient.SecureClientConfig{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	m := newMatcher(t, server.URL, server.URL+"/*")

	c := New(Config{MaxDepth: 1, MaxPages: 20, Concurrency: 2, FollowRobots: true}, client, m, nil)
	crawled, err := c.Crawl(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Zero(t, atomic.LoadInt32(&foreignHits))
	assert.Contains(t, crawled, server.URL+"/landing")
	for _, u := range crawled {
		assert.True(t, m.IsInScope(u), u)
	}

	result := c.Result().Snapshot()
	require.NotEmpty(t, result.Endpoints)
	for _, ep := range result.Endpoints {
		assert.True(t, m.IsInScope(ep.URL), ep.URL)
	}
	assert.Equal(t, server.URL+"/landing", result.Endpoints[0].URL)
}
