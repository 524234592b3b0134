package web

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var ErrAlreadyCrawled = errors.New("crawler has already run")

// Config bounds one crawl.
type Config struct {
	MaxDepth      int
	MaxPages      int
	Concurrency   int
	FollowRobots  bool
	ParseSitemaps bool
}

// Signals lets the owner of a crawl suspend dispatch. Stopping is
// expressed by cancelling the context passed to Crawl.
type Signals interface {
	WaitWhilePaused(ctx context.Context) error
}

// Recorder receives crawl progress for the owner's state.
type Recorder interface {
	MarkQueued(url string)
	MarkCrawled(url string)
}

type Option func(*Crawler)

func WithSignals(s Signals) Option { return func(c *Crawler) { c.signals = s } }

func WithRecorder(r Recorder) Option { return func(c *Crawler) { c.recorder = r } }

func WithFingerprinter(f *techstack.Fingerprinter) Option {
	return func(c *Crawler) { c.fingerprinter = f }
}

// Crawler discovers pages in priority order with bounded concurrency. A
// Crawler performs a single crawl.
type Crawler struct {
	config        Config
	fetcher       core.Fetcher
	matcher       *scope.Matcher
	fingerprinter *techstack.Fingerprinter
	logger        *logger.Logger
	signals       Signals
	recorder      Recorder

	mu       sync.Mutex
	started  bool
	queue    urlQueue
	queued   map[string]*queueItem
	visited  map[string]struct{}
	found    map[string]struct{}
	inbound  map[string]int
	crawled  []string
	inflight int
	seq      uint64
	wake     chan struct{}

	result *Result
}

func New(cfg Config, fetcher core.Fetcher, matcher *scope.Matcher, log *logger.Logger, opts ...Option) *Crawler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if log == nil {
		log = logger.NewNop()
	}

	c := &Crawler{
		config:   cfg,
		fetcher:  fetcher,
		matcher:  matcher,
		logger:   log.WithComponent("crawler"),
		signals:  noSignals{},
		recorder: noRecorder{},
		queued:   make(map[string]*queueItem),
		visited:  make(map[string]struct{}),
		found:    make(map[string]struct{}),
		inbound:  make(map[string]int),
		wake:     make(chan struct{}, 1),
		result:   NewResult(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Crawl discovers pages reachable from startURL and returns the URLs that
// were fetched successfully. Cancelling ctx stops dispatch; in-flight
// fetches observe the same cancellation.
func (c *Crawler) Crawl(ctx context.Context, startURL string) ([]string, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyCrawled
	}
	c.started = true
	c.mu.Unlock()

	start := normalizeURL(startURL)
	if start == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}
	startParsed, err := url.Parse(start)
	if err != nil {
		return nil, fmt.Errorf("invalid start url %q: %w", startURL, err)
	}
	if !c.matcher.IsInScope(start) {
		return nil, fmt.Errorf("start url %s is out of scope", start)
	}

	began := time.Now()
	c.logger.Infow("Starting crawl",
		"start_url", start,
		"max_depth", c.config.MaxDepth,
		"max_pages", c.config.MaxPages,
		"concurrency", c.config.Concurrency)

	c.enqueue(start, 0, MaxPriority, 0)
	if c.config.FollowRobots || c.config.ParseSitemaps {
		c.seedFromSitemaps(ctx, startParsed)
	}

	c.run(ctx)

	crawled := c.Crawled()
	c.logger.Infow("Crawl completed",
		"start_url", start,
		"pages_crawled", len(crawled),
		"urls_found", c.foundCount(),
		"duration", time.Since(began).String())
	return crawled, nil
}

func (c *Crawler) run(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(c.config.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := c.signals.WaitWhilePaused(ctx); err != nil || ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		budgetLeft := len(c.crawled)+c.inflight < c.config.MaxPages
		queueEmpty := c.queue.Len() == 0
		idle := c.inflight == 0
		c.mu.Unlock()

		if !budgetLeft || queueEmpty {
			if idle {
				return
			}
			select {
			case <-c.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if err := c.signals.WaitWhilePaused(ctx); err != nil {
			sem.Release(1)
			return
		}

		item := c.dequeue()
		if item == nil {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func(item *queueItem) {
			defer wg.Done()
			defer sem.Release(1)
			c.process(ctx, item)

			c.mu.Lock()
			c.inflight--
			c.mu.Unlock()
			c.notify()
		}(item)
	}
}

// dequeue pops the highest priority URL if the page budget allows another
// dispatch.
func (c *Crawler) dequeue() *queueItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.Len() == 0 || len(c.crawled)+c.inflight >= c.config.MaxPages {
		return nil
	}
	item := c.queue.pop()
	delete(c.queued, item.url)
	c.visited[item.url] = struct{}{}
	c.inflight++
	return item
}

func (c *Crawler) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// enqueue adds a URL not seen before. A URL already queued gains the
// inbound-link bonus instead.
func (c *Crawler) enqueue(u string, depth, priority, bonus int) bool {
	c.mu.Lock()
	c.inbound[u]++
	if _, ok := c.found[u]; ok {
		if item, queued := c.queued[u]; queued && item.priority != MaxPriority {
			c.queue.reprioritize(item, Prioritize(u, c.inbound[u])+item.bonus)
		}
		c.mu.Unlock()
		return false
	}
	if _, ok := c.visited[u]; ok {
		c.mu.Unlock()
		return false
	}

	c.seq++
	item := &queueItem{url: u, depth: depth, priority: priority, bonus: bonus, seq: c.seq}
	c.queue.push(item)
	c.queued[u] = item
	c.found[u] = struct{}{}
	c.mu.Unlock()

	c.recorder.MarkQueued(u)
	c.notify()
	return true
}

func (c *Crawler) process(ctx context.Context, item *queueItem) {
	resp, err := c.fetcher.Fetch(ctx, types.HTTPRequest{URL: item.url, Method: "GET"})
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debugw("Fetch failed, abandoning url", "url", item.url, "error", err)
		}
		return
	}

	c.mu.Lock()
	c.crawled = append(c.crawled, item.url)
	c.mu.Unlock()
	c.result.addURL(item.url)
	c.recorder.MarkCrawled(item.url)

	switch {
	case isRedirect(resp.StatusCode):
		c.followRedirect(item, resp)
	case resp.IsJSON():
		c.result.addEndpoint(analyzeJSON(item.url))
	case resp.IsHTML():
		c.processHTML(item, resp)
	}
}

func (c *Crawler) processHTML(item *queueItem, resp *types.HTTPResponse) {
	page, err := url.Parse(item.url)
	if err != nil {
		return
	}
	artifacts := extractHTML(c.logger, page, resp.Body)
	if c.fingerprinter != nil {
		e := &extractor{logger: c.logger, page: page, out: artifacts}
		e.safeExtract("technologies", func() {
			artifacts.technologies = c.fingerprinter.Analyze(resp)
		})
	}

	artifacts.scripts = c.inScope(artifacts.scripts)
	artifacts.static = c.inScope(artifacts.static)
	endpoints := artifacts.endpoints[:0]
	for _, ep := range artifacts.endpoints {
		if c.matcher.IsInScope(ep.URL) {
			endpoints = append(endpoints, ep)
		}
	}
	artifacts.endpoints = endpoints
	c.result.addPage(artifacts)

	if item.depth+1 > c.config.MaxDepth {
		return
	}
	candidates := make([]string, 0, len(artifacts.links)+len(artifacts.scripts)+len(artifacts.static))
	candidates = append(candidates, artifacts.links...)
	candidates = append(candidates, artifacts.scripts...)
	candidates = append(candidates, artifacts.static...)
	for _, link := range candidates {
		if !c.matcher.IsInScope(link) {
			continue
		}
		c.mu.Lock()
		inbound := c.inbound[link] + 1
		c.mu.Unlock()
		c.enqueue(link, item.depth+1, Prioritize(link, inbound), 0)
	}
}

// followRedirect queues the Location target like a link found on the
// page. A redirect does not count as a hop, so the target keeps the depth
// of the URL that redirected to it.
func (c *Crawler) followRedirect(item *queueItem, resp *types.HTTPResponse) {
	target := redirectTarget(item.url, resp)
	if target == "" {
		return
	}
	if !c.matcher.IsInScope(target) {
		c.logger.Debugw("Ignoring out of scope redirect", "url", item.url, "location", target)
		return
	}
	c.mu.Lock()
	inbound := c.inbound[target] + 1
	c.mu.Unlock()
	c.enqueue(target, item.depth, Prioritize(target, inbound), 0)
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// redirectTarget resolves the Location header against the URL that was
// requested. It returns "" when there is nothing usable to follow.
func redirectTarget(from string, resp *types.HTTPResponse) string {
	if resp.Headers == nil {
		return ""
	}
	loc := resp.Headers.Get("Location")
	if loc == "" {
		return ""
	}
	base, err := url.Parse(from)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return normalizeURL(base.ResolveReference(ref).String())
}

func (c *Crawler) inScope(urls []string) []string {
	out := urls[:0]
	for _, u := range urls {
		if c.matcher.IsInScope(u) {
			out = append(out, u)
		}
	}
	return out
}

// Result returns the shared crawl result. Callers that need a stable view
// while the crawl runs should take a Snapshot.
func (c *Crawler) Result() *Result {
	return c.result
}

// Crawled returns the URLs fetched so far in completion order.
func (c *Crawler) Crawled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.crawled...)
}

// Pending returns the number of URLs waiting in the queue.
func (c *Crawler) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

func (c *Crawler) foundCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.found)
}

type noSignals struct{}

func (noSignals) WaitWhilePaused(ctx context.Context) error { return ctx.Err() }

type noRecorder struct{}

func (noRecorder) MarkQueued(string)  {}
func (noRecorder) MarkCrawled(string) {}
