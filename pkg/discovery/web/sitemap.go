package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// robotsSitemaps returns the Sitemap: references in a robots.txt body.
func robotsSitemaps(body []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < len("sitemap:") || !strings.EqualFold(line[:len("sitemap:")], "sitemap:") {
			continue
		}
		if loc := strings.TrimSpace(line[len("sitemap:"):]); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}

// parseSitemap splits a sitemap document into page URLs and child sitemaps.
func parseSitemap(body []byte) (pages, children []string) {
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, nil
	}
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	return pages, nil
}

// seedFromSitemaps reads robots.txt and the default sitemap location and
// enqueues every in-scope page they list.
func (c *Crawler) seedFromSitemaps(ctx context.Context, start *url.URL) {
	root := &url.URL{Scheme: start.Scheme, Host: start.Host}
	sitemaps := []string{root.String() + "/sitemap.xml"}

	if c.config.FollowRobots {
		resp, err := c.fetchRaw(ctx, root.String()+"/robots.txt")
		if err == nil && resp.StatusCode == 200 {
			sitemaps = append(robotsSitemaps(resp.Body), sitemaps...)
		}
	}

	seen := make(map[string]bool)
	for _, sm := range sitemaps {
		c.expandSitemap(ctx, sm, 0, seen)
	}
}

func (c *Crawler) expandSitemap(ctx context.Context, loc string, depth int, seen map[string]bool) {
	if depth > maxSitemapDepth || ctx.Err() != nil {
		return
	}
	loc = normalizeURL(loc)
	if loc == "" || seen[loc] || !c.matcher.IsInScope(loc) {
		return
	}
	seen[loc] = true

	resp, err := c.fetchRaw(ctx, loc)
	if err != nil || resp.StatusCode != 200 {
		return
	}
	pages, children := parseSitemap(resp.Body)
	for _, child := range children {
		c.expandSitemap(ctx, child, depth+1, seen)
	}
	for _, page := range pages {
		page = normalizeURL(page)
		if page == "" || !c.matcher.IsInScope(page) {
			continue
		}
		c.result.addSitemapURL(page)
		c.enqueue(page, 0, Prioritize(page, 0)+sitemapBonus, sitemapBonus)
	}
	c.logger.Debugw("Sitemap processed", "sitemap", loc, "pages", len(pages), "children", len(children))
}

// fetchRaw fetches a robots.txt or sitemap document, following redirects
// only while they stay in scope.
func (c *Crawler) fetchRaw(ctx context.Context, rawURL string) (*types.HTTPResponse, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		resp, err := c.fetcher.Fetch(ctx, types.HTTPRequest{URL: current, Method: "GET"})
		if err != nil || !isRedirect(resp.StatusCode) {
			return resp, err
		}
		next := redirectTarget(current, resp)
		if next == "" || hop >= maxRawRedirects {
			return resp, nil
		}
		if !c.matcher.IsInScope(next) {
			return nil, fmt.Errorf("%s redirects out of scope to %s", current, next)
		}
		current = next
	}
}
