package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/model"
)

type crawlFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func newCrawlFilter(opts model.EndpointOptions) (crawlFilter, error) {
	var f crawlFilter
	for _, p := range opts.Include {
		re, err := regexp.Compile(p)
		if err != nil {
			return f, fmt.Errorf("compile include %q: %w", p, err)
		}
		f.include = append(f.include, re)
	}
	for _, p := range opts.Exclude {
		re, err := regexp.Compile(p)
		if err != nil {
			return f, fmt.Errorf("compile exclude %q: %w", p, err)
		}
		f.exclude = append(f.exclude, re)
	}
	return f, nil
}

func (f crawlFilter) allow(u string) bool {
	for _, re := range f.exclude {
		if re.MatchString(u) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

type crawlNode struct {
	url   string
	depth int
	title string
}

// scanCrawl walks same-host links breadth first up to MaxDepth, stopping once
// MaxURLs candidates have been collected. Exclude patterns win over include patterns.
func scanCrawl(ctx context.Context, fetch FetchFunc, ep model.DiscoveryEndpoint, root fetcher.Response) ([]Candidate, error) {
	maxDepth := ep.Options.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultCrawlDepth
	}
	maxURLs := ep.Options.MaxURLs
	if maxURLs <= 0 {
		maxURLs = DefaultMaxURLs
	}
	filter, err := newCrawlFilter(ep.Options)
	if err != nil {
		return nil, err
	}
	start, err := url.Parse(pageLocation(ep.URL, root))
	if err != nil {
		return nil, fmt.Errorf("parse crawl root: %w", err)
	}

	seen := map[string]bool{}
	if norm, err := NormalizeURL(start.String()); err == nil {
		seen[norm] = true
	}
	var out []Candidate
	bodies := map[string][]byte{start.String(): root.Body}
	frontier := []crawlNode{{url: start.String(), depth: 0}}

	for len(frontier) > 0 && len(out) < maxURLs {
		node := frontier[0]
		frontier = frontier[1:]

		body, ok := bodies[node.url]
		if !ok {
			resp, err := fetch(ctx, node.url)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				continue
			}
			body = resp.Body
		}
		delete(bodies, node.url)

		base, err := url.Parse(node.url)
		if err != nil {
			continue
		}
		links, err := extractLinks(base, body)
		if err != nil {
			continue
		}
		for _, l := range links {
			norm, err := NormalizeURL(l.url)
			if err != nil || seen[norm] {
				continue
			}
			seen[norm] = true
			lu, err := url.Parse(norm)
			if err != nil || !strings.EqualFold(lu.Hostname(), start.Hostname()) {
				continue
			}
			if !filter.allow(norm) {
				continue
			}
			out = append(out, Candidate{URL: norm, Title: l.title})
			if len(out) >= maxURLs {
				break
			}
			if node.depth+1 < maxDepth {
				frontier = append(frontier, crawlNode{url: norm, depth: node.depth + 1})
			}
		}
	}
	return out, nil
}

func extractLinks(base *url.URL, body []byte) ([]crawlNode, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	var links []crawlNode
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := resolve(base, href); ok {
			links = append(links, crawlNode{url: abs, title: collapse(s.Text())})
		}
	})
	return links, nil
}
