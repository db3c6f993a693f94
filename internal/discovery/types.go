// Package discovery turns discovery endpoints into candidate URLs and persists them
// as discovered items.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/model"
)

// Candidate is the uniform output of every strategy.
type Candidate struct {
	URL   string
	Title string
	Date  *time.Time
}

// FetchFunc retrieves one page. Strategies call it serially so paginated and
// recursive fetches stay polite.
type FetchFunc func(ctx context.Context, rawURL string) (fetcher.Response, error)

// Handler expands an endpoint into candidates. root is the already fetched endpoint page.
type Handler func(ctx context.Context, fetch FetchFunc, ep model.DiscoveryEndpoint, root fetcher.Response) ([]Candidate, error)

// Handlers maps each strategy to its implementation.
var Handlers = map[model.Strategy]Handler{
	model.StrategySitemap: scanSitemap,
	model.StrategyRSS:     scanFeed,
	model.StrategyListing: scanListing,
	model.StrategyCrawl:   scanCrawl,
}

// Default strategy bounds.
const (
	DefaultSitemapDepth = 3
	DefaultMaxPages     = 5
	DefaultCrawlDepth   = 2
	DefaultMaxURLs      = 200
)

// NormalizeURL lowercases scheme and host, strips default ports and the fragment,
// and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

// Dedupe drops repeated URLs, keeping the first occurrence and filling in a
// missing title or date from later duplicates.
func Dedupe(in []Candidate) []Candidate {
	seen := make(map[string]int, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		norm, err := NormalizeURL(c.URL)
		if err != nil {
			continue
		}
		if idx, ok := seen[norm]; ok {
			if out[idx].Title == "" {
				out[idx].Title = c.Title
			}
			if out[idx].Date == nil {
				out[idx].Date = c.Date
			}
			continue
		}
		c.URL = norm
		seen[norm] = len(out)
		out = append(out, c)
	}
	return out
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02.01.2006",
	"2.1.2006.",
	"02/01/2006",
}

// ParseDate accepts the date formats seen in sitemaps, feeds and listings.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func datePtr(raw string) *time.Time {
	if t, ok := ParseDate(raw); ok {
		return &t
	}
	return nil
}

func inRange(d *time.Time, opts model.EndpointOptions) bool {
	if d == nil {
		return opts.Since == nil && opts.Until == nil
	}
	if opts.Since != nil && d.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && d.After(*opts.Until) {
		return false
	}
	return true
}
