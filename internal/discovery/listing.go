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

const defaultItemSelector = "a[href]"

// scanListing extracts item links from an HTML listing and follows NextSelector
// pagination for at most MaxPages pages.
func scanListing(ctx context.Context, fetch FetchFunc, ep model.DiscoveryEndpoint, root fetcher.Response) ([]Candidate, error) {
	maxPages := ep.Options.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	pageURL := pageLocation(ep.URL, root)
	body := root.Body
	seenPages := map[string]bool{pageURL: true}

	var out []Candidate
	for page := 1; ; page++ {
		items, next, err := parseListingPage(pageURL, body, ep.Options)
		if err != nil {
			return out, err
		}
		out = append(out, items...)
		if next == "" || page >= maxPages || seenPages[next] {
			return out, nil
		}
		seenPages[next] = true
		resp, err := fetch(ctx, next)
		if err != nil {
			// Keep what earlier pages yielded.
			return out, nil
		}
		pageURL = pageLocation(next, resp)
		body = resp.Body
	}
}

func pageLocation(requested string, resp fetcher.Response) string {
	if resp.FinalURL != "" {
		return resp.FinalURL
	}
	return requested
}

func parseListingPage(pageURL string, body []byte, opts model.EndpointOptions) ([]Candidate, string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("parse listing: %w", err)
	}

	var pattern *regexp.Regexp
	if opts.URLPattern != "" {
		if pattern, err = regexp.Compile(opts.URLPattern); err != nil {
			return nil, "", fmt.Errorf("compile url pattern: %w", err)
		}
	}

	selector := opts.ItemSelector
	if selector == "" {
		selector = defaultItemSelector
	}
	var out []Candidate
	doc.Find(selector).Each(func(_ int, item *goquery.Selection) {
		link := item
		if goquery.NodeName(item) != "a" {
			link = item.Find("a[href]").First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		title := collapse(link.Text())
		if opts.TitleSelector != "" {
			if t := collapse(item.Find(opts.TitleSelector).First().Text()); t != "" {
				title = t
			}
		}
		c := Candidate{URL: abs, Title: title}
		if opts.DateSelector != "" {
			ds := item.Find(opts.DateSelector).First()
			raw, ok := ds.Attr("datetime")
			if !ok {
				raw = ds.Text()
			}
			c.Date = datePtr(raw)
		}
		if pattern != nil && !pattern.MatchString(abs) {
			return
		}
		out = append(out, c)
	})

	next := ""
	if opts.NextSelector != "" {
		if href, ok := doc.Find(opts.NextSelector).First().Attr("href"); ok {
			if abs, ok := resolve(base, href); ok {
				next = abs
			}
		}
	}
	return out, next, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
