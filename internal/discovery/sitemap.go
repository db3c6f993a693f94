package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/model"
)

type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []sitemapRef `xml:"sitemap"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
	News    struct {
		Title           string `xml:"title"`
		PublicationDate string `xml:"publication_date"`
	} `xml:"news"`
}

type sitemapRef struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

func newXMLDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return dec
}

func parseSitemap(body []byte) (sitemapDoc, error) {
	var doc sitemapDoc
	if err := newXMLDecoder(body).Decode(&doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("decode sitemap: %w", err)
	}
	return doc, nil
}

// scanSitemap walks a urlset or a sitemap index. Child sitemaps are followed up to
// MaxDepth and, when SitemapTypes is set, only if their location names one of the types.
func scanSitemap(ctx context.Context, fetch FetchFunc, ep model.DiscoveryEndpoint, root fetcher.Response) ([]Candidate, error) {
	maxDepth := ep.Options.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultSitemapDepth
	}
	visited := map[string]bool{ep.URL: true}
	return walkSitemap(ctx, fetch, ep.Options, root.Body, 0, maxDepth, visited)
}

func walkSitemap(ctx context.Context, fetch FetchFunc, opts model.EndpointOptions, body []byte, depth, maxDepth int, visited map[string]bool) ([]Candidate, error) {
	doc, err := parseSitemap(body)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, u := range doc.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		date := datePtr(u.News.PublicationDate)
		if date == nil {
			date = datePtr(u.LastMod)
		}
		if !inRange(date, opts) && date != nil {
			continue
		}
		out = append(out, Candidate{URL: loc, Title: strings.TrimSpace(u.News.Title), Date: date})
	}
	if depth >= maxDepth {
		return out, nil
	}
	for _, ref := range doc.Sitemaps {
		loc := strings.TrimSpace(ref.Loc)
		if loc == "" || visited[loc] || !matchesType(loc, opts.SitemapTypes) {
			continue
		}
		visited[loc] = true
		resp, err := fetch(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			continue
		}
		child, err := walkSitemap(ctx, fetch, opts, resp.Body, depth+1, maxDepth, visited)
		if err != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}
		out = append(out, child...)
	}
	return out, nil
}

func matchesType(loc string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	lower := strings.ToLower(loc)
	for _, t := range types {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
