package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/model"
)

// feedDoc decodes both RSS 2.0 (<rss><channel><item>) and Atom (<feed><entry>).
type feedDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	PubDate string `xml:"pubDate"`
	Date    string `xml:"date"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
}

func (e atomEntry) href() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

// scanFeed reads RSS or Atom entries, keeping those that match URLPattern and fall
// inside the Since/Until window.
func scanFeed(_ context.Context, _ FetchFunc, ep model.DiscoveryEndpoint, root fetcher.Response) ([]Candidate, error) {
	var doc feedDoc
	if err := newXMLDecoder(root.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	var pattern *regexp.Regexp
	if ep.Options.URLPattern != "" {
		re, err := regexp.Compile(ep.Options.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("compile url pattern: %w", err)
		}
		pattern = re
	}

	raw := make([]Candidate, 0, len(doc.Channel.Items)+len(doc.Entries))
	for _, it := range doc.Channel.Items {
		link := strings.TrimSpace(it.Link)
		if link == "" && strings.HasPrefix(strings.TrimSpace(it.GUID), "http") {
			link = strings.TrimSpace(it.GUID)
		}
		date := datePtr(it.PubDate)
		if date == nil {
			date = datePtr(it.Date)
		}
		raw = append(raw, Candidate{URL: link, Title: strings.TrimSpace(it.Title), Date: date})
	}
	for _, e := range doc.Entries {
		date := datePtr(e.Published)
		if date == nil {
			date = datePtr(e.Updated)
		}
		raw = append(raw, Candidate{URL: strings.TrimSpace(e.href()), Title: strings.TrimSpace(e.Title), Date: date})
	}

	out := raw[:0]
	for _, c := range raw {
		if c.URL == "" {
			continue
		}
		if pattern != nil && !pattern.MatchString(c.URL) {
			continue
		}
		if !inRange(c.Date, ep.Options) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
