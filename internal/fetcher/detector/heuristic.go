// Package detector decides when a listing page must be re-fetched with a JavaScript renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/regwatch/internal/fetcher"
)

// DefaultMinVisibleText applies when NewListingHeuristic gets a non-positive threshold.
const DefaultMinVisibleText = 200

// mountPoints are the root nodes client-side frameworks render into.
const mountPoints = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [data-v-app]"

// ListingHeuristic promotes HTML that arrived without the content the caller
// asked for. A request naming the listing's item selector is promoted when the
// selector matches nothing and the page runs scripts that could fill it in.
// Without a selector, a page is promoted when a framework mount point is empty
// or when scripts are present but almost no text is visible.
type ListingHeuristic struct {
	MinVisibleText int
}

// NewListingHeuristic returns a heuristic using minVisibleText runes as the
// shell threshold.
func NewListingHeuristic(minVisibleText int) *ListingHeuristic {
	if minVisibleText <= 0 {
		minVisibleText = DefaultMinVisibleText
	}
	return &ListingHeuristic{MinVisibleText: minVisibleText}
}

// ShouldPromote implements fetcher.Promoter. PDFs, feeds and non-200 responses
// are never rendered.
func (h *ListingHeuristic) ShouldPromote(req fetcher.Request, resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	ct := strings.ToLower(resp.ContentType())
	if ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	scripted := doc.Find("script").Length() > 0

	if req.WaitFor != "" {
		return scripted && doc.Find(req.WaitFor).Length() == 0
	}
	if emptyMount(doc) {
		return true
	}
	return scripted && visibleRunes(doc) < h.MinVisibleText
}

func emptyMount(doc *goquery.Document) bool {
	empty := false
	doc.Find(mountPoints).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() == 0 && strings.TrimSpace(s.Text()) == "" {
			empty = true
			return false
		}
		return true
	})
	return empty
}

func visibleRunes(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return utf8.RuneCountInString(strings.Join(strings.Fields(body.Text()), " "))
}
