// Package fingerprint computes structural page signatures and measures drift against an
// approved baseline.
package fingerprint

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/regwatch/internal/model"
)

// DefaultThreshold is the drift percentage above which an alert fires.
const DefaultThreshold = 15.0

// Compute parses content and counts element tags inside the selected regions. With no
// selectors, or when none match, the whole document is used.
func Compute(content []byte, selectors []string) (model.Fingerprint, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("parse document: %w", err)
	}
	scope := doc.Selection
	if len(selectors) > 0 {
		matched := doc.Find(strings.Join(selectors, ", "))
		if matched.Length() > 0 {
			scope = matched
		}
	}

	fp := model.Fingerprint{TagCounts: make(map[string]int)}
	var markup, text int
	scope.Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			walk(n, &fp)
		}
		if h, err := goquery.OuterHtml(s); err == nil {
			markup += len(h)
		}
		text += len(strings.Join(strings.Fields(s.Text()), " "))
	})
	if markup > 0 {
		fp.ContentRatio = math.Min(1, float64(text)/float64(markup))
	}
	return fp, nil
}

func walk(n *html.Node, fp *model.Fingerprint) {
	if n.Type == html.ElementNode {
		fp.TagCounts[n.Data]++
		fp.TotalElements++
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fp)
	}
}

// Drift is the outcome of comparing a fingerprint against its baseline.
type Drift struct {
	Percent     float64
	ShouldAlert bool
}

// CheckDrift scores structural change in [0,100]: 70% weighted tag-count distance
// (Σ|c−b| / Σmax(c,b)) and 30% absolute content-ratio change.
func CheckDrift(current, baseline model.Fingerprint, threshold float64) Drift {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	var diff, span float64
	for tag, b := range baseline.TagCounts {
		c := current.TagCounts[tag]
		diff += math.Abs(float64(c - b))
		span += math.Max(float64(c), float64(b))
	}
	for tag, c := range current.TagCounts {
		if _, seen := baseline.TagCounts[tag]; !seen {
			diff += float64(c)
			span += float64(c)
		}
	}
	tagDrift := 0.0
	if span > 0 {
		tagDrift = diff / span
	}
	ratioDrift := math.Min(1, math.Abs(current.ContentRatio-baseline.ContentRatio))
	pct := 100 * (0.7*tagDrift + 0.3*ratioDrift)
	pct = math.Round(pct*100) / 100
	return Drift{Percent: pct, ShouldAlert: pct > threshold}
}
