package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/fetcher"
)

func htmlResponse(body string) fetcher.Response {
	return fetcher.Response{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

const (
	renderedListing = `<html><body><script src="/app.js"></script>
<ul class="vijesti"><li class="item"><a href="/v/1">Izmjena Pravilnika o PDV-u</a></li></ul>
<a class="next" href="?page=2">Sljedeća</a></body></html>`
	listingShell = `<html><body><div id="app"><ul class="vijesti"></ul></div>
<script src="/app.js"></script></body></html>`
	staticListingWithoutItems = `<html><body><ul class="vijesti"></ul><p>Nema novih objava.</p></body></html>`
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	article := "<html><body><script>track()</script><p>" + strings.Repeat("Članak 38. ", 40) + "</p></body></html>"
	h := NewListingHeuristic(100)
	cases := []struct {
		name string
		req  fetcher.Request
		resp fetcher.Response
		want bool
	}{
		{"empty body", fetcher.Request{}, htmlResponse("  "), true},
		{"items present", fetcher.Request{WaitFor: "li.item"}, htmlResponse(renderedListing), false},
		{"items missing on scripted page", fetcher.Request{WaitFor: "li.item"}, htmlResponse(listingShell), true},
		{"items missing on static page", fetcher.Request{WaitFor: "li.item"}, htmlResponse(staticListingWithoutItems), false},
		{"empty mount point", fetcher.Request{}, htmlResponse(`<div id="__next"></div>`), true},
		{"filled mount point", fetcher.Request{}, htmlResponse(`<div id="root"><p>` + strings.Repeat("Odluka ", 30) + `</p></div>`), false},
		{"scripted shell with little text", fetcher.Request{}, htmlResponse(`<html><body><script>var a=1;</script><p>Učitavanje…</p></body></html>`), true},
		{"scripted article", fetcher.Request{}, htmlResponse(article), false},
		{"short static page", fetcher.Request{}, htmlResponse(`<html><body><p>Kontakt</p></body></html>`), false},
		{"non 200", fetcher.Request{}, fetcher.Response{StatusCode: 404, Body: []byte(`<div id="root"></div>`)}, false},
		{"pdf", fetcher.Request{}, fetcher.Response{StatusCode: 200, Headers: http.Header{"Content-Type": {"application/pdf"}}}, false},
		{"no content type", fetcher.Request{}, fetcher.Response{StatusCode: 200, Body: []byte(`<div id="app"></div>`)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.req, tc.resp))
		})
	}
}

func TestVisibleTextIgnoresScripts(t *testing.T) {
	t.Parallel()

	h := NewListingHeuristic(50)
	body := `<html><body><script>` + strings.Repeat("window.__STATE__={};", 100) + `</script><noscript>Omogućite JavaScript</noscript></body></html>`
	require.True(t, h.ShouldPromote(fetcher.Request{}, htmlResponse(body)))
}

func TestNewListingHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultMinVisibleText, NewListingHeuristic(0).MinVisibleText)
	require.Equal(t, 80, NewListingHeuristic(80).MinVisibleText)
}
