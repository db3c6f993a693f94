// Package headless renders client-side listing pages through headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

const (
	defaultNavTimeout = 45 * time.Second
	defaultSettle     = 500 * time.Millisecond
	defaultItemWait   = 10 * time.Second
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps open tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is the pause after load for requests without a WaitFor selector.
	SettleDelay time.Duration
	// ItemWait bounds the wait for a request's WaitFor selector. A listing that
	// never shows its items is still captured so drift detection can see it.
	ItemWait time.Duration
}

// Renderer implements fetcher.Transport with one Chrome process and a tab per fetch.
type Renderer struct {
	cfg   Config
	slots *semaphore.Weighted

	browser context.Context
	stop    context.CancelFunc
}

// New starts the Chrome allocator. The browser itself launches on first use.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("headless: max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettle
	}
	if cfg.ItemWait <= 0 {
		cfg.ItemWait = defaultItemWait
	}
	r := &Renderer{cfg: cfg}
	if cfg.MaxParallel > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	r.browser, r.stop = chromedp.NewExecAllocator(context.Background(), opts...)
	return r, nil
}

// Close shuts Chrome down.
func (r *Renderer) Close() {
	r.stop()
}

// Fetch opens req.URL in a fresh tab and returns the DOM once the page is ready.
func (r *Renderer) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return fetcher.Response{}, fmt.Errorf("wait for render slot: %w", err)
		}
		defer r.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, r.cfg.NavigationTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	p := r.planFor(req)
	var html, location string
	started := time.Now()
	if err := chromedp.Run(tab, p.actions(req, r.cfg.UserAgent, &html, &location)...); err != nil {
		return fetcher.Response{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	if p.itemsMissing {
		telemetry.ObserveFetch(telemetry.SanitizeSite(req.URL), "render_items_missing", 0)
	}
	return doc.response(req.URL, location, html, time.Since(started)), nil
}

// plan is what the tab waits for once the document has loaded.
type plan struct {
	waitFor  string
	itemWait time.Duration
	settle   time.Duration

	itemsMissing bool
}

func (r *Renderer) planFor(req fetcher.Request) *plan {
	if req.WaitFor != "" {
		return &plan{waitFor: req.WaitFor, itemWait: r.cfg.ItemWait}
	}
	settle := req.Settle
	if settle <= 0 {
		settle = r.cfg.SettleDelay
	}
	return &plan{settle: settle}
}

func (p *plan) actions(req fetcher.Request, userAgent string, html, location *string) []chromedp.Action {
	actions := []chromedp.Action{
		prepare(userAgent, req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if p.waitFor != "" {
		actions = append(actions, chromedp.ActionFunc(p.waitForItems))
	} else {
		actions = append(actions, chromedp.Sleep(p.settle))
	}
	return append(actions,
		chromedp.Location(location),
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
	)
}

// waitForItems gives up quietly when the selector never matches; the tab's own
// deadline still fails the fetch.
func (p *plan) waitForItems(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.itemWait)
	defer cancel()
	err := chromedp.WaitReady(p.waitFor, chromedp.ByQuery).Do(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		p.itemsMissing = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("wait for %q: %w", p.waitFor, err)
	}
	return nil
}

func prepare(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		steps := []chromedp.Action{network.Enable()}
		if userAgent != "" {
			steps = append(steps, emulation.SetUserAgentOverride(userAgent))
		}
		if len(headers) > 0 {
			steps = append(steps, network.SetExtraHTTPHeaders(extraHeaders(headers)))
		}
		for _, step := range steps {
			if err := step.Do(ctx); err != nil {
				return fmt.Errorf("prepare tab: %w", err)
			}
		}
		return nil
	})
}

// document records the main-frame response so the rendered page keeps the
// server's status and headers.
type document struct {
	mu     sync.Mutex
	status int
	header http.Header
	url    string
}

func (d *document) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Iframes also produce document responses; the first one is the page.
	if d.status != 0 {
		return
	}
	d.status = int(e.Response.Status)
	d.header = headerFrom(e.Response.Headers)
	d.url = e.Response.URL
}

func (d *document) response(requested, location, html string, elapsed time.Duration) fetcher.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := fetcher.Response{
		URL:          requested,
		FinalURL:     location,
		StatusCode:   d.status,
		Headers:      d.header,
		Body:         []byte(html),
		Duration:     elapsed,
		UsedHeadless: true,
	}
	if resp.FinalURL == "" {
		resp.FinalURL = d.url
	}
	if resp.FinalURL == "" {
		resp.FinalURL = requested
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	// The DOM is serialized as UTF-8 whatever the server declared.
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	return resp
}

// headerFrom converts DevTools headers, where repeated fields arrive joined by newlines.
func headerFrom(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for key, value := range h {
		for _, v := range strings.Split(fmt.Sprint(value), "\n") {
			out.Add(key, v)
		}
	}
	return out
}

func extraHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}
