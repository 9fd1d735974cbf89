package extraction

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
)

// BrowserFetcher is the rendering strategy: a headless Chrome page load
// followed by readability extraction.
type BrowserFetcher struct {
	execPath string
	maxChars int
}

func NewBrowserFetcher(cfg config.ExtractionConfig) *BrowserFetcher {
	cfg = cfg.Normalize()
	return &BrowserFetcher{execPath: cfg.ChromePath, maxChars: cfg.MaxChars}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string, identity config.IdentityProfile) (Page, error) {
	html, status, err := f.render(ctx, rawURL, identity)
	if err != nil {
		return Page{}, err
	}
	page := Page{StatusCode: int(status), ContentType: "text/html"}

	base, _ := url.Parse(rawURL)
	if base == nil {
		base = &url.URL{}
	}
	text := ""
	if article, err := readability.FromReader(strings.NewReader(html), base); err == nil {
		page.Title = strings.TrimSpace(article.Title)
		text = helpers.CollapseWhitespace(article.TextContent)
	}
	// readability drops data tables on some portals; fall back to the whole page
	if len(text) < 200 {
		if full := helpers.PlainText(html); len(full) > len(text) {
			text = full
		}
	}
	page.Content = helpers.Truncate(text, f.maxChars)
	return page, nil
}

func (f *BrowserFetcher) render(ctx context.Context, rawURL string, identity config.IdentityProfile) (string, int64, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	if identity.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(identity.UserAgent))
	}
	if f.execPath != "" {
		opts = append(opts, chromedp.ExecPath(f.execPath))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var status atomic.Int64
	chromedp.ListenTarget(bctx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	headers := network.Headers{}
	if identity.AcceptLanguage != "" {
		headers["Accept-Language"] = identity.AcceptLanguage
	}
	for k, v := range identity.Headers {
		headers[k] = v
	}

	var html string
	err := chromedp.Run(bctx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", status.Load(), fmt.Errorf("render %s: %w", rawURL, err)
	}
	return html, status.Load(), nil
}
