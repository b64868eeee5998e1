package scraper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/pauljones0/carscout/internal/models"
)

// BrowserFetcher renders pages in headless Chrome for providers that build
// their result list client-side.
type BrowserFetcher struct {
	*politeness
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
}

// NewBrowserFetcher starts a Chrome allocator. chromeBin may be empty to let
// chromedp locate the browser.
func NewBrowserFetcher(cfg FetcherConfig, chromeBin string) *BrowserFetcher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &BrowserFetcher{
		politeness:  newPoliteness(cfg),
		allocCtx:    allocCtx,
		cancelAlloc: cancel,
	}
}

func (b *BrowserFetcher) Fetch(ctx context.Context, source models.Source, rawURL string) ([]byte, error) {
	fail := func(err error) error {
		return &FetchError{Source: source, URL: rawURL, Err: err}
	}

	if err := b.checkURL(rawURL); err != nil {
		return nil, fail(err)
	}
	if err := b.wait(ctx, source); err != nil {
		return nil, fail(err)
	}

	tabCtx, cancelTab := chromedp.NewContext(b.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.cfg.Timeout)
	defer cancelTimeout()
	// The tab hangs off the long-lived allocator, so tie it to the caller too.
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	slog.Debug("Rendering provider page", "source", source, "url", rawURL)
	var page string
	err := chromedp.Run(tabCtx,
		emulation.SetUserAgentOverride(b.userAgent()).WithAcceptLanguage(acceptLanguage),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &page, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fail(fmt.Errorf("render failed: %w", err))
	}
	return []byte(page), nil
}

// Close shuts the browser down.
func (b *BrowserFetcher) Close() {
	b.cancelAlloc()
}
