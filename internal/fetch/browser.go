// Package fetch - browser.go provides headless browser rendering for pages
// that build their content client-side.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// MinContentLength is the minimum extracted text length to consider a static
// fetch sufficient. Shorter content usually means a JavaScript-rendered shell.
const MinContentLength = 500

// shellMarkers are phrases that identify a client-side-rendered shell even
// when the static fetch returned more than MinContentLength characters.
var shellMarkers = []string{
	"enable javascript",
	"javascript is required",
	"you need to enable javascript",
	"loading...",
}

// ShouldRender returns true if the statically extracted text is too short or
// carries known markers of a client-side-rendered shell.
func ShouldRender(extractedText string) bool {
	trimmed := strings.TrimSpace(extractedText)
	if len(trimmed) < MinContentLength {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range shellMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Render loads a page in a headless browser, executes its scripts, and
// returns the rendered HTML. Requires Chrome/Chromium on the system.
func Render(ctx context.Context, url string, timeout time.Duration) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var html string

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		// Give client-side frameworks a moment to render content.
		chromedp.Sleep(3*time.Second),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Dismiss common cookie banners - don't fail if not found.
			_ = chromedp.Click(`button[id*="accept"], button[class*="accept"]`, chromedp.NodeVisible).Do(ctx)
			return nil
		}),
		chromedp.Sleep(1*time.Second),
		chromedp.OuterHTML("html", &html),
	)

	if err != nil {
		return "", fmt.Errorf("browser rendering failed: %w", err)
	}

	return html, nil
}
