package fetch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Method records which fetch strategy produced the content.
type Method string

// Fetch methods.
const (
	MethodStatic   Method = "STATIC"
	MethodRendered Method = "RENDERED"
)

// Fetcher fetches a URL's main text, preferring the cheap static fetch and
// falling back to a rendered fetch at most once when the static result
// looks like a client-side shell.
type Fetcher struct {
	opts          *Options
	renderTimeout time.Duration
	renderFn      func(ctx context.Context, url string, timeout time.Duration) (string, error)
	logger        *zap.Logger
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Options       *Options
	RenderTimeout time.Duration
	Logger        *zap.Logger
}

// NewFetcher creates a Fetcher with chromedp as the rendered-fetch backend.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	opts := cfg.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	renderTimeout := cfg.RenderTimeout
	if renderTimeout == 0 {
		renderTimeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		opts:          opts,
		renderTimeout: renderTimeout,
		renderFn:      Render,
		logger:        logger,
	}
}

// WithRenderFunc replaces the rendered-fetch backend. Used by tests to avoid
// launching a real browser.
func (f *Fetcher) WithRenderFunc(fn func(ctx context.Context, url string, timeout time.Duration) (string, error)) *Fetcher {
	f.renderFn = fn
	return f
}

// Fetch retrieves the main text of a posting page and reports which method
// produced it. The rendered fallback runs at most once; content that is
// still empty afterwards is a permanent failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, Method, error) {
	result, err := URL(ctx, url, f.opts)
	if err != nil {
		return "", MethodStatic, err
	}

	text, err := ExtractMainText(result.HTML, PostingSelectors())
	if err != nil {
		return "", MethodStatic, &Error{URL: url, Message: "failed to parse static HTML", Cause: err}
	}

	if !ShouldRender(text) {
		return text, MethodStatic, nil
	}

	f.logger.Debug("static content below threshold, falling back to rendered fetch",
		zap.String("url", url),
		zap.Int("static_length", len(strings.TrimSpace(text))),
	)

	html, err := f.renderFn(ctx, url, f.renderTimeout)
	if err != nil {
		// The browser run itself failed; worth one more round at the
		// orchestrator level.
		return "", MethodRendered, &Error{
			URL:       url,
			Message:   "rendered fetch failed",
			Retryable: true,
			Cause:     err,
		}
	}

	text, err = ExtractMainText(html, PostingSelectors())
	if err != nil {
		return "", MethodRendered, &Error{URL: url, Message: "failed to parse rendered HTML", Cause: err}
	}

	if strings.TrimSpace(text) == "" {
		// Both methods produced nothing usable; retrying won't fix
		// unparseable content.
		return "", MethodRendered, &Error{
			URL:     url,
			Message: "empty content after static and rendered fetch",
		}
	}

	return text, MethodRendered, nil
}
