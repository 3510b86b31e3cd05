// Package browser retrieves web page text through a headless browser, so
// fetched content reflects what a reader actually sees after rendering.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// Fetcher owns one headless browser and extracts visible page text.
type Fetcher struct {
	browser *rod.Browser
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewFetcher launches a headless browser and connects to it.
func NewFetcher(logger zerolog.Logger) (*Fetcher, error) {
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	logger.Debug().Msg("Headless browser ready")
	return &Fetcher{browser: b, logger: logger}, nil
}

// FetchText navigates to url in a fresh page and returns the rendered
// visible text. The page is closed before returning.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	page, err := f.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("page failed to load: %w", err)
	}

	result, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", fmt.Errorf("failed to extract text: %w", err)
	}

	return result.Value.String(), nil
}

// Close shuts down the browser.
func (f *Fetcher) Close() error {
	return f.browser.Close()
}
