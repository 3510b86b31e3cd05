package tools

import (
	"context"
	"fmt"
	"strings"
)

// maxFetchChars caps web page text fed back into the model context.
const maxFetchChars = 16 * 1024

// TextFetcher retrieves the visible text of a web page.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// WebFetchTool wraps a TextFetcher as an agent tool.
func WebFetchTool(fetcher TextFetcher) Tool {
	schema := ObjectSchema(map[string]interface{}{
		"url": StringProp("Absolute URL of the page to fetch."),
	}, "url")

	return NewFunc(
		"web_fetch",
		"Fetch a web page and return its visible text content.",
		schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			url, _ := args["url"].(string)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return "", fmt.Errorf("url must be absolute: %q", url)
			}

			text, err := fetcher.FetchText(ctx, url)
			if err != nil {
				return "", fmt.Errorf("failed to fetch %s: %w", url, err)
			}

			if len(text) > maxFetchChars {
				return truncateAtRune(text, maxFetchChars) + "\n... [truncated]", nil
			}
			return text, nil
		},
	)
}
