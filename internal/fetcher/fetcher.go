// Package fetcher defines the page fetch contract used by the website scraper.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Request is one page to load.
type Request struct {
	URL     string
	Headers http.Header
}

// Page is a loaded document.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// Rendered is set when the body came from a headless browser.
	Rendered bool
	// RobotsFallback is set when robots.txt could not be read and the fetch
	// proceeded as if everything were allowed.
	RobotsFallback bool
}

// Fetcher loads pages.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}
