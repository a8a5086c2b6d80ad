// Package detector decides when a statically fetched page is a JavaScript
// shell whose contacts only appear after headless rendering.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/leadscout/internal/fetcher"
)

const defaultMinText = 200

// Heuristic flags pages that carry little visible text, a client-side app
// mount point, or a site builder runtime.
type Heuristic struct {
	// MinText is the visible text length below which a script-heavy page is
	// treated as unrendered.
	MinText int
}

// NewHeuristic creates a detector. A zero minText uses the default.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = defaultMinText
	}
	return &Heuristic{MinText: minText}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("window.__nuxt__"),
	[]byte("static.wixstatic.com"),
	[]byte("static1.squarespace.com"),
}

// NeedsRender reports whether page should be loaded again in a browser.
// Only successful responses are considered.
func (h *Heuristic) NeedsRender(page fetcher.Page) bool {
	if page.Rendered || page.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return true
	}
	lower := bytes.ToLower(page.Body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return false
	}
	scripts := doc.Find("script").Length()
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return scripts > 0 && len(text) < h.MinText
}
