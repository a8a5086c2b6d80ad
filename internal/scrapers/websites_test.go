package scrapers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadscout/internal/fetcher"
	collyfetcher "github.com/JakeFAU/leadscout/internal/fetcher/colly"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/sources"
)

const riadHome = `<html><head>
<title>Riad Atlas | Marrakech</title>
<meta property="og:site_name" content="Riad Atlas">
<meta name="description" content="A quiet riad in the medina.">
</head><body>
<a href="tel:+212 6 12 34 56 78">Call us</a>
<a href="https://wa.me/212612345678">WhatsApp</a>
<script>var x = "tracker@analytics.io";</script>
</body></html>`

const riadContact = `<html><body>
<a href="mailto:Hello@RiadAtlas.ma?subject=Booking">Write to us</a>
<p>Groups: bookings@riadatlas.ma</p>
<img src="logo@2x.png">
</body></html>`

func siteServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recordingPacer struct {
	mu   sync.Mutex
	urls []string
}

func (p *recordingPacer) Wait(_ context.Context, rawURL string) error {
	p.mu.Lock()
	p.urls = append(p.urls, rawURL)
	p.mu.Unlock()
	return nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	body, ok := f.bodies[req.URL]
	if !ok {
		return fetcher.Page{}, &harvest.HTTPError{StatusCode: http.StatusNotFound}
	}
	return fetcher.Page{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body), Rendered: true}, nil
}

func TestWebsitesScrapeAgainstLiveSites(t *testing.T) {
	t.Parallel()

	riad := siteServer(t, map[string]string{"/": riadHome, "/contact": riadContact})
	empty := siteServer(t, map[string]string{"/": "<html><body>Nothing to see</body></html>"})
	search := &fakeSearcher{pages: map[int][]Hit{1: {
		{Title: "Riad Atlas - Home", Link: riad.URL + "/about"},
		{Title: "Riad Atlas rooms", Link: riad.URL + "/rooms"},
		{Title: "Empty", Link: empty.URL + "/"},
		{Title: "Riad on Instagram", Link: "https://www.instagram.com/riadatlas/"},
		{Title: "Broken", Link: "mailto:someone@example.com"},
	}}}
	pacer := &recordingPacer{}
	w, err := NewWebsites(search, collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}), nil, pacer, WebsitesConfig{}, nil)
	require.NoError(t, err)

	var got collected
	_, err = w.Scrape(context.Background(), "riads marrakech", got.options(harvest.DataAll))
	require.NoError(t, err)
	require.Len(t, got.records, 1)

	rec := got.records[0]
	require.Equal(t, harvest.SourceWebsites, rec.Source)
	require.Equal(t, riad.URL, rec.Website)
	require.Equal(t, "Riad Atlas", rec.BusinessName)
	require.Equal(t, "hello@riadatlas.ma", rec.Email)
	require.Equal(t, "+212612345678", rec.Phone)
	require.Equal(t, "A quiet riad in the medina.", rec.Bio)
	require.Equal(t, "bookings@riadatlas.ma", rec.Extra["other_emails"])
	require.Equal(t, "+212612345678", rec.Extra["whatsapp"])

	require.Equal(t, []string{
		riad.URL + "/", riad.URL + "/contact",
		empty.URL + "/", empty.URL + "/contact", empty.URL + "/contact-us",
	}, pacer.urls, "each site is visited once and stops at the first email")
	require.Contains(t, search.queries[0].Terms, "-site:instagram.com")
}

func TestWebsitesFallsBackToRenderer(t *testing.T) {
	t.Parallel()

	pages := &fakeFetcher{bodies: map[string]string{"https://spa.ma/": "<html><body><div id=app></div></body></html>"}}
	renderer := &fakeFetcher{bodies: map[string]string{"https://spa.ma/": `<html><head><title>Spa Dar</title></head><body><a href="mailto:spa@spa.ma">mail</a></body></html>`}}
	search := &fakeSearcher{pages: map[int][]Hit{1: {{Title: "Spa", Link: "https://spa.ma/"}}}}
	w, err := NewWebsites(search, pages, renderer, nil, WebsitesConfig{ContactPaths: []string{}}, nil)
	require.NoError(t, err)

	var got collected
	_, err = w.Scrape(context.Background(), "spa", got.options(harvest.DataEmails))
	require.NoError(t, err)
	require.Len(t, got.records, 1)
	require.Equal(t, "spa@spa.ma", got.records[0].Email)
	require.Equal(t, "Spa Dar", got.records[0].BusinessName)
	require.Equal(t, []string{"https://spa.ma/"}, renderer.calls)
}

func TestWebsitesRendersOnlyFlaggedSites(t *testing.T) {
	t.Parallel()

	pages := &fakeFetcher{bodies: map[string]string{
		"https://spa.ma/":   "<html><body><div id=app></div></body></html>",
		"https://plain.ma/": "<html><body><p>Closed for the season</p></body></html>",
	}}
	renderer := &fakeFetcher{bodies: map[string]string{
		"https://spa.ma/":   `<html><body><a href="mailto:spa@spa.ma">mail</a></body></html>`,
		"https://plain.ma/": `<html><body><a href="mailto:plain@plain.ma">mail</a></body></html>`,
	}}
	search := &fakeSearcher{pages: map[int][]Hit{1: {
		{Title: "Spa", Link: "https://spa.ma/"},
		{Title: "Plain", Link: "https://plain.ma/"},
	}}}
	cfg := WebsitesConfig{
		ContactPaths: []string{},
		NeedsRender: func(p fetcher.Page) bool {
			return strings.Contains(string(p.Body), "id=app")
		},
	}
	w, err := NewWebsites(search, pages, renderer, nil, cfg, nil)
	require.NoError(t, err)

	var got collected
	_, err = w.Scrape(context.Background(), "spa", got.options(harvest.DataEmails))
	require.NoError(t, err)
	require.Len(t, got.records, 1)
	require.Equal(t, "spa@spa.ma", got.records[0].Email)
	require.Equal(t, []string{"https://spa.ma/"}, renderer.calls)
}

func TestWebsitesSiteCap(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{}
	var hits []Hit
	for _, host := range []string{"a.ma", "b.ma", "c.ma"} {
		bodies["https://"+host+"/"] = `<a href="mailto:info@` + host + `">x</a>`
		hits = append(hits, Hit{Link: "https://" + host + "/"})
	}
	search := &fakeSearcher{pages: map[int][]Hit{1: hits}}
	w, err := NewWebsites(search, &fakeFetcher{bodies: bodies}, nil, nil, WebsitesConfig{MaxSites: 2}, nil)
	require.NoError(t, err)

	var got collected
	_, err = w.Scrape(context.Background(), "shops", got.options(harvest.DataAll))
	require.NoError(t, err)
	require.Len(t, got.records, 2)
}

func TestExtractHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "212612345678", whatsappNumber("https://wa.me/212612345678"))
	require.Equal(t, "212612345678", whatsappNumber("https://api.whatsapp.com/send?phone=212612345678"))
	require.Empty(t, whatsappNumber("https://example.com/212612345678"))

	root, ok := siteRoot("https://WWW.Riad.ma/rooms?x=1")
	require.True(t, ok)
	require.Equal(t, "https://www.riad.ma", root)
	_, ok = siteRoot("https://m.facebook.com/riad")
	require.False(t, ok)
	_, ok = siteRoot("ftp://riad.ma")
	require.False(t, ok)

	require.Equal(t, []string{"a@b.ma", "c@d.com"}, findEmails("A@B.ma, a@b.ma; c@d.com. icon@2x.png"))
	require.Equal(t, []string{"+212 6 12 34 56 78"}, findPhones("tel +212 6 12 34 56 78 since 2019"))
	require.Equal(t, "Riad Atlas", nameFromTitle("Riad Atlas | Home - Marrakech"))
}

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := sources.NewRegistry()
	require.NoError(t, Register(reg, Config{}, Deps{Search: &fakeSearcher{}}))
	require.Equal(t, []harvest.Source{"facebook", "instagram", "linkedin", "tiktok"}, reg.Sources())

	require.NoError(t, Register(reg, Config{}, Deps{Search: &fakeSearcher{}, Pages: &fakeFetcher{}}))
	require.True(t, reg.Supports(harvest.SourceWebsites))
	s, err := reg.Resolve(harvest.SourceLinkedIn)
	require.NoError(t, err)
	require.Equal(t, harvest.SourceLinkedIn, s.Source())

	require.Error(t, Register(nil, Config{}, Deps{}))
	require.Error(t, Register(reg, Config{}, Deps{}))
}
