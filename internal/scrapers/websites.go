package scrapers

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/dedupe"
	"github.com/JakeFAU/leadscout/internal/fetcher"
	"github.com/JakeFAU/leadscout/internal/harvest"
)

// socialDomains are excluded from website discovery; they have their own scrapers.
var socialDomains = []string{"instagram.com", "facebook.com", "linkedin.com", "tiktok.com", "youtube.com", "x.com", "twitter.com"}

// Pacer delays requests per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// WebsitesConfig tunes business website discovery.
type WebsitesConfig struct {
	PageSize int
	MaxPages int
	// MaxSites caps how many distinct sites are visited per run.
	MaxSites int
	// ContactPaths are tried after the home page until an email is found.
	ContactPaths []string
	Phones       dedupe.PhoneRules
	// NeedsRender, when set, limits the renderer to sites whose static home
	// page it flags. A nil func renders every site without static contacts.
	NeedsRender func(fetcher.Page) bool
}

func (c WebsitesConfig) withDefaults() WebsitesConfig {
	if c.PageSize <= 0 || c.PageSize > maxSearchPageSize {
		c.PageSize = maxSearchPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 3
	}
	if c.MaxSites <= 0 {
		c.MaxSites = 30
	}
	if c.ContactPaths == nil {
		c.ContactPaths = []string{"/contact", "/contact-us"}
	}
	if c.Phones.CountryCode == "" {
		c.Phones = dedupe.Morocco
	}
	return c
}

// Websites finds business sites by search and reads contacts off their pages.
type Websites struct {
	search   Searcher
	pages    fetcher.Fetcher
	renderer fetcher.Fetcher
	pacer    Pacer
	cfg      WebsitesConfig
	logger   *zap.Logger
}

var _ harvest.Scraper = (*Websites)(nil)

// NewWebsites builds the scraper. renderer and pacer are optional.
func NewWebsites(search Searcher, pages, renderer fetcher.Fetcher, pacer Pacer, cfg WebsitesConfig, logger *zap.Logger) (*Websites, error) {
	if search == nil || pages == nil {
		return nil, errors.New("websites scraper requires a searcher and a fetcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Websites{
		search:   search,
		pages:    pages,
		renderer: renderer,
		pacer:    pacer,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("source", string(harvest.SourceWebsites))),
	}, nil
}

// Source implements harvest.Scraper.
func (w *Websites) Source() harvest.Source { return harvest.SourceWebsites }

// ValidateNiche implements harvest.Scraper.
func (w *Websites) ValidateNiche(niche string) bool { return validNiche(niche) }

// Scrape visits each discovered site once and emits a record per site with contacts.
func (w *Websites) Scrape(ctx context.Context, niche string, opts harvest.ScrapeOptions) ([]harvest.Record, error) {
	var terms strings.Builder
	terms.WriteString(strings.TrimSpace(niche))
	terms.WriteString(" contact")
	for _, d := range socialDomains {
		terms.WriteString(" -site:" + d)
	}

	visited := map[string]struct{}{}
	err := paginate(ctx, w.cfg.PageSize, w.cfg.MaxPages, terms.String(), w.search, opts, w.logger, func(hit Hit) error {
		root, ok := siteRoot(hit.Link)
		if !ok {
			return nil
		}
		if _, dup := visited[root]; dup {
			return nil
		}
		if len(visited) >= w.cfg.MaxSites {
			return errSiteCap
		}
		visited[root] = struct{}{}
		if err := opts.Checkpoint(); err != nil {
			return err
		}

		rec, ok := w.visit(ctx, root, hit)
		if !ok || !wants(opts.DataType, rec) {
			return nil
		}
		return opts.Emit(rec)
	})
	if errors.Is(err, errSiteCap) {
		err = nil
	}
	return nil, stopped(err)
}

var errSiteCap = errors.New("site cap reached")

// visit reads the home page and contact pages of root. ok is false when the
// site yields neither an email nor a phone.
func (w *Websites) visit(ctx context.Context, root string, hit Hit) (harvest.Record, bool) {
	found := &contacts{}
	var home *fetcher.Page
	paths := append([]string{"/"}, w.cfg.ContactPaths...)
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		page, err := w.fetch(ctx, w.pages, root+p)
		if err != nil {
			w.logger.Debug("page fetch failed", zap.String("url", root+p), zap.Error(err))
			continue
		}
		if p == "/" {
			home = &page
		}
		found.merge(extractContacts(page.Body, root))
		if len(found.emails) > 0 {
			break
		}
	}
	if found.empty() && w.shouldRender(home) && ctx.Err() == nil {
		page, err := w.fetch(ctx, w.renderer, root+"/")
		if err != nil {
			w.logger.Debug("render failed", zap.String("url", root), zap.Error(err))
		} else {
			found.merge(extractContacts(page.Body, root))
		}
	}
	if found.empty() {
		return harvest.Record{}, false
	}

	rec := harvest.Record{
		Source:       harvest.SourceWebsites,
		Website:      root,
		BusinessName: firstNonEmpty(found.siteName, nameFromTitle(found.title), nameFromTitle(hit.Title)),
		Bio:          firstNonEmpty(found.description, strings.TrimSpace(hit.Snippet)),
	}
	if len(found.emails) > 0 {
		rec.Email = found.emails[0]
	}
	if len(found.phones) > 0 {
		rec.Phone = w.cfg.Phones.NormalizePhone(found.phones[0])
	}
	extra := map[string]string{}
	if len(found.emails) > 1 {
		extra["other_emails"] = strings.Join(found.emails[1:], "; ")
	}
	if found.whatsapp != "" {
		extra["whatsapp"] = w.cfg.Phones.NormalizePhone(found.whatsapp)
	}
	if len(extra) > 0 {
		rec.Extra = extra
	}
	return rec, true
}

// shouldRender is false without a renderer. A home page that failed to load
// statically is always rendered.
func (w *Websites) shouldRender(home *fetcher.Page) bool {
	if w.renderer == nil {
		return false
	}
	if home == nil || w.cfg.NeedsRender == nil {
		return true
	}
	return w.cfg.NeedsRender(*home)
}

func (w *Websites) fetch(ctx context.Context, f fetcher.Fetcher, rawURL string) (fetcher.Page, error) {
	if w.pacer != nil {
		if err := w.pacer.Wait(ctx, rawURL); err != nil {
			return fetcher.Page{}, err
		}
	}
	return f.Fetch(ctx, fetcher.Request{URL: rawURL})
}

// contacts are the details read off one site.
type contacts struct {
	emails      []string
	phones      []string
	whatsapp    string
	siteName    string
	title       string
	description string
}

func (c *contacts) empty() bool {
	return len(c.emails) == 0 && len(c.phones) == 0 && c.whatsapp == ""
}

func (c *contacts) merge(o contacts) {
	c.emails = appendNew(c.emails, o.emails...)
	c.phones = appendNew(c.phones, o.phones...)
	c.whatsapp = firstNonEmpty(c.whatsapp, o.whatsapp)
	c.siteName = firstNonEmpty(c.siteName, o.siteName)
	c.title = firstNonEmpty(c.title, o.title)
	c.description = firstNonEmpty(c.description, o.description)
}

// extractContacts parses an HTML page. Links are preferred over free text.
func extractContacts(body []byte, root string) contacts {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return contacts{}
	}
	var c contacts
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		switch {
		case strings.HasPrefix(lower, "mailto:"):
			addr := strings.SplitN(href[len("mailto:"):], "?", 2)[0]
			if decoded, err := url.PathUnescape(addr); err == nil {
				addr = decoded
			}
			if email := cleanEmail(addr); email != "" {
				c.emails = appendNew(c.emails, email)
			}
		case strings.HasPrefix(lower, "tel:"):
			if tel := strings.TrimSpace(href[len("tel:"):]); countDigits(tel) >= 9 {
				c.phones = appendNew(c.phones, tel)
			}
		case c.whatsapp == "":
			c.whatsapp = whatsappNumber(href)
		}
	})

	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	c.emails = appendNew(c.emails, findEmails(text)...)
	c.phones = appendNew(c.phones, findPhones(text)...)

	c.siteName = strings.TrimSpace(doc.Find(`meta[property="og:site_name"]`).AttrOr("content", ""))
	c.title = strings.TrimSpace(doc.Find("title").First().Text())
	c.description = strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	if c.description == "" {
		c.description = strings.TrimSpace(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	}
	return c
}

// whatsappNumber reads the number out of wa.me and api.whatsapp.com links.
func whatsappNumber(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var num string
	switch host {
	case "wa.me":
		num = strings.Trim(u.Path, "/")
	case "api.whatsapp.com", "web.whatsapp.com":
		num = u.Query().Get("phone")
	default:
		return ""
	}
	if countDigits(num) < 9 {
		return ""
	}
	return num
}

// siteRoot returns scheme://host for http(s) links outside the social networks.
func siteRoot(link string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, d := range socialDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return "", false
		}
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), true
}

func appendNew(dst []string, values ...string) []string {
	for _, v := range values {
		dup := false
		for _, have := range dst {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
