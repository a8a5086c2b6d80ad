package scrapers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/dedupe"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/rotator"
)

// platform describes how a social network's profile URLs look.
type platform struct {
	source harvest.Source
	domain string
	// profile extracts the handle and profile type from a URL path split on
	// "/"; ok is false for posts, groups and other non-profile pages.
	profile func(segments []string) (handle, kind string, ok bool)
	// canonical builds the profile URL from a handle and kind.
	canonical func(handle, kind string) string
}

var platforms = map[harvest.Source]platform{
	harvest.SourceInstagram: {
		source: harvest.SourceInstagram,
		domain: "instagram.com",
		profile: firstSegment(map[string]bool{
			"p": true, "reel": true, "reels": true, "explore": true, "stories": true,
			"tv": true, "accounts": true, "about": true, "directory": true,
		}),
		canonical: func(h, _ string) string { return "https://www.instagram.com/" + h + "/" },
	},
	harvest.SourceFacebook: {
		source: harvest.SourceFacebook,
		domain: "facebook.com",
		profile: firstSegment(map[string]bool{
			"groups": true, "events": true, "photo": true, "photos": true, "watch": true,
			"share": true, "story.php": true, "permalink.php": true, "login": true,
			"pages": true, "profile.php": true, "marketplace": true, "hashtag": true,
		}),
		canonical: func(h, _ string) string { return "https://www.facebook.com/" + h },
	},
	harvest.SourceLinkedIn: {
		source: harvest.SourceLinkedIn,
		domain: "linkedin.com",
		profile: func(seg []string) (string, string, bool) {
			if len(seg) < 2 || seg[1] == "" {
				return "", "", false
			}
			switch seg[0] {
			case "in":
				return seg[1], "person", true
			case "company":
				return seg[1], "company", true
			default:
				return "", "", false
			}
		},
		canonical: func(h, kind string) string {
			if kind == "company" {
				return "https://www.linkedin.com/company/" + h
			}
			return "https://www.linkedin.com/in/" + h
		},
	},
	harvest.SourceTikTok: {
		source: harvest.SourceTikTok,
		domain: "tiktok.com",
		profile: func(seg []string) (string, string, bool) {
			if len(seg) == 0 || !strings.HasPrefix(seg[0], "@") || len(seg[0]) < 2 {
				return "", "", false
			}
			return strings.TrimPrefix(seg[0], "@"), "", true
		},
		canonical: func(h, _ string) string { return "https://www.tiktok.com/@" + h },
	},
}

func firstSegment(reserved map[string]bool) func([]string) (string, string, bool) {
	return func(seg []string) (string, string, bool) {
		if len(seg) == 0 || seg[0] == "" || reserved[strings.ToLower(seg[0])] {
			return "", "", false
		}
		return seg[0], "", true
	}
}

// SocialConfig tunes the search-driven social scrapers.
type SocialConfig struct {
	PageSize int
	MaxPages int
	Phones   dedupe.PhoneRules
}

func (c SocialConfig) withDefaults() SocialConfig {
	if c.PageSize <= 0 || c.PageSize > maxSearchPageSize {
		c.PageSize = maxSearchPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 3
	}
	if c.Phones.CountryCode == "" {
		c.Phones = dedupe.Morocco
	}
	return c
}

// Social collects profiles of one network through site-restricted search.
type Social struct {
	platform platform
	search   Searcher
	cfg      SocialConfig
	logger   *zap.Logger
}

var _ harvest.Scraper = (*Social)(nil)

// NewSocial returns the scraper for src, which must be one of instagram,
// facebook, linkedin or tiktok.
func NewSocial(src harvest.Source, search Searcher, cfg SocialConfig, logger *zap.Logger) (*Social, error) {
	p, ok := platforms[src]
	if !ok {
		return nil, fmt.Errorf("no social platform for source %q", src)
	}
	if search == nil {
		return nil, errors.New("social scraper requires a searcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Social{
		platform: p,
		search:   search,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("source", string(src))),
	}, nil
}

// Source implements harvest.Scraper.
func (s *Social) Source() harvest.Source { return s.platform.source }

// ValidateNiche implements harvest.Scraper.
func (s *Social) ValidateNiche(niche string) bool { return validNiche(niche) }

// Scrape pages through search results and emits one record per profile.
func (s *Social) Scrape(ctx context.Context, niche string, opts harvest.ScrapeOptions) ([]harvest.Record, error) {
	terms := fmt.Sprintf("site:%s %s", s.platform.domain, strings.TrimSpace(niche))
	if opts.DataType == harvest.DataEmails {
		terms += ` "@"`
	}
	seen := map[string]struct{}{}
	err := paginate(ctx, s.cfg.PageSize, s.cfg.MaxPages, terms, s.search, opts, s.logger, func(hit Hit) error {
		rec, ok := s.record(hit)
		if !ok || !wants(opts.DataType, rec) {
			return nil
		}
		if _, dup := seen[rec.ProfileURL]; dup {
			return nil
		}
		seen[rec.ProfileURL] = struct{}{}
		return opts.Emit(rec)
	})
	return nil, stopped(err)
}

// record turns a hit into a lead when its link is a profile page.
func (s *Social) record(hit Hit) (harvest.Record, bool) {
	u, err := url.Parse(hit.Link)
	if err != nil {
		return harvest.Record{}, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != s.platform.domain && !strings.HasSuffix(host, "."+s.platform.domain) {
		return harvest.Record{}, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	handle, kind, ok := s.platform.profile(segments)
	if !ok {
		return harvest.Record{}, false
	}

	text := hit.Title + " " + hit.Snippet
	rec := harvest.Record{
		Source:     s.platform.source,
		ProfileURL: s.platform.canonical(handle, kind),
		Username:   handle,
		Name:       nameFromTitle(hit.Title),
		Bio:        strings.TrimSpace(hit.Snippet),
	}
	if kind == "company" {
		rec.Company, rec.Name, rec.Type = rec.Name, "", "company"
	}
	if emails := findEmails(text); len(emails) > 0 {
		rec.Email = emails[0]
	}
	if phones := findPhones(text); len(phones) > 0 {
		rec.Phone = s.cfg.Phones.NormalizePhone(phones[0])
	}
	return rec, true
}

// wants applies the requested data type filter.
func wants(dt harvest.DataType, rec harvest.Record) bool {
	switch dt {
	case harvest.DataEmails:
		return rec.Email != ""
	case harvest.DataPhones:
		return rec.Phone != ""
	default:
		return true
	}
}

// paginate runs the search page by page through the job's rotator and
// hands every hit to visit. A page that keeps failing transiently is
// skipped; two in a row end the run with that error.
func paginate(
	ctx context.Context,
	pageSize, maxPages int,
	terms string,
	search Searcher,
	opts harvest.ScrapeOptions,
	logger *zap.Logger,
	visit func(Hit) error,
) error {
	failures := 0
	for page := 0; page < maxPages; page++ {
		if err := opts.Checkpoint(); err != nil {
			return err
		}
		q := Query{Terms: terms, Start: page*pageSize + 1, Num: pageSize}
		hits, err := rotator.Do(ctx, opts.Search, func(ctx context.Context, key string) ([]Hit, error) {
			return search.Search(ctx, key, q)
		})
		var transient *harvest.TransientFetchError
		switch {
		case err == nil:
			failures = 0
		case errors.As(err, &transient):
			failures++
			logger.Warn("search page skipped", zap.Int("start", q.Start), zap.Error(err))
			if failures >= 2 {
				return err
			}
			continue
		default:
			return err
		}

		for _, hit := range hits {
			if err := visit(hit); err != nil {
				return err
			}
		}
		if len(hits) < pageSize {
			return nil
		}
	}
	return nil
}

// stopped maps the limit signal to a clean stop.
func stopped(err error) error {
	if errors.Is(err, harvest.ErrLimitReached) {
		return nil
	}
	return err
}
