package scrapers

import (
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/dedupe"
	"github.com/JakeFAU/leadscout/internal/fetcher"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/sources"
)

// Config tunes every scraper.
type Config struct {
	PageSize     int
	MaxPages     int
	MaxSites     int
	ContactPaths []string
	Phones       dedupe.PhoneRules
}

// Deps are the shared clients the scrapers run on.
type Deps struct {
	Search Searcher
	Pages  fetcher.Fetcher
	// Renderer is optional; when nil sites without static contacts are skipped.
	Renderer fetcher.Fetcher
	// NeedsRender optionally gates the renderer per site.
	NeedsRender func(fetcher.Page) bool
	Pacer       Pacer
	Logger      *zap.Logger
}

// SocialSources are the search-driven social networks.
var SocialSources = []harvest.Source{
	harvest.SourceInstagram,
	harvest.SourceFacebook,
	harvest.SourceLinkedIn,
	harvest.SourceTikTok,
}

// Register binds a factory for every source to reg. The websites scraper is
// only registered when a page fetcher is available.
func Register(reg *sources.Registry, cfg Config, deps Deps) error {
	if reg == nil {
		return errors.New("scrapers: registry is required")
	}
	if deps.Search == nil {
		return errors.New("scrapers: searcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	social := SocialConfig{PageSize: cfg.PageSize, MaxPages: cfg.MaxPages, Phones: cfg.Phones}
	for _, src := range SocialSources {
		reg.Register(src, func() (harvest.Scraper, error) {
			s, err := NewSocial(src, deps.Search, social, logger)
			if err != nil {
				return nil, err
			}
			return s, nil
		})
	}
	if deps.Pages != nil {
		web := WebsitesConfig{
			PageSize:     cfg.PageSize,
			MaxPages:     cfg.MaxPages,
			MaxSites:     cfg.MaxSites,
			ContactPaths: cfg.ContactPaths,
			Phones:       cfg.Phones,
			NeedsRender:  deps.NeedsRender,
		}
		reg.Register(harvest.SourceWebsites, func() (harvest.Scraper, error) {
			w, err := NewWebsites(deps.Search, deps.Pages, deps.Renderer, deps.Pacer, web, logger)
			if err != nil {
				return nil, err
			}
			return w, nil
		})
	}
	return nil
}
