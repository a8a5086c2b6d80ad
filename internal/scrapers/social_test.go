package scrapers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/rotator"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []Query
	keys    []string
	pages   map[int][]Hit
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, key string, q Query) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[q.Start], nil
}

func noSleep(context.Context, time.Duration) error { return nil }

type collected struct {
	records []harvest.Record
	limit   int
}

func (c *collected) options(dt harvest.DataType, keys ...string) harvest.ScrapeOptions {
	if len(keys) == 0 {
		keys = []string{"k1", "k2", "k3"}
	}
	return harvest.ScrapeOptions{
		DataType: dt,
		Search:   rotator.New(keys, rotator.Options{Sleep: noSleep}),
		Emit: func(rec harvest.Record) error {
			c.records = append(c.records, rec)
			if c.limit > 0 && len(c.records) >= c.limit {
				return harvest.ErrLimitReached
			}
			return nil
		},
		Checkpoint: func() error { return nil },
	}
}

func instagramHits() []Hit {
	return []Hit{
		{
			Title:   "Riad Atlas (@riadatlas) • Instagram photos and videos",
			Link:    "https://www.instagram.com/riadatlas/",
			Snippet: "Guest house in the medina. Call 0612345678 or email contact@riadatlas.ma.",
		},
		{Title: "A post", Link: "https://www.instagram.com/p/Cabc123/"},
		{Title: "Riad Atlas again", Link: "https://instagram.com/riadatlas"},
		{Title: "Elsewhere", Link: "https://example.com/riadatlas"},
		{Title: "Dar Salam (@darsalam)", Link: "https://www.instagram.com/darsalam/", Snippet: "Boutique stays"},
	}
}

func TestSocialInstagramRecords(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{pages: map[int][]Hit{1: instagramHits()}}
	s, err := NewSocial(harvest.SourceInstagram, search, SocialConfig{}, nil)
	require.NoError(t, err)
	require.Equal(t, harvest.SourceInstagram, s.Source())

	var got collected
	recs, err := s.Scrape(context.Background(), "riads marrakech", got.options(harvest.DataAll))
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Len(t, got.records, 2)

	first := got.records[0]
	require.Equal(t, "https://www.instagram.com/riadatlas/", first.ProfileURL)
	require.Equal(t, "riadatlas", first.Username)
	require.Equal(t, "Riad Atlas", first.Name)
	require.Equal(t, "contact@riadatlas.ma", first.Email)
	require.Equal(t, "+212612345678", first.Phone)
	require.Equal(t, "darsalam", got.records[1].Username)

	require.Len(t, search.queries, 1, "a short page ends paging")
	require.Equal(t, "site:instagram.com riads marrakech", search.queries[0].Terms)
}

func TestSocialDataTypeFilter(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{pages: map[int][]Hit{1: instagramHits()}}
	s, err := NewSocial(harvest.SourceInstagram, search, SocialConfig{}, nil)
	require.NoError(t, err)

	var got collected
	_, err = s.Scrape(context.Background(), "riads", got.options(harvest.DataEmails))
	require.NoError(t, err)
	require.Len(t, got.records, 1)
	require.Equal(t, "riadatlas", got.records[0].Username)
	require.Contains(t, search.queries[0].Terms, `"@"`)
}

func TestSocialPlatformsRecogniseProfiles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		src  harvest.Source
		hit  Hit
		want harvest.Record
		ok   bool
	}{
		{
			src: harvest.SourceLinkedIn,
			hit: Hit{Title: "Atlas Tours | LinkedIn", Link: "https://ma.linkedin.com/company/atlas-tours"},
			want: harvest.Record{
				Source: harvest.SourceLinkedIn, ProfileURL: "https://www.linkedin.com/company/atlas-tours",
				Username: "atlas-tours", Company: "Atlas Tours", Type: "company",
			},
			ok: true,
		},
		{
			src: harvest.SourceLinkedIn,
			hit: Hit{Title: "Sara Benali - Travel Agent", Link: "https://www.linkedin.com/in/sara-benali"},
			want: harvest.Record{
				Source: harvest.SourceLinkedIn, ProfileURL: "https://www.linkedin.com/in/sara-benali",
				Username: "sara-benali", Name: "Sara Benali",
			},
			ok: true,
		},
		{src: harvest.SourceLinkedIn, hit: Hit{Link: "https://www.linkedin.com/posts/xyz"}},
		{
			src: harvest.SourceTikTok,
			hit: Hit{Title: "Atlas Food (@atlasfood) | TikTok", Link: "https://www.tiktok.com/@atlasfood/video/1"},
			want: harvest.Record{
				Source: harvest.SourceTikTok, ProfileURL: "https://www.tiktok.com/@atlasfood",
				Username: "atlasfood", Name: "Atlas Food",
			},
			ok: true,
		},
		{src: harvest.SourceTikTok, hit: Hit{Link: "https://www.tiktok.com/tag/food"}},
		{
			src: harvest.SourceFacebook,
			hit: Hit{Title: "Cafe Clock - Home", Link: "https://m.facebook.com/cafeclock/"},
			want: harvest.Record{
				Source: harvest.SourceFacebook, ProfileURL: "https://www.facebook.com/cafeclock",
				Username: "cafeclock", Name: "Cafe Clock",
			},
			ok: true,
		},
		{src: harvest.SourceFacebook, hit: Hit{Link: "https://www.facebook.com/groups/123"}},
	}
	for _, tc := range cases {
		s, err := NewSocial(tc.src, &fakeSearcher{}, SocialConfig{}, nil)
		require.NoError(t, err)
		got, ok := s.record(tc.hit)
		require.Equal(t, tc.ok, ok, tc.hit.Link)
		if tc.ok {
			require.Equal(t, tc.want, got, tc.hit.Link)
		}
	}
}

func TestSocialPagesUntilShortPage(t *testing.T) {
	t.Parallel()

	full := make([]Hit, 0, 2)
	for _, name := range []string{"a1", "a2"} {
		full = append(full, Hit{Title: name, Link: "https://www.instagram.com/" + name + "/"})
	}
	search := &fakeSearcher{pages: map[int][]Hit{
		1: full,
		3: {{Title: "b1", Link: "https://www.instagram.com/b1/"}},
	}}
	s, err := NewSocial(harvest.SourceInstagram, search, SocialConfig{PageSize: 2, MaxPages: 5}, nil)
	require.NoError(t, err)

	var got collected
	_, err = s.Scrape(context.Background(), "riads", got.options(harvest.DataAll))
	require.NoError(t, err)
	require.Len(t, got.records, 3)
	require.Len(t, search.queries, 2)
	require.Equal(t, 3, search.queries[1].Start)
}

func TestSocialStopsAtLimit(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{pages: map[int][]Hit{1: instagramHits()}}
	s, err := NewSocial(harvest.SourceInstagram, search, SocialConfig{}, nil)
	require.NoError(t, err)

	got := collected{limit: 1}
	_, err = s.Scrape(context.Background(), "riads", got.options(harvest.DataAll))
	require.NoError(t, err)
	require.Len(t, got.records, 1)
}

func TestSocialQuotaExhaustion(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{err: &googleapi.Error{Code: 429, Message: "Quota exceeded"}}
	s, err := NewSocial(harvest.SourceFacebook, search, SocialConfig{}, nil)
	require.NoError(t, err)

	var got collected
	_, err = s.Scrape(context.Background(), "riads", got.options(harvest.DataAll))
	var qErr *harvest.QuotaExhaustedError
	require.ErrorAs(t, err, &qErr)
	require.Equal(t, []string{"k1", "k2", "k3"}, search.keys)
}

func TestSocialTransientPagesAreSkippedThenGiveUp(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{err: errors.New("connection reset")}
	s, err := NewSocial(harvest.SourceTikTok, search, SocialConfig{MaxPages: 5}, nil)
	require.NoError(t, err)

	var got collected
	_, err = s.Scrape(context.Background(), "food", got.options(harvest.DataAll))
	var tErr *harvest.TransientFetchError
	require.ErrorAs(t, err, &tErr)
	require.Len(t, search.queries, 6, "three attempts for each of two pages")
}

func TestSocialCheckpointAborts(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{pages: map[int][]Hit{1: instagramHits()}}
	s, err := NewSocial(harvest.SourceInstagram, search, SocialConfig{}, nil)
	require.NoError(t, err)

	var got collected
	opts := got.options(harvest.DataAll)
	opts.Checkpoint = func() error { return harvest.ErrAborted }
	_, err = s.Scrape(context.Background(), "riads", opts)
	require.ErrorIs(t, err, harvest.ErrAborted)
	require.Empty(t, search.queries)
}

func TestNewSocialRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := NewSocial(harvest.SourceWebsites, &fakeSearcher{}, SocialConfig{}, nil)
	require.Error(t, err)
	_, err = NewSocial(harvest.SourceInstagram, nil, SocialConfig{}, nil)
	require.Error(t, err)
}

func TestValidNiche(t *testing.T) {
	t.Parallel()

	require.True(t, validNiche("riads marrakech"))
	require.False(t, validNiche(" "))
	require.False(t, validNiche("1234"))
	require.False(t, validNiche("x"))
}
