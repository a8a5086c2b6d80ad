package dedupe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

func TestDedupeEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, Dedupe(nil))
	require.Empty(t, Dedupe([]harvest.Record{}))
}

func TestDedupeDropsUnidentifiedRecords(t *testing.T) {
	t.Parallel()

	out := Dedupe([]harvest.Record{
		{Source: harvest.SourceInstagram, Bio: "just a bio"},
		{Source: harvest.SourceInstagram, Email: "a@b.ma"},
	})
	require.Len(t, out, 1)
	require.Equal(t, "a@b.ma", out[0].Email)
}

func TestDedupeIdentity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b harvest.Record
	}{
		{
			name: "email case",
			a:    harvest.Record{Source: harvest.SourceWebsites, Email: "Info@Cafe.MA"},
			b:    harvest.Record{Source: harvest.SourceWebsites, Email: "info@cafe.ma"},
		},
		{
			name: "email tag",
			a:    harvest.Record{Source: harvest.SourceWebsites, Email: "info+leads@cafe.ma"},
			b:    harvest.Record{Source: harvest.SourceWebsites, Email: "info@cafe.ma"},
		},
		{
			name: "trunk zero phone",
			a:    harvest.Record{Source: harvest.SourceFacebook, Phone: "0612345678"},
			b:    harvest.Record{Source: harvest.SourceFacebook, Phone: "+212612345678"},
		},
		{
			name: "formatted phone",
			a:    harvest.Record{Source: harvest.SourceFacebook, Phone: "06 12-34.56.78"},
			b:    harvest.Record{Source: harvest.SourceFacebook, Phone: "00212 612 345 678"},
		},
		{
			name: "url variants",
			a:    harvest.Record{Source: harvest.SourceLinkedIn, ProfileURL: "https://www.linkedin.com/in/jane/"},
			b:    harvest.Record{Source: harvest.SourceLinkedIn, ProfileURL: "http://linkedin.com/in/jane?trk=x"},
		},
	}
	for _, tc := range cases {
		out := Dedupe([]harvest.Record{tc.a, tc.b})
		require.Len(t, out, 1, tc.name)
	}
}

func TestDedupeKeepsSourcesApart(t *testing.T) {
	t.Parallel()

	out := Dedupe([]harvest.Record{
		{Source: harvest.SourceInstagram, Email: "x@y.ma"},
		{Source: harvest.SourceTikTok, Email: "x@y.ma"},
	})
	require.Len(t, out, 2)
}

func TestDedupeCompletenessTieBreak(t *testing.T) {
	t.Parallel()

	sparse := harvest.Record{Source: harvest.SourceWebsites, Email: "hi@shop.ma", Name: "Shop"}
	rich := harvest.Record{
		Source:  harvest.SourceWebsites,
		Email:   "HI@shop.ma",
		Name:    "shop",
		Website: "",
		Bio:     strings.Repeat("b", 90),
		Type:    "retail",
	}
	other := harvest.Record{Source: harvest.SourceWebsites, Email: "other@shop.ma"}

	out := Dedupe([]harvest.Record{sparse, other, rich})
	require.Len(t, out, 2)
	require.Equal(t, rich, out[0], "richer duplicate replaces the earlier slot")
	require.Equal(t, other, out[1])

	// Equal scores keep the first occurrence.
	twin := sparse
	twin.Email = "HI@SHOP.MA"
	out = Dedupe([]harvest.Record{sparse, twin})
	require.Equal(t, []harvest.Record{sparse}, out)
}

func TestDedupeIdempotent(t *testing.T) {
	t.Parallel()

	in := []harvest.Record{
		{Source: harvest.SourceWebsites, Email: "a@b.ma", Phone: "0612345678"},
		{Source: harvest.SourceWebsites, Email: "A@B.ma", Phone: "+212612345678", Bio: "bio"},
		{Source: harvest.SourceInstagram, ProfileURL: "https://instagram.com/shop"},
		{Source: harvest.SourceInstagram, ProfileURL: "https://www.instagram.com/shop/", Bio: "handmade"},
		{Source: harvest.SourceInstagram},
		{Source: harvest.SourceFacebook, BusinessName: "Riad  Atlas"},
		{Source: harvest.SourceFacebook, BusinessName: "riad atlas"},
	}
	once := Dedupe(in)
	require.Equal(t, once, Dedupe(once))
	require.Len(t, once, 3)
}

func TestCompleteness(t *testing.T) {
	t.Parallel()

	require.Zero(t, Completeness(harvest.Record{}))
	require.Equal(t, 1, Completeness(harvest.Record{Bio: "short"}))
	require.Equal(t, 8, Completeness(harvest.Record{
		BusinessName: "Atlas",
		Website:      "atlas.ma",
		Bio:          strings.Repeat("x", 81),
		Company:      "Atlas SARL",
		Type:         "hotel",
	}))
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                "",
		"+":               "",
		"0612345678":      "+212612345678",
		"612345678":       "+212612345678",
		"212612345678":    "+212612345678",
		"00212612345678":  "+212612345678",
		"+212 6-12 34 56": "+2126123456",
		"0522 12 34 56":   "+212522123456",
		"812345678":       "812345678",
		"tel: 06.12.34":   "061234",
	}
	for in, want := range cases {
		got := Morocco.NormalizePhone(in)
		require.Equal(t, want, got, in)
		require.Equal(t, got, Morocco.NormalizePhone(got), "idempotent for %q", in)
	}
}

func TestRulesFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, Morocco, RulesFor(""))
	require.Equal(t, Morocco, RulesFor("+212"))

	fr := RulesFor("33")
	require.Equal(t, "+33612345678", fr.NormalizePhone("0612345678"))
	require.Equal(t, "612345678", fr.NormalizePhone("612345678"))
}

func TestNormalizers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "jane@x.ma", NormalizeEmail(" Jane+promo@X.ma "))
	require.Equal(t, "not-an-email", NormalizeEmail("Not-An-Email"))
	require.Equal(t, "example.com/a", NormalizeURL("HTTPS://www.Example.com/a/#top"))
	require.Equal(t, "", NormalizeURL("  "))
	require.Equal(t, "riad atlas", NormalizeName("  Riad\tATLAS "))
}
