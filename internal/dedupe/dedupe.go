// Package dedupe collapses result streams to one record per real-world entity.
package dedupe

import (
	"strings"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

const keySeparator = "|"

// Deduper reduces records by composite identity. The zero value uses the
// Morocco phone rules.
type Deduper struct {
	Phones PhoneRules
}

// New returns a Deduper for the given phone rules.
func New(rules PhoneRules) Deduper {
	return Deduper{Phones: rules}
}

// Dedupe is Deduper{}.Dedupe.
func Dedupe(records []harvest.Record) []harvest.Record {
	return Deduper{}.Dedupe(records)
}

// Dedupe keeps the first record per identity unless a later one scores
// strictly higher on completeness, in which case it takes the earlier slot.
// Records without any identifying field are dropped.
func (d Deduper) Dedupe(records []harvest.Record) []harvest.Record {
	out := make([]harvest.Record, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		key, ok := d.Key(rec)
		if !ok {
			continue
		}
		if i, seen := index[key]; seen {
			if Completeness(rec) > Completeness(out[i]) {
				out[i] = rec
			}
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// Key builds the composite identity of rec. ok is false when none of the
// identifying fields carry a value.
func (d Deduper) Key(rec harvest.Record) (string, bool) {
	rules := d.Phones
	if rules.CountryCode == "" {
		rules = Morocco
	}
	parts := []string{
		NormalizeEmail(rec.Email),
		rules.NormalizePhone(rec.Phone),
		NormalizeURL(rec.URL()),
		NormalizeName(rec.DisplayName()),
	}
	identified := false
	for _, p := range parts {
		if p != "" {
			identified = true
			break
		}
	}
	if !identified {
		return "", false
	}
	parts = append(parts, strings.ToLower(string(rec.Source)))
	return strings.Join(parts, keySeparator), true
}

// Completeness scores how much useful data a record carries.
func Completeness(rec harvest.Record) int {
	score := 0
	if strings.TrimSpace(rec.DisplayName()) != "" {
		score += 2
	}
	if strings.TrimSpace(rec.URL()) != "" {
		score += 2
	}
	switch bio := strings.TrimSpace(rec.Bio); {
	case len(bio) > 80:
		score += 2
	case bio != "":
		score++
	}
	if strings.TrimSpace(rec.Company) != "" {
		score++
	}
	if strings.TrimSpace(rec.Type) != "" {
		score++
	}
	return score
}

// NormalizeEmail lower-cases the address and drops a +tag from the local part.
func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// NormalizeURL drops scheme, a leading www., query, fragment and trailing slashes.
func NormalizeURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	if u == "" {
		return ""
	}
	if _, rest, ok := strings.Cut(u, "://"); ok {
		u = rest
	}
	u = strings.TrimPrefix(u, "www.")
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimRight(u, "/")
}

// NormalizeName folds case and collapses whitespace.
func NormalizeName(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}
