package scrapers

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{7,}\d`)
)

// Suffixes that look like addresses but are asset names such as logo@2x.png.
var assetSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}

// findEmails returns the distinct addresses in text, lower-cased, in order
// of appearance.
func findEmails(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range emailPattern.FindAllString(text, -1) {
		email := cleanEmail(m)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

func cleanEmail(raw string) string {
	email := strings.ToLower(strings.Trim(strings.TrimSpace(raw), ".,;:"))
	if !emailPattern.MatchString(email) {
		return ""
	}
	for _, suffix := range assetSuffixes {
		if strings.HasSuffix(email, suffix) {
			return ""
		}
	}
	return email
}

// findPhones returns the distinct phone-like runs in text holding 9 to 15 digits.
func findPhones(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range phonePattern.FindAllString(text, -1) {
		phone := strings.TrimSpace(m)
		n := countDigits(phone)
		if n < 9 || n > 15 {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		out = append(out, phone)
	}
	return out
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// titleSeparators split a search result title into the name and the site
// boilerplate that follows it.
var titleSeparators = []string{" (@", " | ", " - ", " • ", " · ", " on Instagram", " on TikTok"}

// nameFromTitle returns the leading name portion of a page title.
func nameFromTitle(title string) string {
	name := strings.TrimSpace(title)
	for _, sep := range titleSeparators {
		if i := strings.Index(name, sep); i > 0 {
			name = name[:i]
		}
	}
	return strings.TrimSpace(name)
}

// validNiche accepts short free-text niches containing at least one letter.
func validNiche(niche string) bool {
	niche = strings.TrimSpace(niche)
	if len(niche) < 2 || len(niche) > 120 {
		return false
	}
	return strings.IndexFunc(niche, unicode.IsLetter) >= 0
}
