package dedupe

import "strings"

// PhoneRules rewrites national phone numbers to their international form.
type PhoneRules struct {
	// CountryCode is the dialing code without the plus sign, e.g. "212".
	CountryCode string
	// SubscriberDigits is the length of a national number without trunk prefix.
	SubscriberDigits int
	// MobilePrefixes are leading digits that mark a bare subscriber number.
	MobilePrefixes []string
}

// Morocco is the default rule set: 0612345678, 612345678 and 212612345678
// all normalize to +212612345678.
var Morocco = PhoneRules{
	CountryCode:      "212",
	SubscriberDigits: 9,
	MobilePrefixes:   []string{"5", "6", "7"},
}

// RulesFor returns the rule set for a dialing code. Unknown codes get the
// generic trunk-zero rewrite with a nine digit subscriber number.
func RulesFor(countryCode string) PhoneRules {
	countryCode = strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	switch countryCode {
	case "", Morocco.CountryCode:
		return Morocco
	default:
		return PhoneRules{CountryCode: countryCode, SubscriberDigits: 9}
	}
}

// NormalizePhone keeps digits and a leading plus, then applies the country
// rewrites. The result is stable under repeated application.
func (r PhoneRules) NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var b strings.Builder
	for i, ch := range raw {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		}
	}
	phone := b.String()
	if phone == "" || phone == "+" {
		return ""
	}
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if strings.HasPrefix(phone, "+") || r.CountryCode == "" {
		return phone
	}

	n := r.SubscriberDigits
	switch {
	case len(phone) == n+1 && phone[0] == '0':
		return "+" + r.CountryCode + phone[1:]
	case len(phone) == n && r.mobile(phone):
		return "+" + r.CountryCode + phone
	case len(phone) == len(r.CountryCode)+n && strings.HasPrefix(phone, r.CountryCode):
		return "+" + phone
	}
	return phone
}

func (r PhoneRules) mobile(phone string) bool {
	if len(r.MobilePrefixes) == 0 {
		return false
	}
	for _, p := range r.MobilePrefixes {
		if strings.HasPrefix(phone, p) {
			return true
		}
	}
	return false
}
