package rotator

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

var quotaReasons = map[string]struct{}{
	"quotaExceeded":         {},
	"rateLimitExceeded":     {},
	"dailyLimitExceeded":    {},
	"userRateLimitExceeded": {},
}

// IsQuotaError reports whether err means the credential is out of quota or
// being rate limited.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code == http.StatusTooManyRequests {
			return true
		}
		if gErr.Code == http.StatusForbidden {
			for _, item := range gErr.Errors {
				if _, ok := quotaReasons[item.Reason]; ok {
					return true
				}
			}
			return hasQuotaMarker(gErr.Message) || hasQuotaMarker(gErr.Body)
		}
		return false
	}

	var hErr *harvest.HTTPError
	if errors.As(err, &hErr) {
		switch hErr.StatusCode {
		case http.StatusTooManyRequests:
			return true
		case http.StatusForbidden:
			return hasQuotaMarker(hErr.Body)
		default:
			return false
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "ResourceExhausted") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return true
	}
	return (strings.Contains(msg, "429") || strings.Contains(msg, "403")) && hasQuotaMarker(msg)
}

// quotaMarkers are matched as whole phrases so words like "generate" or
// "accurate" do not read as rate limiting.
var quotaMarkers = []string{
	"quota",
	"rate limit",
	"ratelimit",
	"rate_limit",
	"rate-limit",
	"too many requests",
}

func hasQuotaMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range quotaMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
