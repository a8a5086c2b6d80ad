package harvest

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrAborted reports a cooperative cancellation. It is not a failure.
	ErrAborted             = errors.New("job aborted")
	ErrJobAlreadyRunning   = errors.New("account already has an active job")
	ErrAccountBusy         = errors.New("account has an active job; cancel it first")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrDuplicateCredential = errors.New("credential already in pool")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrJobNotFound         = errors.New("job not found")
)

// ErrLimitReached is returned by ScrapeOptions.Emit once MaxResults records
// were accepted. Scrapers stop and return without error.
var ErrLimitReached = errors.New("result limit reached")

// ShortageError is returned when the pool cannot satisfy a tier request.
type ShortageError struct {
	Class     CredentialClass
	Needed    int
	Available int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("credential shortage: need %d %s keys, %d available", e.Needed, e.Class, e.Available)
}

// InUseError is returned when removing a credential still assigned to an account.
type InUseError struct {
	Class      CredentialClass
	AssignedTo string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s credential is assigned to account %s", e.Class, e.AssignedTo)
}

// ValidationError rejects a request before any network call or state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DailyLimitExceeded is the quota gate rejection. No quota is consumed.
type DailyLimitExceeded struct {
	AccountID string
	Used      int
	Limit     int
}

func (e *DailyLimitExceeded) Error() string {
	return fmt.Sprintf("daily job limit reached for account %s (%d/%d)", e.AccountID, e.Used, e.Limit)
}

// QuotaExhaustedError means every credential in a rotation was rejected for quota or rate reasons.
type QuotaExhaustedError struct {
	Keys    int
	LastErr error
}

func (e *QuotaExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("all %d credentials exhausted", e.Keys)
	}
	return fmt.Sprintf("all %d credentials exhausted: %v", e.Keys, e.LastErr)
}

func (e *QuotaExhaustedError) Unwrap() error {
	return e.LastErr
}

// TransientFetchError means one unit of work failed after bounded retries and was skipped.
type TransientFetchError struct {
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("unit of work failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// HTTPError carries a non-2xx response from an upstream API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, body)
}

// IsAborted reports whether err stems from a cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
