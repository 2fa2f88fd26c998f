package bybit

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// APIError is a non-zero retCode from the venue.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.Code, e.Msg)
}

// Unwrap lets callers match the venue-said-no class without importing this
// package.
func (e *APIError) Unwrap() error {
	return domain.ErrVenueReject
}

// Venue retCodes worth retrying: 10006 is rate limit, 10018 is IP rate
// limit.
var retryableRetCodes = map[int]bool{
	10006: true,
	10018: true,
}

var retryableMsgFragments = []string{
	"timeout",
	"timed out",
	"too many visits",
	"system busy",
	"service unavailable",
	"please try again",
}

// retryableStatus reports whether an HTTP status is transient.
func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// retryableAPIError reports whether a venue error should be retried.
func retryableAPIError(e *APIError) bool {
	if retryableRetCodes[e.Code] {
		return true
	}
	msg := strings.ToLower(e.Msg)
	for _, frag := range retryableMsgFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 5 * time.Second
	maxAttempts = 3
)

// backoff returns the jittered exponential delay before retry attempt n
// (0-based): base doubling per attempt, capped, with 0.9–1.1 jitter.
func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
