package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Rate-limit response headers on Bybit V5.
const (
	headerLimitStatus = "X-Bapi-Limit-Status" // remaining requests in window
	headerLimit       = "X-Bapi-Limit"
	headerLimitReset  = "X-Bapi-Limit-Reset-Timestamp"
	headerRetryAfter  = "Retry-After"
)

// ParseHeaders extracts rate feedback from a venue response. The reset
// timestamp is normalized to milliseconds: values that look like seconds
// (below 1e10) are scaled up.
func ParseHeaders(status int, h http.Header) Feedback {
	fb := Feedback{StatusCode: status}

	if v := h.Get(headerLimitStatus); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fb.Remaining = n
			fb.HasRemaining = true
		}
	}
	if v := h.Get(headerLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fb.Limit = n
		}
	}
	if v := h.Get(headerLimitReset); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			if ts > 0 && ts < 1e10 {
				ts *= 1000
			}
			fb.ResetAtMs = ts
		}
	}
	if v := h.Get(headerRetryAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			fb.RetryAfter = time.Duration(secs) * time.Second
			fb.HasRetryAfter = true
		}
	}
	return fb
}
