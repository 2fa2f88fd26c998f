package bybit

import (
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	got := sign("test-secret", "1700000000000", "test-key", "5000", "category=linear&symbol=BTCUSDT")
	want := "9a7c8cfd6ba1a7c498aa4dd5a7f9cfbba01fcb6eebae734ffe0d775870a1a3fb"
	if got != want {
		t.Fatalf("sign = %s, want %s", got, want)
	}
}

func TestWSSignature(t *testing.T) {
	got := wsSignature("test-secret", 1700000005000)
	want := "4343ac53a3dafc0ec96562c63a7899f56be48a0e2ab052e07ae410e8f5472338"
	if got != want {
		t.Fatalf("wsSignature = %s, want %s", got, want)
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"rate limit retcode", &APIError{Code: 10006, Msg: "Too many visits"}, true},
		{"ip rate limit retcode", &APIError{Code: 10018, Msg: "ip banned"}, true},
		{"transient message", &APIError{Code: 170007, Msg: "Request timeout, please try again"}, true},
		{"system busy", &APIError{Code: 170001, Msg: "System busy"}, true},
		{"bad param", &APIError{Code: 10001, Msg: "params error"}, false},
		{"insufficient balance", &APIError{Code: 110007, Msg: "ab not enough for new order"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableAPIError(tt.err); got != tt.want {
				t.Fatalf("retryableAPIError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for status, want := range map[int]bool{
		200: false, 400: false, 401: false, 404: false,
		408: true, 429: true, 500: true, 502: true, 503: true,
	} {
		if got := retryableStatus(status); got != want {
			t.Fatalf("retryableStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(attempt)
		if d < time.Duration(float64(backoffBase)*0.9) {
			t.Fatalf("attempt %d: backoff %v below jittered base", attempt, d)
		}
		if d > time.Duration(float64(backoffCap)*1.1) {
			t.Fatalf("attempt %d: backoff %v above jittered cap", attempt, d)
		}
	}
}
