package coinex

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// Request categories with the per-second budgets documented by the
// exchange. The local limiters are checked with Allow, never with a
// blocking wait, so one caller's tick can't stall another's.
type category int

const (
	categoryOrder category = iota
	categoryCancel
	categoryQuery
	categoryAccount
)

func newLimiters() map[category]*rate.Limiter {
	return map[category]*rate.Limiter{
		categoryOrder:   rate.NewLimiter(30, 30),
		categoryCancel:  rate.NewLimiter(60, 60),
		categoryQuery:   rate.NewLimiter(50, 50),
		categoryAccount: rate.NewLimiter(10, 10),
	}
}

// RateLimitState is derived from the response headers of a single call.
// It informs backoff decisions and logging only; it is never persisted.
type RateLimitState struct {
	Remaining    int
	Limit        int
	HasRemaining bool
	HasLimit     bool
	// LongPeriods holds X-RateLimit-LongPeriod-* windows, e.g. "24H".
	LongPeriods map[string]int
}

const longPeriodPrefix = "X-Ratelimit-Longperiod-"

func parseRateLimit(h http.Header) RateLimitState {
	var st RateLimitState
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.Remaining = n
			st.HasRemaining = true
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.Limit = n
			st.HasLimit = true
		}
	}
	for name, values := range h {
		if !strings.HasPrefix(name, longPeriodPrefix) || len(values) == 0 {
			continue
		}
		n, err := strconv.Atoi(values[0])
		if err != nil {
			continue
		}
		if st.LongPeriods == nil {
			st.LongPeriods = make(map[string]int)
		}
		st.LongPeriods[strings.TrimPrefix(name, longPeriodPrefix)] = n
	}
	return st
}

// exceeded reports whether the response says the request window is
// already exhausted.
func (st RateLimitState) exceeded(status int) bool {
	return status == http.StatusTooManyRequests || (st.HasRemaining && st.Remaining <= 0)
}
