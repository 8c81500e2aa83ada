// Package ratelimit implements the Rate Limiter & Back-pressure Bridge
// (spec.md §4.9/§8, component 8): HTTP-facing token buckets whose 429
// emissions also arm the Admission Queue's cooldown, so user-facing
// back-pressure propagates down to IMAP.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// Cooldown is the subset of the Admission Queue's interface the
// bridge needs. Every backend's queue implements it.
type Cooldown interface {
	SetRateLimited(seconds float64)
}

// Profiles matches spec.md §6's three named limiters.
const (
	GeneralLimit  = 100 // requests/min
	EmailOpsLimit = 30  // requests/min, feeds back-pressure
	AuthLimit     = 10  // requests/min
)

const defaultRetryAfter = 5 * time.Second

// responseHeaders makes httprate emit X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset on every response on a
// limited endpoint (spec.md §6), not only on 429s — httprate.Limit
// alone only calls the LimitHandler override on the 429 path, so
// without this option the three headers would never appear on a
// within-budget response.
var responseHeaders = httprate.WithResponseHeaders(httprate.ResponseHeaders{
	Limit:     "X-RateLimit-Limit",
	Remaining: "X-RateLimit-Remaining",
	Reset:     "X-RateLimit-Reset",
})

// General builds the general API limiter (100/min). It does not feed
// the Admission Queue back-pressure bridge — only email-ops traffic
// does, per spec.md §6.
func General() func(http.Handler) http.Handler {
	return httprate.Limit(
		GeneralLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		responseHeaders,
		httprate.WithLimitHandler(limitHandler(nil)),
	)
}

// Auth builds the sign-in endpoint limiter (10/min). Like General, it
// does not bridge into the Admission Queue.
func Auth() func(http.Handler) http.Handler {
	return httprate.Limit(
		AuthLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		responseHeaders,
		httprate.WithLimitHandler(limitHandler(nil)),
	)
}

// EmailOps builds the email-operations limiter (30/min). Its 429s also
// call cooldowns[backend].SetRateLimited, propagating the same
// Retry-After value down into that backend's Admission Queue so IMAP
// traffic pauses in lockstep with the HTTP-facing limit (spec.md §4.6
// "External rate-limit hook", §8 scenario 4).
func EmailOps(resolveBackend func(r *http.Request) string, cooldowns map[string]Cooldown) func(http.Handler) http.Handler {
	return httprate.Limit(
		EmailOpsLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		responseHeaders,
		httprate.WithLimitHandler(limitHandler(func(r *http.Request) {
			backend := resolveBackend(r)
			if c, ok := cooldowns[backend]; ok {
				c.SetRateLimited(defaultRetryAfter.Seconds())
			}
		})),
	)
}

// limitHandler emits Retry-After and, when bridge is non-nil, arms the
// matching Admission Queue cooldown before responding 429. The three
// X-RateLimit-* headers are handled uniformly for every response,
// 429 or not, by the responseHeaders option above.
func limitHandler(bridge func(r *http.Request)) httprate.LimitHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", strconv.Itoa(int(defaultRetryAfter.Seconds())))

		if bridge != nil {
			bridge(r)
		}

		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}
}
