package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

const rateLimitWindow = time.Minute

// CounterFactory returns the counter backing one limiter; name tells limiters apart when
// they share a backend. A nil factory keeps counters in process memory.
type CounterFactory func(name string) httprate.LimitCounter

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusTooManyRequests, "too many requests")
}

func keyByUser(r *http.Request) (string, error) {
	return GetUserID(r.Context()), nil
}

func limiter(perMinute int, counters CounterFactory, name string, key httprate.KeyFunc) func(http.Handler) http.Handler {
	opts := []httprate.Option{
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(tooManyRequests),
	}
	if counters != nil {
		opts = append(opts, httprate.WithLimitCounter(counters(name)))
	}
	return httprate.Limit(perMinute, rateLimitWindow, opts...)
}

// RateLimit caps requests per client IP and, behind TokenAuth, per user. perMinute <= 0
// disables it. Place chi's RealIP in front so RemoteAddr is the client address.
// The returned middleware may be mounted on several routes; they share one budget.
func RateLimit(perMinute int, counters CounterFactory) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	byIP := limiter(perMinute, counters, "ip", httprate.KeyByIP)
	byUser := limiter(perMinute, counters, "user", keyByUser)
	return func(next http.Handler) http.Handler {
		anonymous := byIP(next)
		authed := byIP(byUser(next))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserID(r.Context()) == "" {
				anonymous.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
}
