package middleware

import (
	"math"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/pkg/cmsserver/api/handlers"
)

// RateLimit rejects requests beyond a shared token bucket with 429. A nil
// limiter lets every request through.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				handlers.TooManyRequests(w, "Request rate exceeded", 1)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				logger.Debug("API request throttled", "path", r.URL.Path, "retry_after", delay.String())
				handlers.TooManyRequests(w, "Request rate exceeded", int(math.Ceil(delay.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLimiter builds the limiter for rps and burst. A negative rate
// disables limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps < 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
