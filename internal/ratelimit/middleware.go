package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/facturation-api/internal/common"
)

// Handler throttles requests sharing a key, by default the customer in the route.
type Handler struct {
	Limiter Limiter
	Key     func(*http.Request) string
	Window  time.Duration
	Max     int
	OnError func(error)
}

// CustomerKey keys the limit on the {customerId} route parameter.
func CustomerKey(r *http.Request) string {
	return "customer:" + chi.URLParam(r, "customerId")
}

// Middleware enforces the limit. Limiter failures let the request through.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Max <= 0 {
		return next
	}
	keyFn := h.Key
	if keyFn == nil {
		keyFn = CustomerKey
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := h.Limiter.Allow(r.Context(), keyFn(r), h.Window, h.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(h.Max))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many payment submissions", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
