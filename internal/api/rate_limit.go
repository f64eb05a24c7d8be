package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelstage/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

func (s *Server) subject(r *http.Request) string {
	subject := strings.TrimSpace(r.Header.Get(s.userIDHeader))
	if subject == "" {
		return "anonymous"
	}
	return subject
}

// admit spends cost tokens for the caller and writes a 429 when the bucket
// is empty. Limiter failures let the request through.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	route := routeLabel(r.URL.Path)
	subject := s.subject(r) + ":" + route
	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	if err != nil {
		s.logger.Warnf("rate limiter check failed subject=%s: %v", subject, err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
