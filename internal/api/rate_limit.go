package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/bulkresize/internal/ratelimit"
)

// RateLimiter charges one token per uploaded file.
type RateLimiter interface {
	Take(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// admitBatch charges the caller's bucket for files uploads and writes the
// 429 itself when the batch does not fit. Limiter outages fail open.
func (s *Server) admitBatch(w http.ResponseWriter, r *http.Request, files int) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if subject == "" {
		subject = "anonymous"
	}

	decision, err := s.rateLimiter.Take(r.Context(), subject+":resize", files)
	switch {
	case errors.Is(err, ratelimit.ErrCostExceedsCapacity):
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeText(w, http.StatusTooManyRequests, fmt.Sprintf("batch of %d files exceeds the rate limit", files))
		return false
	case err != nil:
		s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
	writeText(w, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit exceeded: batch needs %d tokens, %d left", decision.Cost, decision.Remaining))
	return false
}
