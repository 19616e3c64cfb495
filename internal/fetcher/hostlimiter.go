package fetcher

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// HostLimiter enforces a minimum spacing between requests to the same
// registrable domain. It is process-wide: one limiter per domain, shared by
// all workers, which gives round-robin-ish fairness across hosts.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	spacing  time.Duration
}

// NewHostLimiter creates a limiter with the given per-host minimum spacing.
func NewHostLimiter(minSpacing time.Duration) *HostLimiter {
	if minSpacing <= 0 {
		minSpacing = 500 * time.Millisecond
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		spacing:  minSpacing,
	}
}

// Wait blocks until a request to rawURL's registrable domain is permitted,
// or ctx is cancelled.
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	return h.limiterFor(rawURL).Wait(ctx)
}

func (h *HostLimiter) limiterFor(rawURL string) *rate.Limiter {
	key := RegistrableDomain(rawURL)

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(h.spacing), 1)
	h.limiters[key] = l
	return l
}

// RegistrableDomain reduces a URL to its eTLD+1 (e.g. "news.bbc.co.uk" →
// "bbc.co.uk"). Unparseable input falls back to the raw host string so the
// limiter still keys consistently.
func RegistrableDomain(rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}
