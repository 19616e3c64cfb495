// Package fetcher implements the polite HTTP fetcher: descriptive
// User-Agent, capped redirects and body size, per-host rate limiting, and
// retry with exponential backoff for transient failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/resilience"
)

// Response is the outcome of a successful fetch.
type Response struct {
	Status      int
	FinalURL    string
	ContentType string
	Body        []byte
	Elapsed     time.Duration
}

// Fetcher performs rate-limited, retrying HTTP GETs.
type Fetcher struct {
	client  *http.Client
	limiter *HostLimiter
	cfg     config.Fetcher
	logger  zerolog.Logger
}

// New creates a Fetcher from config.
func New(cfg config.Fetcher, logger zerolog.Logger) *Fetcher {
	maxRedirects := cfg.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = 5
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Fetcher{
		client:  client,
		limiter: NewHostLimiter(cfg.PerHostMinSpacing),
		cfg:     cfg,
		logger:  logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch GETs url, retrying transient failures on the 250ms/1s/4s schedule.
// The returned error is a *Error once retries are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	var resp *Response
	err := resilience.RetryWithBackoff(ctx, resilience.TransientSchedule("fetch", &f.logger),
		func(ctx context.Context) error {
			r, err := f.fetchOnce(ctx, url, http.MethodGet)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Verify checks that url is reachable: HEAD first, falling back to GET when
// the server rejects HEAD. Any 2xx/3xx status verifies.
func (f *Fetcher) Verify(ctx context.Context, url string) error {
	return resilience.RetryWithBackoff(ctx, resilience.TransientSchedule("verify", &f.logger),
		func(ctx context.Context) error {
			_, err := f.fetchOnce(ctx, url, http.MethodHead)
			if fe, ok := AsError(err); ok && fe.Kind == KindHTTPClient &&
				(fe.Status == http.StatusMethodNotAllowed || fe.Status == http.StatusNotImplemented) {
				_, err = f.fetchOnce(ctx, url, http.MethodGet)
			}
			return err
		})
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, method string) (*Response, error) {
	// Workers re-check cancellation before every external call.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx, url); err != nil {
		return nil, err
	}

	metrics.FetchAttemptsTotal.WithLabelValues().Inc()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, resilience.NewNonRetryableError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	httpResp, err := f.client.Do(req)
	if err != nil {
		fe := classifyTransportError(url, err)
		metrics.FetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()
		return nil, fe
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		kind := KindHTTPClient
		if httpResp.StatusCode >= 500 {
			kind = KindHTTPServer
		}
		fe := &Error{Kind: kind, Status: httpResp.StatusCode, URL: url}
		metrics.FetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()
		return nil, fe
	}

	var body []byte
	if method != http.MethodHead {
		maxBody := f.cfg.MaxBodyBytes
		if maxBody == 0 {
			maxBody = 10 << 20
		}
		body, err = io.ReadAll(io.LimitReader(httpResp.Body, maxBody+1))
		if err != nil {
			fe := classifyTransportError(url, err)
			metrics.FetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()
			return nil, fe
		}
		if int64(len(body)) > maxBody {
			fe := &Error{Kind: KindTooLarge, URL: url}
			metrics.FetchErrorsTotal.WithLabelValues(string(fe.Kind)).Inc()
			return nil, fe
		}
	}

	elapsed := time.Since(start)
	metrics.FetchDuration.WithLabelValues().Observe(elapsed.Seconds())

	return &Response{
		Status:      httpResp.StatusCode,
		FinalURL:    httpResp.Request.URL.String(),
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        body,
		Elapsed:     elapsed,
	}, nil
}

// classifyTransportError maps a transport-level failure to an error kind.
func classifyTransportError(url string, err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNS, URL: url, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	}
	return &Error{Kind: KindConnect, URL: url, Err: err}
}
