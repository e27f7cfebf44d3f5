// Package fetch issues compiled OData collection requests against backend
// services, with per-service circuit breaking, retries and rate limiting.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/internal/observability"
	"github.com/pitabwire/odatagrid/model"
)

// MaxBodySize caps the response body read from a backend.
const MaxBodySize = 10 << 20

const defaultTimeout = 10 * time.Second

// Recorder receives backend metrics. *observability.Metrics implements it.
type Recorder interface {
	RecordBackendRequest(serviceID string, status int, duration time.Duration)
	SetBackendCircuitBreakerState(serviceID string, state float64)
	RecordBackendRetry(serviceID string)
	RecordBackendThrottle(serviceID string, wait time.Duration)
}

// ServiceFetcher is the model.Fetcher of one backend service.
type ServiceFetcher struct {
	id      string
	cfg     config.ServiceConfig
	client  *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics Recorder
}

// ServiceOption configures a ServiceFetcher.
type ServiceOption func(*ServiceFetcher)

// WithHTTPClient replaces the HTTP client. The service timeout is not applied
// to a supplied client.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *ServiceFetcher) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *ServiceFetcher) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) ServiceOption {
	return func(s *ServiceFetcher) { s.metrics = r }
}

// NewServiceFetcher returns a fetcher for service id configured by cfg.
func NewServiceFetcher(id string, cfg config.ServiceConfig, opts ...ServiceOption) *ServiceFetcher {
	s := &ServiceFetcher{id: id, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("service_id", id))

	if s.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		s.client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	cb := cfg.CircuitBreaker
	s.breaker = NewBreaker(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Cooldown:           cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
		OnStateChange:      s.onBreakerChange,
	})

	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	return s
}

// ID returns the service id.
func (s *ServiceFetcher) ID() string { return s.id }

// BaseURL returns the configured base URL of the service.
func (s *ServiceFetcher) BaseURL() string { return s.cfg.BaseURL }

// Breaker returns the service's circuit breaker.
func (s *ServiceFetcher) Breaker() *Breaker { return s.breaker }

// Fetch implements model.Fetcher. rawURL is the compiled URL; it is encoded
// for the wire before sending. Non-2xx responses become BACKEND_ERROR, an
// open breaker or unreachable host BACKEND_UNAVAILABLE, and timeouts
// BACKEND_TIMEOUT.
func (s *ServiceFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	wire, err := WireURL(rawURL)
	if err != nil {
		return nil, err
	}

	attempts := s.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if s.metrics != nil {
				s.metrics.RecordBackendRetry(s.id)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(s.cfg.Retry, attempt-1)):
			}
		}

		body, status, err := s.fetchOnce(ctx, wire, attempt)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err, status) {
			return nil, err
		}
		s.logger.Debug("retrying backend request",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (s *ServiceFetcher) fetchOnce(ctx context.Context, wireURL string, attempt int) (body []byte, status int, err error) {
	ctx, span := observability.StartSpan(ctx, "backend.fetch",
		observability.AttrServiceID.String(s.id),
		observability.AttrAttempt.Int(attempt),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := s.breaker.Allow(); err != nil {
		return nil, 0, model.NewBackendUnavailableError()
	}
	if err := s.throttle(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wireURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: build request: %w", err)
	}
	s.setHeaders(ctx, req.Header)
	if ce := s.logger.Check(zap.DebugLevel, "backend request"); ce != nil {
		ce.Write(
			zap.String("url", wireURL),
			zap.Int("attempt", attempt),
			zap.Any("headers", observability.RedactHeaders(req.Header)),
		)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		s.record(0, time.Since(start))
		return nil, 0, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	s.record(resp.StatusCode, time.Since(start))
	if err != nil {
		s.breaker.RecordFailure()
		return nil, resp.StatusCode, classify(ctx, err)
	}

	switch {
	case resp.StatusCode >= 500:
		s.breaker.RecordFailure()
	case resp.StatusCode < 400:
		s.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		level := s.logger.Warn
		if resp.StatusCode >= 500 {
			level = s.logger.Error
		}
		level("backend returned error status", zap.Int("status", resp.StatusCode))
		return nil, resp.StatusCode, model.NewBackendError(resp.StatusCode)
	}
	if len(body) > MaxBodySize {
		return nil, resp.StatusCode, fmt.Errorf("fetch: response body exceeds %d bytes", MaxBodySize)
	}
	return body, resp.StatusCode, nil
}

func (s *ServiceFetcher) throttle(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := s.limiter.Wait(ctx); err != nil {
		return model.NewRateLimitedError()
	}
	if waited := time.Since(start); waited > time.Millisecond && s.metrics != nil {
		s.metrics.RecordBackendThrottle(s.id, waited)
	}
	return nil
}

func (s *ServiceFetcher) setHeaders(ctx context.Context, h http.Header) {
	h.Set("Accept", "application/json")
	h.Set("OData-MaxVersion", "4.0")
	for k, v := range s.cfg.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		setIfPresent(h, "X-Correlation-Id", rctx.CorrelationID)
		setIfPresent(h, "X-Request-Subject", rctx.SubjectID)
		setIfPresent(h, "X-Tenant-Id", rctx.TenantID)
	}
	observability.InjectTraceHeaders(ctx, h)
}

func (s *ServiceFetcher) record(status int, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordBackendRequest(s.id, status, d)
	}
}

func (s *ServiceFetcher) onBreakerChange(from, to BreakerState) {
	if s.metrics != nil {
		s.metrics.SetBackendCircuitBreakerState(s.id, float64(to))
	}
	log := s.logger.Info
	if to == BreakerOpen {
		log = s.logger.Warn
	}
	log("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// HealthCheck reports the service unhealthy while its breaker is open.
func (s *ServiceFetcher) HealthCheck(context.Context) error {
	if s.breaker.State() == BreakerOpen {
		return fmt.Errorf("circuit breaker open for %s", s.id)
	}
	return nil
}

func setIfPresent(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, sanitizeHeader(value))
	}
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.NewBackendTimeoutError()
	}
	if ctx.Err() != nil {
		return fmt.Errorf("fetch: request cancelled: %w", ctx.Err())
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return model.NewBackendUnavailableError()
	}
	return fmt.Errorf("fetch: request failed: %w", err)
}

// retryable reports whether a failed GET is worth repeating. Timeouts,
// unclassified transport errors and 500/502/503/504 are retried.
func retryable(err error, status int) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return status == 0
	}
	switch env.Code {
	case model.ErrBackendTimeout:
		return true
	case model.ErrBackendError:
		switch status {
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func backoff(cfg config.RetryConfig, retry int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	limit := cfg.BackoffMax
	if limit <= 0 {
		limit = 2 * time.Second
	}

	delay := initial
	for i := 1; i < retry; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}
