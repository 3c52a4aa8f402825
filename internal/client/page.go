// Package client provides the outbound HTTP client used to fetch pages.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"bestprice-proxy/internal/config"
	"bestprice-proxy/internal/metrics"
	"bestprice-proxy/internal/model"
)

// Fetch failure classes. Errors returned by Get wrap exactly one of these.
var (
	ErrTimeout      = errors.New("fetch timed out")
	ErrCanceled     = errors.New("fetch canceled")
	ErrConnection   = errors.New("fetch connection failed")
	ErrStatus       = errors.New("upstream returned error status")
	ErrBodyTooLarge = errors.New("upstream body too large")
)

// StatusError carries the upstream status code of a rejected response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Unwrap makes errors.Is(err, ErrStatus) hold for every StatusError.
func (e *StatusError) Unwrap() error {
	return ErrStatus
}

const userAgent = "bestprice-proxy/1.0"

// PageClient fetches pages on behalf of inbound requests. A single instance
// and its connection pool are shared by all requests.
type PageClient struct {
	httpClient *http.Client
	maxBody    int64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewPageClient creates a PageClient with connection pooling and the
// configured timeout. Certificate verification is disabled so that pages on
// hosts with self-signed or expired certificates can still be proxied.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewPageClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *PageClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Gzip bodies are decoded by the post-processor, not the transport.
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // upstream verification is intentionally off
	}

	maxBody := cfg.ClientBodyMaxBytes
	if maxBody <= 0 {
		maxBody = config.DefaultClientBodyMaxBytes
	}

	return &PageClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ClientTimeout,
		},
		maxBody: maxBody,
		logger:  logger.With("component", "page_client"),
		metrics: m,
	}
}

// Get fetches url and reads the whole response body. The context controls
// the lifetime of the fetch: when the inbound client disconnects the fetch is
// abandoned too. Responses with status >= 400 are returned as errors.
func (c *PageClient) Get(ctx context.Context, url string) (*model.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrConnection, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	c.logger.Debug("fetching page", "url", url)

	start := time.Now()
	res, err := c.do(req)
	c.observe(start, res, err)
	return res, err
}

func (c *PageClient) do(req *http.Request) (*model.FetchResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(req.Context(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), &StatusError{Code: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, classify(req.Context(), fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, c.maxBody)
	}

	return &model.FetchResult{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// classify wraps err with the matching fetch failure class.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

func (c *PageClient) observe(start time.Time, res *model.FetchResult, err error) {
	if c.metrics == nil {
		return
	}

	outcome, status := "ok", ""
	switch {
	case err == nil:
		status = strconv.Itoa(res.StatusCode)
	case errors.Is(err, ErrStatus):
		outcome = "status"
		var se *StatusError
		if errors.As(err, &se) {
			status = strconv.Itoa(se.Code)
		}
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrCanceled):
		outcome = "canceled"
	case errors.Is(err, ErrBodyTooLarge):
		outcome = "too_large"
	default:
		outcome = "connection"
	}

	c.metrics.UpstreamDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamResponses.WithLabelValues(outcome, status).Inc()
}
