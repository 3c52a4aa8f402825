// Package service implements the page fetching and rewriting pipeline.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"bestprice-proxy/internal/client"
	"bestprice-proxy/internal/config"
	"bestprice-proxy/internal/metrics"
	"bestprice-proxy/internal/model"
)

// ErrInvalidTarget is returned when the requested URL is not an absolute
// http or https URL.
var ErrInvalidTarget = errors.New("target must be an absolute http or https URL")

// ProxyService fetches pages and post-processes them for the caller.
type ProxyService struct {
	client  *client.PageClient
	port    uint16
	maxBody int64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. Rewritten URLs point at the
// configured listen port. The metrics parameter may be nil.
func NewProxyService(c *client.PageClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		port:    cfg.ListenPort,
		maxBody: bodyLimit(cfg),
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Forward fetches pr.Target and returns the post-processed page.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if err := checkTarget(pr.Target); err != nil {
		s.logger.Warn("invalid target", "url", pr.Target, "err", err)
		return nil, err
	}

	res, err := s.client.Get(pr.Ctx, pr.Target)
	if err != nil {
		s.logger.Error("fetch failed", "url", pr.Target, "err", err)
		return nil, fmt.Errorf("forward %s: %w", pr.Target, err)
	}

	out, err := PostProcess(res, pr.Replace, s.port, s.maxBody)
	if err != nil {
		s.logger.Error("post-process failed", "url", pr.Target, "err", err)
		return nil, fmt.Errorf("forward %s: %w", pr.Target, err)
	}

	if pr.Replace {
		s.logger.Info("page fetched", "url", pr.Target, "size", len(out.Body), "replaced", out.Replacements)
		if s.metrics != nil {
			s.metrics.RewriteReplacements.Add(float64(out.Replacements))
		}
	} else {
		s.logger.Info("page fetched", "url", pr.Target, "size", len(out.Body))
	}

	return out, nil
}

// bodyLimit bounds both the fetched and the decoded page.
func bodyLimit(cfg *config.Config) int64 {
	if cfg.ClientBodyMaxBytes > 0 {
		return cfg.ClientBodyMaxBytes
	}
	return config.DefaultClientBodyMaxBytes
}

func checkTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: got %q", ErrInvalidTarget, target)
	}
	return nil
}
