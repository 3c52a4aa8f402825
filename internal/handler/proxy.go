package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"bestprice-proxy/internal/client"
	"bestprice-proxy/internal/config"
	"bestprice-proxy/internal/model"
	"bestprice-proxy/internal/service"
)

// Query parameters understood by the proxy endpoint.
const (
	targetParam  = "proxy"
	replaceParam = "replace"
	accessParam  = "access"

	accessBuild = "build"
)

// ProxyHandler serves proxied pages.
type ProxyHandler struct {
	service *service.ProxyService
	appName string
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		appName: cfg.AppName,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the page named by the proxy query parameter and writes the
// post-processed result. access=build answers with a static notice instead.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	own, target := splitQuery(req.URL.RawQuery)
	params, err := url.ParseQuery(own)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed query string",
		})
	}

	if params.Get(accessParam) == accessBuild {
		return h.diagnostic(c)
	}

	if target == "" {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "nothing to proxy: missing " + targetParam + " parameter",
		})
	}

	replace := true
	if v := params.Get(replaceParam); v != "" {
		replace, err = strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "replace must be a boolean",
			})
		}
	}

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		RemoteAddr: req.RemoteAddr,
		Target:     target,
		Replace:    replace,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	out := c.Response().Header()
	for key, vals := range resp.Header {
		out.Del(key)
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body", "err", err, "url", target)
	}
	return nil
}

func (h *ProxyHandler) diagnostic(c echo.Context) error {
	h.logger.Info("simple CORS access page requested", "remote_addr", c.Request().RemoteAddr)
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.String(http.StatusOK, h.appName+": simple CORS access page\n")
}

// splitQuery separates the proxy's own parameters from the page URL.
// Rewritten pages link to /?proxy=<url> without escaping the URL, so
// everything after "proxy=" belongs to the target, including any '&' it
// contains; the proxy's own parameters must come first. A fully
// percent-encoded target is decoded.
func splitQuery(rawQuery string) (own, target string) {
	var raw string
	switch {
	case strings.HasPrefix(rawQuery, targetParam+"="):
		raw = rawQuery[len(targetParam)+1:]
	default:
		i := strings.Index(rawQuery, "&"+targetParam+"=")
		if i < 0 {
			return rawQuery, ""
		}
		own = rawQuery[:i]
		raw = rawQuery[i+len(targetParam)+2:]
	}

	if !strings.Contains(raw, "://") {
		if decoded, err := url.QueryUnescape(raw); err == nil {
			raw = decoded
		}
	}
	return own, raw
}

// mapError translates a Forward error into the response. The service has
// already logged the failure.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidTarget):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "proxy parameter must be an absolute http or https URL",
		})
	case errors.Is(err, client.ErrTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case errors.Is(err, client.ErrCanceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	case errors.Is(err, client.ErrStatus):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream returned an error status",
		})
	case errors.Is(err, client.ErrBodyTooLarge):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response too large",
		})
	case errors.Is(err, service.ErrDecode):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response could not be decoded",
		})
	case errors.Is(err, client.ErrConnection):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	h.logger.Error("unclassified proxy error", "err", err, "path", c.Request().URL.Path)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
