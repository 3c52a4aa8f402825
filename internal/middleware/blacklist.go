package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bestprice-proxy/internal/access"
	"bestprice-proxy/internal/metrics"
)

// Blacklist returns an Echo middleware that rejects requests whose peer
// address is on the configured blacklist with 403. The check uses the TCP
// peer address only; forwarding headers are ignored. m may be nil.
func Blacklist(filter *access.Filter, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if filter.Check(access.HostOf(c.Request().RemoteAddr)).Allowed() {
				return next(c)
			}

			if m != nil {
				m.BlockedRequests.Inc()
			}
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "forbidden",
			})
		}
	}
}
