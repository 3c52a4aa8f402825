// Package handler implements the HTTP endpoints of the proxy.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Pages are
// proxied from any path; only the service routes are reserved.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.Match([]string{http.MethodGet, http.MethodHead}, "/*", proxy.Handle)
}
