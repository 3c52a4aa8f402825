package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"bestprice-proxy/internal/metrics"
)

// requestSeries returns the label sets and values of the inbound request counter.
func requestSeries(t *testing.T, m *metrics.Metrics) map[[3]string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	out := make(map[[3]string]float64)
	for _, f := range families {
		if f.GetName() != "bestprice_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			out[seriesKey(metric)] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func seriesKey(metric *dto.Metric) [3]string {
	var key [3]string
	for _, lp := range metric.GetLabel() {
		switch lp.GetName() {
		case "method":
			key[0] = lp.GetValue()
		case "status_code":
			key[1] = lp.GetValue()
		case "path_prefix":
			key[2] = lp.GetValue()
		}
	}
	return key
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		handler echo.HandlerFunc
		want    [3]string
	}{
		{
			name:    "proxied page",
			method:  http.MethodGet,
			path:    "/?proxy=http://example.com/",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:    [3]string{"GET", "200", "/"},
		},
		{
			name:    "handler JSON error",
			method:  http.MethodGet,
			path:    "/",
			handler: func(c echo.Context) error { return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "x"}) },
			want:    [3]string{"GET", "504", "/"},
		},
		{
			name:    "echo HTTP error",
			method:  http.MethodGet,
			path:    "/",
			handler: func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound, "not found") },
			want:    [3]string{"GET", "404", "/"},
		},
		{
			name:    "arbitrary path collapsed",
			method:  http.MethodHead,
			path:    "/deep/page?proxy=http://example.com/",
			handler: func(c echo.Context) error { return c.NoContent(http.StatusOK) },
			want:    [3]string{"HEAD", "200", "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.Any("/*", tt.handler)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			e.ServeHTTP(httptest.NewRecorder(), req)

			series := requestSeries(t, m)
			if got := series[tt.want]; got != 1 {
				t.Errorf("series %v = %v, want 1 (have %v)", tt.want, got, series)
			}
		})
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Add("XYZZY", "/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	series := requestSeries(t, m)
	if len(series) != 1 {
		t.Fatalf("series = %v, want exactly one", series)
	}
	for key := range series {
		if key[0] != "other" {
			t.Errorf("method = %q, want %q", key[0], "other")
		}
		if key[2] != "/" {
			t.Errorf("path_prefix = %q, want %q", key[2], "/")
		}
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "bestprice_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected bestprice_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := requestSeries(t, m)[[3]string{"GET", "404", "other"}]; got != 1 {
		t.Errorf("GET/404/other = %v, want 1", got)
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	var g dto.Metric
	if err := m.RequestsInFlight.Write(&g); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if v := g.GetGauge().GetValue(); v != 0 {
		t.Errorf("in-flight = %v, want 0", v)
	}
}
