package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"bestprice-proxy/internal/client"
	"bestprice-proxy/internal/config"
	"bestprice-proxy/internal/metrics"
	"bestprice-proxy/internal/model"
)

func newTestService(t *testing.T, timeout time.Duration, m *metrics.Metrics) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		ListenPort:         8080,
		ClientTimeout:      timeout,
		ClientBodyMaxBytes: config.DefaultClientBodyMaxBytes,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pc := client.NewPageClient(cfg, logger, m)
	return NewProxyService(pc, cfg, logger, m)
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	m := metrics.New()
	svc := newTestService(t, 10*time.Second, m)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:     context.Background(),
		Target:  upstream.URL + "/index.html",
		Replace: true,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != rewritten {
		t.Errorf("Body = %q, want %q", resp.Body, rewritten)
	}
	if resp.Replacements != 1 {
		t.Errorf("Replacements = %d, want 1", resp.Replacements)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "bestprice_proxy_rewrite_replacements_total" {
			found = true
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("rewrite replacements = %v, want 1", v)
			}
		}
	}
	if !found {
		t.Error("expected bestprice_proxy_rewrite_replacements_total")
	}
}

func TestForward_NoReplace(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	svc := newTestService(t, 10*time.Second, nil)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Target: upstream.URL,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if string(resp.Body) != page {
		t.Errorf("Body = %q, want untouched %q", resp.Body, page)
	}
}

func TestForward_InvalidTarget(t *testing.T) {
	svc := newTestService(t, time.Second, nil)

	for _, target := range []string{"", "example.com/x", "ftp://example.com/", "http://", "/relative"} {
		t.Run(target, func(t *testing.T) {
			_, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: target})
			if !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("Forward(%q) error = %v, want ErrInvalidTarget", target, err)
			}
		})
	}
}

func TestForward_TimeoutThenRecovery(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	svc := newTestService(t, 200*time.Millisecond, nil)

	_, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: upstream.URL + "/slow", Replace: true})
	if !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("Forward() error = %v, want client.ErrTimeout", err)
	}

	resp, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: upstream.URL + "/fast", Replace: true})
	if err != nil {
		t.Fatalf("Forward() after timeout error = %v", err)
	}
	if string(resp.Body) != rewritten {
		t.Errorf("Body = %q, want %q", resp.Body, rewritten)
	}
}

func TestForward_DecodeError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("garbage"))
	}))
	defer upstream.Close()

	var logs bytes.Buffer
	cfg := &config.Config{ListenPort: 8080, ClientTimeout: 10 * time.Second}
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	svc := NewProxyService(client.NewPageClient(cfg, logger, nil), cfg, logger, nil)

	_, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: upstream.URL, Replace: true})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Forward() error = %v, want ErrDecode", err)
	}
	if !strings.Contains(logs.String(), `msg="post-process failed"`) {
		t.Errorf("logs = %q, want a post-process failure", logs.String())
	}
	if strings.Contains(logs.String(), `msg="fetch failed"`) {
		t.Errorf("logs = %q, fetch itself succeeded", logs.String())
	}
}

func TestForward_ConcurrentRequestsAreIndependent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") == "1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `<a href="http://example.com/%s">`, r.URL.Query().Get("n"))
	}))
	defer upstream.Close()

	svc := newTestService(t, 10*time.Second, nil)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			target := fmt.Sprintf("%s/?n=%d", upstream.URL, i)
			if i%4 == 0 {
				target += "&fail=1"
			}

			resp, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Target: target, Replace: true})
			if i%4 == 0 {
				if !errors.Is(err, client.ErrStatus) {
					return fmt.Errorf("request %d: error = %v, want ErrStatus", i, err)
				}
				return nil
			}
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}

			want := fmt.Sprintf(`<a href=window.location.origin + ":8080/?proxy=http://example.com/%d">`, i)
			if string(resp.Body) != want {
				return fmt.Errorf("request %d: body = %q, want %q", i, resp.Body, want)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
