package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundayezeilo/urlgroups/internal/config"
	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testServer(checks map[string]Pinger) *Server {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            "0",
			Host:            "127.0.0.1",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			IdleTimeout:     time.Second,
			ShutdownTimeout: time.Second,
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "urlgroups-test",
			ServiceVersion: "test",
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := shortener.NewHandler(shortener.HandlerConfig{Logger: logger})
	return New(cfg, logger, handler, checks)
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		s := testServer(map[string]Pinger{
			"database": pingFunc(func(context.Context) error { return nil }),
		})

		rr := serve(s, http.MethodGet, "/x/health")
		require.Equal(t, http.StatusOK, rr.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "urlgroups-test", body["service"])
		assert.Equal(t, map[string]any{"database": "up"}, body["dependencies"])
	})

	t.Run("a failing dependency degrades", func(t *testing.T) {
		s := testServer(map[string]Pinger{
			"database": pingFunc(func(context.Context) error { return nil }),
			"cache":    pingFunc(func(context.Context) error { return errors.New("refused") }),
		})

		rr := serve(s, http.MethodGet, "/x/health")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), `"cache":"down"`)
	})
}

func TestMetricsRouteWinsOverLinkRoute(t *testing.T) {
	rr := serve(testServer(nil), http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "shortener_operations_total") ||
		strings.Contains(rr.Body.String(), "go_goroutines"))
}

func TestUnknownRoute(t *testing.T) {
	rr := serve(testServer(nil), http.MethodGet, "/a/b/c")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error":"not_found"`)
}

func TestMethodNotAllowed(t *testing.T) {
	rr := serve(testServer(nil), http.MethodDelete, "/api/v1/group/abcdefgh")

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRequestIDHeader(t *testing.T) {
	rr := serve(testServer(nil), http.MethodGet, "/x/health")

	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}
