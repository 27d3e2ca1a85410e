package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/absamo/triven-workflow/pkg/cmd"
	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/log"
	"github.com/absamo/triven-workflow/pkg/metrics"
	"github.com/absamo/triven-workflow/pkg/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()

	ctx := context.Background()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.New(registry)

	cfg := config.Default()
	cfg.Directory.Users = []config.User{{ID: "u1", CompanyID: "c1", Name: "U1", Email: "u1@example.com", Roles: []string{"Admin"}}}

	stack, err := cmd.NewStack(ctx, log.Discard(), cmd.StackConfig{
		DatabaseURL: "memory://",
		Engine:      cfg,
		Metrics:     collector,
	})
	require.NoError(t, err)
	require.NoError(t, stack.SeedDirectory(ctx))

	t.Cleanup(func() { _ = stack.Close(ctx) })

	return NewAPI(log.Discard(), stack, realtime.NewHub(log.Discard()), registry)
}

func get(t *testing.T, api *API, path string, headers map[string]string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := api.App().Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_Routes(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	tests := []struct {
		name     string
		path     string
		headers  map[string]string
		status   int
		contains string
	}{
		{name: "root", path: "/", status: http.StatusOK, contains: "Triven Workflow API"},
		{name: "liveness", path: "/livez", status: http.StatusOK},
		{name: "readiness", path: "/readyz", status: http.StatusOK},
		{name: "health", path: "/health", status: http.StatusOK, contains: "healthy"},
		{name: "metrics", path: "/metrics", status: http.StatusOK, contains: "go_goroutines"},
		{name: "identity required", path: "/approvals", status: http.StatusUnauthorized},
		{
			name:     "templates listed",
			path:     "/templates",
			headers:  map[string]string{"X-User-ID": "u1", "X-Company-ID": "c1"},
			status:   http.StatusOK,
			contains: `"total":0`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(t, api, tt.path, tt.headers)
			assert.Equal(t, tt.status, status)

			if tt.contains != "" {
				assert.True(t, strings.Contains(body, tt.contains), body)
			}
		})
	}
}
