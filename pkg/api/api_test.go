package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ladybirdbrowser/wptsync/pkg/config"
	"github.com/ladybirdbrowser/wptsync/pkg/report"
	"github.com/ladybirdbrowser/wptsync/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(
	t *testing.T, cfg *config.APIConfig,
) (*httptest.Server, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	srv := NewServer(log, cfg, st).(*server)
	ts := httptest.NewServer(srv.buildRouter())

	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Stop())
		_ = st.Stop()
	})

	return ts, st
}

func seedRuns(t *testing.T, st store.Store) *store.Product {
	t.Helper()

	ctx := context.Background()

	product, err := st.CreateProduct(ctx, "ladybird")
	require.NoError(t, err)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)

		require.NoError(t, st.CreateRunWithCategories(ctx, &store.Run{
			RunID:          int64(100 + i),
			ProductID:      product.ID,
			CreatedAt:      ts,
			TimeStart:      ts,
			TimeEnd:        ts.Add(time.Minute),
			RawRunMetadata: `{"browser_name":"ladybird"}`,
		}, []store.RunCategory{
			{Category: "css", SubtestTotal: 10, SubtestPasses: int64(i)},
			{Category: "dom", SubtestTotal: 4, SubtestPasses: 4},
		}))
	}

	return product
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestHandleHealth(t *testing.T) {
	ts, _ := setupTestServer(t, &config.APIConfig{})

	var body map[string]string

	status := getJSON(t, ts.URL+"/api/v1/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestHandleListProducts(t *testing.T) {
	ts, st := setupTestServer(t, &config.APIConfig{})
	seedRuns(t, st)

	_, err := st.CreateProduct(context.Background(), "servo")
	require.NoError(t, err)

	var body struct {
		Products []report.Product `json:"products"`
	}

	status := getJSON(t, ts.URL+"/api/v1/products", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Products, 2)
	assert.Equal(t, "ladybird", body.Products[0].Name)
	assert.Equal(t, "servo", body.Products[1].Name)
}

func TestHandleListProductRuns(t *testing.T) {
	ts, st := setupTestServer(t, &config.APIConfig{})
	seedRuns(t, st)

	type runsBody struct {
		Product report.Product      `json:"product"`
		Runs    []report.RunSummary `json:"runs"`
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantRuns   []int64
	}{
		{
			name:       "newest first",
			path:       "/api/v1/products/ladybird/runs",
			wantStatus: http.StatusOK,
			wantRuns:   []int64{102, 101, 100},
		},
		{
			name:       "limited",
			path:       "/api/v1/products/ladybird/runs?limit=2",
			wantStatus: http.StatusOK,
			wantRuns:   []int64{102, 101},
		},
		{
			name:       "limit above maximum is clamped",
			path:       "/api/v1/products/ladybird/runs?limit=100000",
			wantStatus: http.StatusOK,
			wantRuns:   []int64{102, 101, 100},
		},
		{
			name:       "invalid limit",
			path:       "/api/v1/products/ladybird/runs?limit=zero",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown product",
			path:       "/api/v1/products/netscape/runs",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body runsBody

			status := getJSON(t, ts.URL+tt.path, &body)
			require.Equal(t, tt.wantStatus, status)

			if tt.wantStatus != http.StatusOK {
				return
			}

			assert.Equal(t, "ladybird", body.Product.Name)

			ids := make([]int64, 0, len(body.Runs))
			for _, r := range body.Runs {
				ids = append(ids, r.RunID)
			}

			assert.Equal(t, tt.wantRuns, ids)
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	ts, st := setupTestServer(t, &config.APIConfig{})
	seedRuns(t, st)

	var run report.Run

	status := getJSON(t, ts.URL+"/api/v1/runs/102", &run)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, int64(102), run.RunID)
	assert.Equal(t, int64(14), run.Total)
	assert.Equal(t, int64(6), run.Passes)
	require.Len(t, run.Categories, 2)
	assert.Equal(t, "css", run.Categories[0].Name)
	assert.JSONEq(t, `{"browser_name":"ladybird"}`, string(run.Metadata))

	var errBody errorResponse

	status = getJSON(t, ts.URL+"/api/v1/runs/999", &errBody)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run not found", errBody.Error)

	status = getJSON(t, ts.URL+"/api/v1/runs/abc", &errBody)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimit_PerRoute(t *testing.T) {
	ts, st := setupTestServer(t, &config.APIConfig{
		Server: config.APIServerConfig{
			RateLimit: config.RateLimitConfig{
				Enabled: true,
				Public:  config.RateLimitTier{RequestsPerMinute: 2},
			},
		},
	})
	seedRuns(t, st)

	for i := 0; i < 2; i++ {
		status := getJSON(t, ts.URL+"/api/v1/products", nil)
		assert.Equal(t, http.StatusOK, status)
	}

	resp, err := http.Get(ts.URL + "/api/v1/products")
	require.NoError(t, err)

	var errBody errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limit exceeded", errBody.Error)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Other reporting routes keep their own budget.
	status := getJSON(t, ts.URL+"/api/v1/runs/100", nil)
	assert.Equal(t, http.StatusOK, status)

	// Different runs share the budget of the run route.
	status = getJSON(t, ts.URL+"/api/v1/runs/101", nil)
	assert.Equal(t, http.StatusOK, status)

	status = getJSON(t, ts.URL+"/api/v1/runs/102", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// Health checks are never limited.
	status = getJSON(t, ts.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", xff: "1.2.3.4, 10.0.0.1", remoteAddr: "10.0.0.2:1", want: "1.2.3.4"},
		{name: "single forwarded", xff: "1.2.3.4", remoteAddr: "10.0.0.2:1", want: "1.2.3.4"},
		{name: "remote without port", remoteAddr: "10.0.0.3", want: "10.0.0.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(r))
		})
	}
}

func TestRouteLimiter(t *testing.T) {
	l := newRouteLimiter(config.RateLimitTier{RequestsPerMinute: 60})
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	key := routeKey{client: "1.1.1.1", route: "/api/v1/products"}

	for i := 0; i < 60; i++ {
		ok, _ := l.allow(key, now)
		require.True(t, ok, "request %d within burst", i)
	}

	ok, wait := l.allow(key, now)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait, "one token per second")

	ok, _ = l.allow(routeKey{client: "2.2.2.2", route: key.route}, now)
	assert.True(t, ok, "clients are independent")

	ok, _ = l.allow(key, now.Add(time.Second))
	assert.True(t, ok, "bucket refills")

	l.evict(now.Add(time.Minute))
	assert.Len(t, l.buckets, 2)

	l.evict(now.Add(rateLimitEntryTTL + time.Minute))
	assert.Empty(t, l.buckets)
}
