package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/audiobrief/internal/metrics"
	"github.com/hitoshi/audiobrief/internal/middleware"
	"github.com/hitoshi/audiobrief/internal/model"
)

func newTestRouter(t *testing.T, svc *mockBriefingService, rl *middleware.RateLimiter) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)
	return NewRouter(&RouterDeps{
		Service:     svc,
		RateLimiter: rl,
		Logger:      newTestLogger(&buf),
		Gatherer:    reg,
	}), &buf
}

func serve(router http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = jsonRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNewRouter_AllEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, &mockBriefingService{}, nil)

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodPost, "/api/tasks", `{}`, http.StatusAccepted},
		{http.MethodGet, "/api/tasks/unknown", "", http.StatusNotFound},
		{http.MethodPost, "/api/interactions", `{"interaction_type": "liked", "genre": "science"}`, http.StatusOK},
		{http.MethodGet, "/api/preferences", "", http.StatusOK},
		{http.MethodDelete, "/api/preferences", "", http.StatusNoContent},
		{http.MethodGet, "/api/feed-cache/stats", "", http.StatusOK},
		{http.MethodDelete, "/api/feed-cache", "", http.StatusNoContent},
		{http.MethodGet, "/api/schedules", "", http.StatusOK},
		{http.MethodPost, "/api/schedules", `{"interval_minutes": 60}`, http.StatusCreated},
		{http.MethodDelete, "/api/schedules/s1", "", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, "user-1", tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestNewRouter_ProtectedRoutes_RequireUser(t *testing.T) {
	router, _ := newTestRouter(t, &mockBriefingService{}, nil)

	paths := []string{"/api/tasks/t1", "/api/preferences", "/api/schedules", "/api/feed-cache/stats"}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			if w := serve(router, http.MethodGet, p, "", ""); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_HealthAndMetrics_NoUserRequired(t *testing.T) {
	router, _ := newTestRouter(t, &mockBriefingService{}, nil)

	if w := serve(router, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	w := serve(router, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "audiobrief_") {
		t.Error("/metrics はアプリケーションのメトリクスを含むべき")
	}
}

func TestNewRouter_TaskCreationRateLimit(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		TaskCreateRate:  0.001,
		TaskCreateBurst: 1,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)
	router, _ := newTestRouter(t, &mockBriefingService{}, rl)

	if w := serve(router, http.MethodPost, "/api/tasks", "user-1", `{}`); w.Code != http.StatusAccepted {
		t.Fatalf("1回目: status = %d, want 202", w.Code)
	}
	if w := serve(router, http.MethodPost, "/api/tasks", "user-1", `{}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目: status = %d, want 429", w.Code)
	}
	if w := serve(router, http.MethodGet, "/api/preferences", "user-1", ""); w.Code != http.StatusOK {
		t.Errorf("他のエンドポイントは制限されないべき: status = %d", w.Code)
	}
}

func TestNewRouter_RecoversFromPanic(t *testing.T) {
	svc := &mockBriefingService{
		getPrefsFn: func(ctx context.Context, userID string) (model.ProfileSummary, error) {
			panic("unexpected")
		},
	}
	router, buf := newTestRouter(t, svc, nil)

	w := serve(router, http.MethodGet, "/api/preferences", "user-1", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") || !strings.Contains(buf.String(), `"status":500`) {
		t.Errorf("パニックと500がログに記録されるべき: %s", buf.String())
	}
}
