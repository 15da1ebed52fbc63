package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/medremind/internal/metrics"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

func TestNewRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"DB正常", &mockHealthChecker{}, http.StatusOK, "ok"},
		{"DB異常", &mockHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unavailable"},
		{"チェッカーなし", nil, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(&RouterDeps{HealthChecker: tt.checker})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body healthResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("status field = %q, want %q", body.Status, tt.wantBody)
			}
		})
	}
}

func TestNewRouter_CallbackRoute(t *testing.T) {
	called := false
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	router := NewRouter(&RouterDeps{Webhook: webhook})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/callback", nil))
	if !called || w.Code != http.StatusOK {
		t.Errorf("POST /callback: called=%v status=%d", called, w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/callback", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /callback status = %d, want 405", w.Code)
	}
}

func TestNewRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	c.RecordEvent("text")

	router := NewRouter(&RouterDeps{Gatherer: reg})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "medremind_webhook_events_total") {
		t.Errorf("metrics body missing events counter: %s", body)
	}
}

func TestNewRouter_MetricsDisabledWithoutGatherer(t *testing.T) {
	router := NewRouter(&RouterDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_RecoversPanics(t *testing.T) {
	webhook := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	router := NewRouter(&RouterDeps{Webhook: webhook, Logger: newTestLogger(&bytes.Buffer{})})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/callback", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
