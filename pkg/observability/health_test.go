package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker("test")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	checker.Liveness(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != StatusHealthy {
		t.Errorf("Expected status %s, got %v", StatusHealthy, body["status"])
	}
}

func TestHealthChecker_Check(t *testing.T) {
	failing := func(ctx context.Context) error { return errors.New("down") }
	passing := func(ctx context.Context) error { return nil }

	tests := []struct {
		name   string
		setup  func(h *HealthChecker)
		status string
	}{
		{"no checks", func(h *HealthChecker) {}, StatusHealthy},
		{"all passing", func(h *HealthChecker) {
			h.AddCheck("store", true, passing)
			h.AddCheck("cache", false, passing)
		}, StatusHealthy},
		{"optional failing", func(h *HealthChecker) {
			h.AddCheck("store", true, passing)
			h.AddCheck("cache", false, failing)
		}, StatusDegraded},
		{"critical failing", func(h *HealthChecker) {
			h.AddCheck("store", true, failing)
			h.AddCheck("cache", false, failing)
		}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewHealthChecker("v1")
			tt.setup(checker)

			status := checker.Check(context.Background())
			if status.Status != tt.status {
				t.Errorf("Expected status %s, got %s", tt.status, status.Status)
			}
			if status.Version != "v1" {
				t.Errorf("Expected version v1, got %s", status.Version)
			}
		})
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	checker := NewHealthChecker("test")
	checker.AddCheck("store", true, func(ctx context.Context) error { return errors.New("closed") })

	router := mux.NewRouter()
	RegisterHealthRoutes(router, checker)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Dependencies["store"].Message != "closed" {
		t.Errorf("Expected dependency message 'closed', got %q", status.Dependencies["store"].Message)
	}
}

func TestDBCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	if err := DBCheck(db)(context.Background()); err != nil {
		t.Errorf("Expected ping to succeed, got %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	if err := DBCheck(db)(context.Background()); err == nil {
		t.Error("Expected ping to fail")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestRedisCheck(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if err := RedisCheck(client)(context.Background()); err != nil {
		t.Errorf("Expected ping to succeed, got %v", err)
	}

	mr.Close()
	if err := RedisCheck(client)(context.Background()); err == nil {
		t.Error("Expected ping to fail after server shutdown")
	}
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	checker := NewHealthChecker("test")
	checker.CheckTimeout = 20 * time.Millisecond
	checker.AddCheck("cache", false, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	checker.AddCheck("store", true, func(ctx context.Context) error { return nil })

	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("Expected status %s, got %s", StatusDegraded, status.Status)
	}
	if status.Dependencies["cache"].Message != context.DeadlineExceeded.Error() {
		t.Errorf("Expected deadline message, got %q", status.Dependencies["cache"].Message)
	}
	if status.Dependencies["store"].Status != StatusHealthy {
		t.Errorf("Expected store healthy, got %s", status.Dependencies["store"].Status)
	}
}
