package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func staticChecker(status, msg string) ReadinessChecker {
	return ReadinessFunc(func() (string, string) { return status, msg })
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	var resp healthLiveResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Status != "ok" || resp.Service != "lifecycle-module" {
		t.Errorf("статус %d, ответ %+v", rec.Code, resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg         ReadinessChecker
		storage    ReadinessChecker
		jwks       ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", staticChecker("ok", ""), staticChecker("ok", ""), staticChecker("ok", ""), http.StatusOK, "ok"},
		{"JWKS деградирован", staticChecker("ok", ""), nil, staticChecker("degraded", "timeout"), http.StatusOK, "degraded"},
		{"БД недоступна", staticChecker("fail", "refused"), staticChecker("ok", ""), nil, http.StatusServiceUnavailable, "fail"},
		{"хранилище недоступно", staticChecker("ok", ""), staticChecker("fail", "403"), nil, http.StatusServiceUnavailable, "fail"},
		{"БД не инициализирована", nil, nil, nil, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.storage, tt.jwks)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			var resp healthReadyResponse
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if rec.Code != tt.wantCode || resp.Status != tt.wantStatus {
				t.Errorf("хотели %d/%s, получили %d/%s", tt.wantCode, tt.wantStatus, rec.Code, resp.Status)
			}
			if (tt.storage == nil) != (resp.Checks.Storage == nil) {
				t.Error("проверка хранилища должна присутствовать только при наличии checker")
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	if got := overallStatus(); got != "ok" {
		t.Errorf("без зависимостей: %s", got)
	}
	if got := overallStatus("ok", "degraded", "ok"); got != "degraded" {
		t.Errorf("хотели degraded, получили %s", got)
	}
	if got := overallStatus("degraded", "fail"); got != "fail" {
		t.Errorf("хотели fail, получили %s", got)
	}
}
