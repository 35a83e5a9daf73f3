package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"task-notifications/broker"
	"task-notifications/system"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealthCaller struct {
	resp system.HealthResponse
	err  error
}

func (f fakeHealthCaller) Health(ctx context.Context) (system.HealthResponse, error) {
	return f.resp, f.err
}

func serve(t *testing.T, h http.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth_NotificationsServiceHealthy(t *testing.T) {
	check := NotificationsServiceCheck(fakeHealthCaller{resp: system.HealthResponse{Status: "healthy"}})
	h := NewHealth("api-gateway").With("notificationsService", check).ReadyWhen(check)

	report := h.Report(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "Notifications service is healthy", report.Checks["notificationsService"].Message)

	rec, body := serve(t, h.Ready)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestHealth_TimeoutIsDegradedNot5xx(t *testing.T) {
	check := NotificationsServiceCheck(fakeHealthCaller{err: broker.ErrTimeout})
	h := NewHealth("api-gateway").With("notificationsService", check).ReadyWhen(check)

	rec, body := serve(t, h.Check)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	svc := checks["notificationsService"].(map[string]interface{})
	assert.Equal(t, "unhealthy", svc["status"])
	assert.Equal(t, "Notifications service is not responding", svc["message"])

	rec, _ = serve(t, h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_DegradedServiceIsUnhealthyCheck(t *testing.T) {
	check := NotificationsServiceCheck(fakeHealthCaller{resp: system.HealthResponse{Status: "degraded"}})
	result := check(context.Background())
	assert.Equal(t, "unhealthy", result.Status)
	assert.Empty(t, result.Error)
}

func TestHealth_Live(t *testing.T) {
	rec, body := serve(t, NewHealth("x").Live)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}
