package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler("test")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, "healthy", status.Status)
	require.Equal(t, "voice-client", status.Service)
}

func TestReadinessHandlerReady(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"backend": func(context.Context) (bool, error) { return true, nil },
	}
	rec := httptest.NewRecorder()
	ReadinessHandler("test", checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, "ready", status.Status)
	require.Equal(t, "healthy", status.Dependencies["backend"].Status)
}

func TestReadinessHandlerNotReady(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"backend": func(context.Context) (bool, error) { return false, nil },
		"audio":   func(context.Context) (bool, error) { return false, errors.New("no sound server") },
	}
	rec := httptest.NewRecorder()
	ReadinessHandler("test", checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, "not_ready", status.Status)
	require.Equal(t, "no sound server", status.Dependencies["audio"].Message)
}

func TestSessionMetricsFirstChunkOnce(t *testing.T) {
	m := NewSessionMetrics(NewSessionID())
	m.RecordFirstChunk()
	m.RecordSubmit()
	m.RecordFirstChunk()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.True(t, m.submittedAt.IsZero())
}
