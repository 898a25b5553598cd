package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   []string{"storage", "api"},
		startTime:  time.Now(),
		version:    version,
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent("storage", true, "opened")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["storage"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "opened", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"all healthy", map[string]bool{"api": true, "storage": true}, "healthy"},
		{"one unhealthy", map[string]bool{"api": true, "reconciler": false}, "unhealthy"},
		{"nothing registered", nil, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.4.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "down")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "1.4.0", health.Version)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		critical   []string
		components map[string]bool
		wantStatus string
	}{
		{"all ready", nil, map[string]bool{"storage": true, "api": true}, "ready"},
		{"missing critical", nil, map[string]bool{"api": true}, "not_ready"},
		{"critical unhealthy", nil, map[string]bool{"storage": false, "api": true}, "not_ready"},
		{"non critical unhealthy", nil, map[string]bool{"storage": true, "api": true, "nats": false}, "ready"},
		{"custom critical set", []string{"backend"}, map[string]bool{"backend": true}, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			if tt.critical != nil {
				SetCriticalComponents(tt.critical...)
			}
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			assert.Equal(t, tt.wantStatus, GetReadiness().Status)
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	resetHealth("")
	RegisterComponent("storage", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	// api is critical and not registered
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	UpdateComponent("api", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	UpdateComponent("storage", false, "closed")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
