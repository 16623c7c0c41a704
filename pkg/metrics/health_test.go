package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestUpdateComponent(t *testing.T) {
	resetHealth()

	UpdateComponent("scanner", true, "running")
	UpdateComponent("scanner", false, "incoming directory missing")

	comp := healthChecker.components["scanner"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "incoming directory missing", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		expected string
	}{
		{
			name: "all healthy",
			setup: func() {
				UpdateComponent("scanner", true, "")
				UpdateComponent("recovery", true, "")
			},
			expected: "healthy",
		},
		{
			name: "one unhealthy",
			setup: func() {
				UpdateComponent("scanner", true, "")
				UpdateComponent("recovery", false, "marker directory unreadable")
			},
			expected: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			SetVersion("1.0.0")
			tt.setup()

			health := GetHealth()
			assert.Equal(t, tt.expected, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, 2)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)

	UpdateComponent("scanner", true, "")
	UpdateComponent("recovery", true, "")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)

	SetCriticalComponents("scanner", "recovery", "store")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["store"])
}

func TestLivenessHandler(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}
