package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error { return nil }

func down(msg string) Checker {
	return func(context.Context) error { return errors.New(msg) }
}

func serveReadiness(t *testing.T, h *Handler) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("postgres", down("refused"))

	rec := httptest.NewRecorder()
	h.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"up"`)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *Handler)
		wantCode   int
		wantStatus Status
	}{
		{"no checks", func(*Handler) {}, http.StatusOK, StatusUp},
		{"all up", func(h *Handler) {
			h.RegisterCritical("postgres", up)
			h.RegisterNonCritical("redis", up)
		}, http.StatusOK, StatusUp},
		{"non-critical down", func(h *Handler) {
			h.RegisterCritical("postgres", up)
			h.RegisterNonCritical("kafka", down("broker unreachable"))
		}, http.StatusOK, StatusDegraded},
		{"critical down", func(h *Handler) {
			h.RegisterCritical("postgres", down("connection refused"))
			h.RegisterNonCritical("redis", up)
		}, http.StatusServiceUnavailable, StatusDown},
		{"critical and non-critical down", func(h *Handler) {
			h.RegisterCritical("postgres", down("refused"))
			h.RegisterNonCritical("redis", down("timeout"))
		}, http.StatusServiceUnavailable, StatusDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			tt.setup(h)
			code, resp := serveReadiness(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestReadiness_ReportsEachCheck(t *testing.T) {
	h := NewHandler()
	h.Register("postgres", up)
	h.RegisterNonCritical("kafka", down("broker unreachable"))

	_, resp := serveReadiness(t, h)
	require.Len(t, resp.Checks, 2)
	assert.True(t, resp.Checks["postgres"].Critical)
	assert.Equal(t, StatusUp, resp.Checks["postgres"].Status)
	assert.False(t, resp.Checks["kafka"].Critical)
	assert.Equal(t, "broker unreachable", resp.Checks["kafka"].Error)
	assert.NotEmpty(t, resp.Checks["kafka"].Latency)
}

func TestRegister_Overwrites(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("redis", down("x"))
	h.RegisterNonCritical("redis", up)

	resp := h.Check(context.Background())
	assert.Equal(t, StatusUp, resp.Status)
	assert.False(t, resp.Checks["redis"].Critical)
}
