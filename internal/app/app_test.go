package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jia/internal/config"
	"jia/internal/precompute"
)

func TestOpenWiresWorkspace(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, t.TempDir(), Options{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.ComputeModeMemory, a.Config.Compute.Mode)
	_, ok := a.Compute.(*precompute.Instrumented)
	assert.True(t, ok, "compute client should be instrumented")

	res, err := a.Engine.CreateBoard(ctx, []byte(`{"title":"ops","panels":[]}`), "tester")
	require.NoError(t, err)
	boards, err := a.Engine.ListBoards(ctx)
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, res.Board.ID, boards[0].ID)

	h, err := a.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jia_reconcile_runs_total")
}

func TestOpenUsesInjectedCompute(t *testing.T) {
	mem := precompute.NewMemory()
	a, err := Open(context.Background(), t.TempDir(), Options{Compute: mem, LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()
	assert.Same(t, mem, a.Compute)
}

func TestNewComputeClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewComputeClient(config.ComputeConfig{Mode: config.ComputeModeHTTP, URL: "http://compute:9000", TimeoutSeconds: 3}, reg)
	require.NoError(t, err)
	assert.IsType(t, &precompute.Instrumented{}, c)

	c, err = NewComputeClient(config.ComputeConfig{Mode: config.ComputeModeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &precompute.Memory{}, c)

	_, err = NewComputeClient(config.ComputeConfig{Mode: "grpc"}, nil)
	assert.Error(t, err)
}

func TestNewLoggerLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, NewLogger(io.Discard, "DEBUG").GetLevel())
	assert.Equal(t, log.InfoLevel, NewLogger(io.Discard, "").GetLevel())
	assert.Equal(t, log.WarnLevel, NewLogger(io.Discard, "warn").GetLevel())
}
