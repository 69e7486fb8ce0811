package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

func TestHealthHandlerAllUnconfiguredIsHealthy(t *testing.T) {
	idx := acdqueue.NewInterfaceIndex()
	store := acdqueue.NewStore(idx, nil, zerolog.Nop())

	h := NewHealthHandler(store, nil, nil, nil, "test", time.Now().Add(-5*time.Second))
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body.Status)
	require.Equal(t, "not_configured", body.Checks["devicebus"])
	require.Equal(t, "not_configured", body.Checks["realtime"])
	require.Equal(t, "not_configured", body.Checks["persist"])
	require.GreaterOrEqual(t, body.UptimeSeconds, int64(5))
}

func TestHealthHandlerReportsQueueCount(t *testing.T) {
	idx := acdqueue.NewInterfaceIndex()
	store := acdqueue.NewStore(idx, nil, zerolog.Nop())
	loader := &fakeQueueLoader{names: []string{"support", "sales"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)
	_, err = store.LoadOrReload(context.Background(), "sales")
	require.NoError(t, err)

	h := NewHealthHandler(store, nil, nil, nil, "test", time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.QueueCount)
}
