package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/snarg/acd-engine/internal/acdqueue"
	"github.com/snarg/acd-engine/internal/devicebus"
	"github.com/snarg/acd-engine/internal/realtime"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	QueueCount    int               `json:"queue_count"`
}

// HealthHandler reports the liveness of every collaborator the dispatch
// core depends on: the device-state bus, the realtime backend, and the
// persistence store.
type HealthHandler struct {
	store     *acdqueue.Store
	devicebus *devicebus.Subscriber
	realtime  *realtime.Source
	persist   *badger.DB
	version   string
	startTime time.Time
}

func NewHealthHandler(store *acdqueue.Store, db *devicebus.Subscriber, rt *realtime.Source, persistDB *badger.DB, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		store:     store,
		devicebus: db,
		realtime:  rt,
		persist:   persistDB,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.devicebus != nil {
		if h.devicebus.IsConnected() {
			checks["devicebus"] = "ok"
		} else {
			checks["devicebus"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["devicebus"] = "not_configured"
	}

	if h.realtime != nil {
		if err := h.realtime.HealthCheck(r.Context()); err != nil {
			checks["realtime"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["realtime"] = "ok"
		}
	} else {
		checks["realtime"] = "not_configured"
	}

	if h.persist != nil {
		checks["persist"] = "ok"
	} else {
		checks["persist"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		QueueCount:    len(h.store.All()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
