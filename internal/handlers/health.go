package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.3.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Version     string           `json:"version"`
	ServerID    string           `json:"server_id"`
	Region      string           `json:"region,omitempty"`
	Connections int              `json:"connections"`
	Maintenance bool             `json:"maintenance"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// Health checks the data store and Redis.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	check := func(name string, ping func(context.Context) error) {
		start := time.Now()
		if err := ping(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
			return
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	if h.Store != nil {
		check(h.Store.Backend(), h.Store.Ping)
	} else {
		checks["store"] = Check{Status: "fail", Message: "not configured"}
		allHealthy = false
	}
	if h.Redis != nil {
		check("redis", func(ctx context.Context) error { return h.Redis.Ping(ctx).Err() })
	} else {
		checks["redis"] = Check{Status: "fail", Message: "not configured"}
		allHealthy = false
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   version,
		ServerID:  h.ServerID,
		Region:    os.Getenv("FLY_REGION"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.Hub != nil {
		resp.Connections = h.Hub.Count()
	}
	if h.Runtime != nil {
		resp.Maintenance = h.Runtime.Snapshot().MaintenanceMode
	}
	h.JSON(w, statusCode, resp)
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	ServerID string `json:"server_id"`
}

// Root describes the service.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:     "chatmesh",
		Version:  version,
		ServerID: h.ServerID,
	})
}
