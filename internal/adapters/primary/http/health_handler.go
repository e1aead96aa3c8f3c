package http

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/studio-realtime/internal/core/ports"
)

// ClientCounter reports how many relay clients are attached.
type ClientCounter interface {
	GetClientCount() int
}

// HealthHandler handles health check requests
type HealthHandler struct {
	broker    ports.ConnectionManager
	clients   ClientCounter
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(broker ports.ConnectionManager, clients ClientCounter, version string) *HealthHandler {
	return &HealthHandler{
		broker:    broker,
		clients:   clients,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HandleLiveness handles liveness probe requests (is the service running?)
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles readiness probe requests. The relay is ready when
// the broker is connected, or when realtime is switched off and the console
// falls back to on-demand fetching.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	check := h.checkBroker()

	response := HealthResponse{
		Status:    check.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    map[string]Check{"broker": check},
	}

	statusCode := http.StatusOK
	if check.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	WriteJSON(w, statusCode, response)
}

// HandleHealth handles detailed health check requests (for monitoring/debugging)
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	check := h.checkBroker()
	overallStatus := "healthy"
	if check.Status != "healthy" {
		overallStatus = "degraded"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := struct {
		HealthResponse
		Memory struct {
			Alloc      uint64 `json:"alloc_bytes"`
			TotalAlloc uint64 `json:"total_alloc_bytes"`
			Sys        uint64 `json:"sys_bytes"`
			NumGC      uint32 `json:"num_gc"`
		} `json:"memory"`
		Goroutines int `json:"goroutines"`
		Clients    int `json:"clients"`
	}{
		HealthResponse: HealthResponse{
			Status:    overallStatus,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
			Checks:    map[string]Check{"broker": check},
		},
		Goroutines: runtime.NumGoroutine(),
	}
	response.Memory.Alloc = memStats.Alloc
	response.Memory.TotalAlloc = memStats.TotalAlloc
	response.Memory.Sys = memStats.Sys
	response.Memory.NumGC = memStats.NumGC
	if h.clients != nil {
		response.Clients = h.clients.GetClientCount()
	}

	// Degraded realtime is not fatal for the console.
	WriteJSON(w, http.StatusOK, response)
}

func (h *HealthHandler) checkBroker() Check {
	switch {
	case h.broker == nil || !h.broker.IsEnabled():
		return Check{Status: "healthy", Message: "realtime disabled"}
	case h.broker.Connected():
		return Check{Status: "healthy"}
	default:
		return Check{Status: "unhealthy", Message: "broker not connected"}
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/ready", h.HandleReadiness)
}
