package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HealthServer serves the health, readiness and metrics endpoints
type HealthServer struct {
	relay  *Relay
	status *HealthStatus
	mu     sync.RWMutex
}

// HealthStatus represents the current health status
type HealthStatus struct {
	Healthy          bool      `json:"healthy"`
	NATSEnabled      bool      `json:"nats_enabled"`
	NATSConnected    bool      `json:"nats_connected"`
	StoreDriver      string    `json:"store_driver"`
	AgentRoutes      int       `json:"agent_routes"`
	ConnectionRoutes int       `json:"connection_routes"`
	LastCheck        time.Time `json:"last_check"`
	Uptime           string    `json:"uptime"`
	Version          string    `json:"version"`
}

var startTime = time.Now()

func NewHealthServer(rl *Relay) *HealthServer {
	h := &HealthServer{
		relay: rl,
		status: &HealthStatus{
			NATSEnabled: rl.config.NATS.Enabled,
			StoreDriver: rl.config.Storage.Driver,
			Version:     Version,
		},
	}
	h.SetNATSConnected(false)
	return h
}

// SetNATSConnected records the NATS connection state. The relay is
// healthy when NATS is disabled or connected.
func (h *HealthServer) SetNATSConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.NATSConnected = connected
	h.status.Healthy = !h.status.NATSEnabled || connected
	h.status.LastCheck = time.Now()
}

func (h *HealthServer) snapshot() HealthStatus {
	h.mu.RLock()
	status := *h.status
	h.mu.RUnlock()

	stats := h.relay.router.Stats()
	status.AgentRoutes = stats.AgentRoutes
	status.ConnectionRoutes = stats.ConnectionRoutes
	status.Uptime = time.Since(startTime).String()
	return status
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady handles the /ready endpoint (for Kubernetes readiness probes)
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	healthy := h.status.Healthy
	h.mu.RUnlock()

	if healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()
	stats := h.relay.router.Stats()
	agents, connections := h.relay.agency.Directory().Counts()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	gauge(w, "relay_healthy", "Whether the relay is healthy", boolValue(status.Healthy))
	gauge(w, "relay_nats_connected", "Whether connected to NATS", boolValue(status.NATSConnected))
	fmt.Fprintf(w, "# HELP relay_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE relay_uptime_seconds counter\n")
	fmt.Fprintf(w, "relay_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

	fmt.Fprintf(w, "# HELP relay_routes Identities bound in each route table\n")
	fmt.Fprintf(w, "# TYPE relay_routes gauge\n")
	fmt.Fprintf(w, "relay_routes{table=\"agent\"} %d\n", stats.AgentRoutes)
	fmt.Fprintf(w, "relay_routes{table=\"connection\"} %d\n", stats.ConnectionRoutes)

	fmt.Fprintf(w, "# HELP relay_entities Live agency entities\n")
	fmt.Fprintf(w, "# TYPE relay_entities gauge\n")
	fmt.Fprintf(w, "relay_entities{kind=\"agent\"} %d\n", agents)
	fmt.Fprintf(w, "relay_entities{kind=\"connection\"} %d\n", connections)

	fmt.Fprintf(w, "# HELP relay_dispatches_total Messages dispatched per table\n")
	fmt.Fprintf(w, "# TYPE relay_dispatches_total counter\n")
	fmt.Fprintf(w, "relay_dispatches_total{table=\"agent\"} %d\n", stats.AgentDispatches)
	fmt.Fprintf(w, "relay_dispatches_total{table=\"connection\"} %d\n", stats.ConnectionDispatches)
	fmt.Fprintf(w, "relay_dispatches_total{table=\"default\"} %d\n", stats.DefaultDispatches)

	counter(w, "relay_registrations_total", "Route registrations", stats.Registrations)
	counter(w, "relay_route_misses_total", "Lookups that found no live route", stats.Misses)
	counter(w, "relay_restorations_total", "Route restorations attempted", stats.Restorations)
	counter(w, "relay_restoration_failures_total", "Route restorations that failed", stats.RestorationFailures)
	counter(w, "relay_delivery_failures_total", "Handler delivery failures", stats.DeliveryFailures)
}

func gauge(w http.ResponseWriter, name, help string, v int) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
