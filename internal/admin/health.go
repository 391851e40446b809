package admin

import (
	"sync"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health is the serving state shared by the http and grpc admin surfaces.
type Health struct {
	mu       sync.Mutex
	draining bool
	servers  []*health.Server
}

func NewHealth() *Health {
	return &Health{}
}

func (h *Health) attach(server *health.Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		server.Shutdown()
		return
	}
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.servers = append(h.servers, server)
}

// MarkDraining flips every surface to not serving. It is not reversible.
func (h *Health) MarkDraining() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return
	}
	h.draining = true
	for _, server := range h.servers {
		server.Shutdown()
	}
}

func (h *Health) Draining() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}
