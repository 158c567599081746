package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// HealthSnapshot is the aggregate health payload served over /healthz. The
// engine supplies a HealthProvider rather than this package reaching into
// engine internals directly.
type HealthSnapshot struct {
	InstancesByState map[string]int `json:"instances_by_state"`
	PoolCapacity     int            `json:"pool_capacity"`
	MemoryPercent    float64        `json:"memory_percent"`
	Goroutines       int            `json:"goroutines"`
}

// HealthProvider is implemented by internal/engine.Engine.
type HealthProvider interface {
	HealthSnapshot() HealthSnapshot
}

// HealthHandler renders a HealthProvider's current snapshot as JSON.
func HealthHandler(provider HealthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := provider.HealthSnapshot()
		snap.Goroutines = runtime.NumGoroutine()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Mux builds the engine's internal HTTP surface: /metrics and /healthz.
// There is no user-facing API; this mux exists for operators and Prometheus.
func Mux(provider HealthProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.Handle("/healthz", HealthHandler(provider))
	return mux
}
