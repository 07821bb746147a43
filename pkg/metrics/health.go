package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names registered by the master
const (
	ComponentStore     = "store"
	ComponentScheduler = "scheduler"
	ComponentBackend   = "backend"
)

// Readiness requires these to be registered and healthy. The backend is
// left out: a cloud outage must not take the master out of rotation.
var criticalComponents = []string{ComponentStore, ComponentScheduler}

// HealthStatus is the JSON body served by /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// Registry holds component health for one process
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	started    time.Time
	version    string
}

// NewRegistry returns an empty registry whose uptime starts now
func NewRegistry(version string) *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
		started:    time.Now(),
		version:    version,
	}
}

var defaultRegistry = NewRegistry("")

// Set records the state of a component, registering it on first use
func (r *Registry) Set(name string, healthy bool, message string) {
	r.mu.Lock()
	r.components[name] = ComponentHealth{Name: name, Healthy: healthy, Message: message, Updated: time.Now()}
	r.mu.Unlock()
}

// Components returns every component sorted by name
func (r *Registry) Components() []ComponentHealth {
	r.mu.RLock()
	out := make([]ComponentHealth, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) status(state string) HealthStatus {
	return HealthStatus{
		Status:     state,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// Health is unhealthy as soon as any registered component is
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.status("healthy")
	for name, c := range r.components {
		if c.Healthy {
			hs.Components[name] = "healthy"
			continue
		}
		hs.Status = "unhealthy"
		hs.Components[name] = "unhealthy: " + c.Message
	}
	return hs
}

// Readiness only looks at the critical components
func (r *Registry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.status("ready")
	for _, name := range criticalComponents {
		c, ok := r.components[name]
		switch {
		case !ok:
			hs.Status = "not_ready"
			hs.Message = "waiting for " + name + " initialization"
			hs.Components[name] = "not registered"
		case !c.Healthy:
			hs.Status = "not_ready"
			hs.Message = "waiting for " + name
			hs.Components[name] = "not ready: " + c.Message
		default:
			hs.Components[name] = "ready"
		}
	}
	return hs
}

// SetVersion sets the version reported by the default registry
func SetVersion(version string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.version = version
	defaultRegistry.mu.Unlock()
}

// RegisterComponent records a component in the default registry
func RegisterComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// UpdateComponent is RegisterComponent for a component already known
func UpdateComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// Components lists the default registry
func Components() []ComponentHealth { return defaultRegistry.Components() }

// GetHealth reports the default registry's health
func GetHealth() HealthStatus { return defaultRegistry.Health() }

// GetReadiness reports the default registry's readiness
func GetReadiness() HealthStatus { return defaultRegistry.Readiness() }

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth, 503 when unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hs := GetHealth()
		code := http.StatusOK
		if hs.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, hs)
	}
}

// ReadyHandler serves GetReadiness, 503 until ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hs := GetReadiness()
		code := http.StatusOK
		if hs.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, hs)
	}
}

// LivenessHandler answers 200 for as long as the process can serve HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(defaultRegistry.started).Round(time.Second).String(),
		})
	}
}
