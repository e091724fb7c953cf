package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// SubsystemStatus is the last reported state of one serving subsystem
// (registry, storage, api). A subsystem stays at its last mark until the
// owning code reports otherwise.
type SubsystemStatus struct {
	Healthy bool      `json:"healthy"`
	Detail  string    `json:"detail,omitempty"`
	Updated time.Time `json:"updated"`
}

// NodeHealth is the body of GET /health: overall node status, identity,
// and the local slot count the spec's health surface promises, plus
// per-subsystem detail for operators.
type NodeHealth struct {
	Status        string                     `json:"status"` // healthy | degraded
	NodeID        string                     `json:"node_id,omitempty"`
	Version       string                     `json:"version,omitempty"`
	Uptime        string                     `json:"uptime"`
	SlotsAssigned int                        `json:"slots_assigned"`
	Subsystems    map[string]SubsystemStatus `json:"subsystems,omitempty"`
}

// Readiness is the body of GET /ready: whether every required subsystem
// has reported healthy, and which ones the node is still waiting on.
type Readiness struct {
	Ready   bool     `json:"ready"`
	Waiting []string `json:"waiting_on,omitempty"`
}

type nodeStatus struct {
	mu         sync.RWMutex
	nodeID     string
	version    string
	started    time.Time
	slotCount  func() int
	subsystems map[string]SubsystemStatus
	required   []string
}

var node = &nodeStatus{
	started:    time.Now(),
	subsystems: make(map[string]SubsystemStatus),
}

// SetNodeInfo records this node's identity and build version for health
// responses. Called once at startup.
func SetNodeInfo(nodeID, version string) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.nodeID = nodeID
	node.version = version
}

// SetSlotCounter installs the live slot count source, normally the slot
// manager's assigned-slot set. Health snapshots call it on demand so the
// count tracks lazy slot materialization without polling.
func SetSlotCounter(count func() int) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.slotCount = count
}

// RequireSubsystems names the subsystems this node cannot serve without;
// readiness stays false until each has reported healthy at least once.
// Re-requiring a name is a no-op.
func RequireSubsystems(names ...string) {
	node.mu.Lock()
	defer node.mu.Unlock()
outer:
	for _, name := range names {
		for _, existing := range node.required {
			if existing == name {
				continue outer
			}
		}
		node.required = append(node.required, name)
	}
}

// MarkSubsystem reports a subsystem healthy or degraded. The serving path
// calls this on state changes: the registry once it is reachable, storage
// when a local disk/DB error surfaces, the api once it is listening.
func MarkSubsystem(name string, healthy bool, detail string) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.subsystems[name] = SubsystemStatus{
		Healthy: healthy,
		Detail:  detail,
		Updated: time.Now(),
	}
}

// Snapshot assembles the current NodeHealth. Any degraded subsystem
// degrades the node as a whole, mirroring the Degraded node status
// replicas report to the registry.
func Snapshot() NodeHealth {
	node.mu.RLock()
	defer node.mu.RUnlock()

	status := "healthy"
	subsystems := make(map[string]SubsystemStatus, len(node.subsystems))
	for name, st := range node.subsystems {
		subsystems[name] = st
		if !st.Healthy {
			status = "degraded"
		}
	}

	slots := 0
	if node.slotCount != nil {
		slots = node.slotCount()
		SlotsAssigned.Set(float64(slots))
	}

	return NodeHealth{
		Status:        status,
		NodeID:        node.nodeID,
		Version:       node.version,
		Uptime:        time.Since(node.started).String(),
		SlotsAssigned: slots,
		Subsystems:    subsystems,
	}
}

// CheckReadiness reports whether every required subsystem has come up
// healthy, listing the ones still missing or degraded.
func CheckReadiness() Readiness {
	node.mu.RLock()
	defer node.mu.RUnlock()

	var waiting []string
	for _, name := range node.required {
		st, reported := node.subsystems[name]
		if !reported || !st.Healthy {
			waiting = append(waiting, name)
		}
	}
	sort.Strings(waiting)
	return Readiness{Ready: len(waiting) == 0, Waiting: waiting}
}

// HealthHandler serves GET /health: 200 while the node is healthy, 503
// once any subsystem has degraded it.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := Snapshot()

		statusCode := http.StatusOK
		if health.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler serves GET /ready: 503 until every required subsystem has
// reported healthy.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := CheckReadiness()

		statusCode := http.StatusOK
		if !readiness.Ready {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler serves GET /live: 200 whenever the process can answer.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node.mu.RLock()
		uptime := time.Since(node.started).String()
		node.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}
