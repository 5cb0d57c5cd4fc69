// Package health implements liveness/readiness/startup probes over HTTP, checking this
// proxy's own collaborators: pool/cluster occupancy, ban state, mirror backlog.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeStatus is the tri-state health a single probe reports: healthy, unhealthy, or
// degraded.
type ProbeStatus string

const (
	StatusHealthy   ProbeStatus = "healthy"
	StatusUnhealthy ProbeStatus = "unhealthy"
	StatusDegraded  ProbeStatus = "degraded"
)

// ComponentHealth is one probe's most recent result.
type ComponentHealth struct {
	Name      string      `json:"name"`
	Status    ProbeStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	LastCheck time.Time   `json:"last_check"`
	Details   interface{} `json:"details,omitempty"`
}

// Probe is one thing worth checking: a shard's pool occupancy, a mirror's backlog, etc.
type Probe interface {
	Name() string
	Check(ctx context.Context) (*ComponentHealth, error)
}

// ManagerConfig tunes the polling cadence and the startup grace period.
type ManagerConfig struct {
	CheckInterval  time.Duration
	StartupTimeout time.Duration
}

// Manager runs a set of Probes on a ticker and serves their latest results over HTTP:
// liveness/readiness/startup name-lists plus a componentHealth map guarded by one
// RWMutex.
type Manager struct {
	logger *zap.Logger

	probes map[string]Probe

	livenessProbes  []string
	readinessProbes []string
	startupProbes   []string

	mu              sync.RWMutex
	componentHealth map[string]*ComponentHealth
	startupComplete bool
	startedAt       time.Time

	checkInterval  time.Duration
	startupTimeout time.Duration
}

// NewManager builds a Manager. Defaults: CheckInterval=10s, StartupTimeout=60s.
func NewManager(logger *zap.Logger, cfg ManagerConfig) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	return &Manager{
		logger:          logger,
		probes:          make(map[string]Probe),
		componentHealth: make(map[string]*ComponentHealth),
		checkInterval:   cfg.CheckInterval,
		startupTimeout:  cfg.StartupTimeout,
		startedAt:       time.Now(),
	}
}

// Register adds a probe and assigns it to any of the three probe groups.
func (m *Manager) Register(probe Probe, liveness, readiness, startup bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[probe.Name()] = probe
	if liveness {
		m.livenessProbes = append(m.livenessProbes, probe.Name())
	}
	if readiness {
		m.readinessProbes = append(m.readinessProbes, probe.Name())
	}
	if startup {
		m.startupProbes = append(m.startupProbes, probe.Name())
	}
	m.logger.Info("probe registered", zap.String("probe", probe.Name()),
		zap.Bool("liveness", liveness), zap.Bool("readiness", readiness), zap.Bool("startup", startup))
}

// Start runs every probe once immediately, then again every CheckInterval until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.runAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAll(ctx)
		}
	}
}

func (m *Manager) runAll(ctx context.Context) {
	m.mu.RLock()
	probes := make([]Probe, 0, len(m.probes))
	for _, p := range m.probes {
		probes = append(probes, p)
	}
	m.mu.RUnlock()

	results := make(map[string]*ComponentHealth, len(probes))
	for _, p := range probes {
		health, err := p.Check(ctx)
		if err != nil {
			health = &ComponentHealth{Name: p.Name(), Status: StatusUnhealthy, Message: err.Error()}
		}
		health.LastCheck = time.Now()
		results[p.Name()] = health
	}

	m.mu.Lock()
	for name, health := range results {
		m.componentHealth[name] = health
	}
	if !m.startupComplete {
		m.checkStartupComplete()
	}
	m.mu.Unlock()
}

// checkStartupComplete must be called with m.mu held.
func (m *Manager) checkStartupComplete() {
	if time.Since(m.startedAt) > m.startupTimeout {
		m.startupComplete = true
		m.logger.Warn("startup timeout reached, marking startup complete regardless of probe state")
		return
	}
	for _, name := range m.startupProbes {
		health, ok := m.componentHealth[name]
		if !ok || health.Status == StatusUnhealthy {
			return
		}
	}
	m.startupComplete = true
	m.logger.Info("all startup probes passed")
}

// MarkStartupComplete lets the caller force startup to be considered done, bypassing the
// startup probe list (used in tests and for components with no startup probe at all).
func (m *Manager) MarkStartupComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startupComplete = true
}

type probeResult struct {
	Status     ProbeStatus        `json:"status"`
	Components []*ComponentHealth `json:"components"`
	Timestamp  time.Time          `json:"timestamp"`
}

func (m *Manager) checkNames(names []string) *probeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := &probeResult{Status: StatusHealthy, Components: make([]*ComponentHealth, 0, len(names)), Timestamp: time.Now()}
	for _, name := range names {
		health, ok := m.componentHealth[name]
		if !ok {
			health = &ComponentHealth{Name: name, Status: StatusUnhealthy, Message: "probe has not run yet"}
		}
		result.Components = append(result.Components, health)
		switch health.Status {
		case StatusUnhealthy:
			result.Status = StatusUnhealthy
		case StatusDegraded:
			if result.Status != StatusUnhealthy {
				result.Status = StatusDegraded
			}
		}
	}
	return result
}

func writeResult(w http.ResponseWriter, result *probeResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(result)
}

// LivenessHandler reports whether the process itself is still functioning -- it should
// rarely go unhealthy; a restart is the only remedy once it does.
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		names := m.livenessProbes
		m.mu.RUnlock()
		writeResult(w, m.checkNames(names))
	}
}

// ReadinessHandler reports whether the proxy should currently receive traffic.
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		names := m.readinessProbes
		m.mu.RUnlock()
		writeResult(w, m.checkNames(names))
	}
}

// StartupHandler reports readiness during the startup grace period; once startup is
// marked complete it always reports ready without re-running probes.
func (m *Manager) StartupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		complete := m.startupComplete
		names := m.startupProbes
		m.mu.RUnlock()

		if complete {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
			return
		}
		writeResult(w, m.checkNames(names))
	}
}

// HealthHandler reports every registered probe's latest result, for operator dashboards.
func (m *Manager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		names := make([]string, 0, len(m.componentHealth))
		for name := range m.componentHealth {
			names = append(names, name)
		}
		m.mu.RUnlock()
		writeResult(w, m.checkNames(names))
	}
}
