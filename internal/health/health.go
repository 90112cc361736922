// Package health aggregates component checkers behind the /healthz and
// /readyz endpoints. Components register once at startup; checks run on
// demand per request and on a background interval that logs transitions.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the health of one component or of the service overall.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is one component's outcome. Checkers fill Status, Message,
// and Error; the manager fills the rest.
type CheckResult struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checkers whose failure makes the service not ready.
	IsCritical() bool
	Timeout() time.Duration
}

// Report is the aggregated service health.
type Report struct {
	Status     Status                 `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers and serves the health endpoints.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		interval: 30 * time.Second,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("health checker registered",
		zap.String("component", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Snapshot runs every checker and aggregates the results.
func (m *Manager) Snapshot(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()
	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	components := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.runCheck(ctx, c)
	}

	m.mu.Lock()
	for name, result := range components {
		if prev, ok := m.last[name]; ok && prev.Status != result.Status {
			m.logger.Warn("component health changed",
				zap.String("component", name),
				zap.String("from", prev.Status.String()),
				zap.String("to", result.Status.String()),
				zap.String("error", result.Error),
			)
		}
		m.last[name] = result
	}
	m.mu.Unlock()

	return aggregate(components)
}

// IsReady reports whether every critical component is functioning.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Snapshot(ctx).Ready
}

func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.LatencyMs = time.Since(start).Milliseconds()
	result.Timestamp = start.UTC()
	return result
}

func aggregate(components map[string]CheckResult) Report {
	report := Report{
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
	if len(components) == 0 {
		report.Status = StatusHealthy
		report.Message = "no components registered"
		report.Ready = true
		return report
	}

	var criticalFailures, nonCriticalFailures, degraded int
	for _, result := range components {
		switch result.Status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		report.Status = StatusUnhealthy
		report.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		report.Ready = false
	case degraded > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d component(s) degraded", degraded)
		report.Ready = true
	case nonCriticalFailures > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
		report.Ready = true
	default:
		report.Status = StatusHealthy
		report.Message = fmt.Sprintf("all %d components healthy", len(components))
		report.Ready = true
	}
	return report
}

// Start launches the background refresh loop so status transitions get
// logged even when nobody polls the endpoints.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.loop()
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			m.Snapshot(ctx)
			cancel()
		}
	}
}

// Stop halts the background loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// RegisterRoutes mounts the health endpoints.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", m.handleHealthz)
	mux.HandleFunc("/readyz", m.handleReadyz)
}

func (m *Manager) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	report := m.Snapshot(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	m.writeJSON(w, code, report)
}

func (m *Manager) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if m.IsReady(r.Context()) {
		m.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	m.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
}

func (m *Manager) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.Error("failed to encode health response", zap.Error(err))
	}
}
