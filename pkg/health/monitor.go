// Package health produces a composite availability view across the
// bridge's external dependencies. The brain service is probed
// directly; the speech engine's reachability is derived from the
// transport link, because firewall rules can block a direct probe
// while the tunnel path actually in use works fine.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycosoft/go-voicebridge/pkg/engine"
)

// Status is a dependency's availability classification.
type Status string

const (
	StatusReachable   Status = "reachable"
	StatusUnreachable Status = "unreachable"

	// StatusUnknown means the monitor has no fresh probe. A stale
	// result is reported as unknown, never as the last known value,
	// so an outage is not masked.
	StatusUnknown Status = "unknown"
)

// Dependency names tracked by the monitor.
const (
	DepBrain  = "brain"
	DepEngine = "engine"
)

// Prober issues a lightweight reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// LinkView is the transport state the engine derivation reads.
type LinkView interface {
	State() engine.State
	LastSuccess() time.Time
}

// Config holds the monitor's timing parameters.
type Config struct {
	// Interval between probe cycles.
	Interval time.Duration

	// Timeout per probe; must be shorter than Interval so probes
	// never pile up.
	Timeout time.Duration

	// Freshness bounds how old the link's last successful round trip
	// may be for the engine to count as reachable.
	Freshness time.Duration

	// Version is echoed in the composite view.
	Version string
}

// DependencyStatus is one dependency's cached probe result.
type DependencyStatus struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	LastProbe  time.Time `json:"last_probe"`
	AgeSeconds float64   `json:"age_seconds"`
	Detail     string    `json:"detail,omitempty"`
}

// View is the composite health snapshot served to dashboards and
// status events. Always assembled from cache in bounded time.
type View struct {
	Status       string             `json:"status"` // "healthy" or "degraded"
	Healthy      bool               `json:"healthy"`
	Ready        bool               `json:"ready"`
	Version      string             `json:"version"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

type record struct {
	status Status
	at     time.Time
	detail string
}

// Monitor probes dependencies on a fixed interval and caches results.
type Monitor struct {
	cfg    Config
	brain  Prober
	link   LinkView
	logger *slog.Logger

	ready atomic.Bool

	mu      sync.RWMutex
	results map[string]record

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(cfg Config, brain Prober, link LinkView, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		brain:   brain,
		link:    link,
		logger:  logger.With("component", "health.monitor"),
		results: make(map[string]record),
		done:    make(chan struct{}),
	}
}

// SetReady records the bridge server's own readiness, included in the
// composite view.
func (m *Monitor) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Start launches the probe loop. The first cycle runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.ProbeNow(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeNow(ctx)
		}
	}
}

// ProbeNow runs one probe cycle. Probes execute concurrently, each
// with its own timeout, and are cancellable through ctx.
func (m *Monitor) ProbeNow(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.probeBrain(ctx)
	}()
	go func() {
		defer wg.Done()
		m.deriveEngine()
	}()
	wg.Wait()
}

func (m *Monitor) probeBrain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	rec := record{status: StatusReachable, at: time.Now()}
	if err := m.brain.Probe(ctx); err != nil {
		rec.status = StatusUnreachable
		rec.detail = err.Error()
		m.logger.Warn("brain probe failed", "error", err)
	}
	m.store(DepBrain, rec)
}

// deriveEngine computes engine reachability transitively from the
// link instead of probing the engine's address, which may be
// firewalled even while the tunnel path works.
func (m *Monitor) deriveEngine() {
	state := m.link.State()
	last := m.link.LastSuccess()

	rec := record{at: time.Now()}
	switch {
	case state != engine.StateConnected && state != engine.StateDegraded:
		rec.status = StatusUnreachable
		rec.detail = "link " + string(state)
	case !last.IsZero() && time.Since(last) > m.cfg.Freshness:
		rec.status = StatusUnreachable
		rec.detail = "no successful round trip within freshness window"
	default:
		// Connected with a fresh round trip, or freshly connected
		// with no traffic yet: the handshake proves the path.
		rec.status = StatusReachable
		if state == engine.StateDegraded {
			rec.detail = "link degraded"
		}
	}
	m.store(DepEngine, rec)
}

func (m *Monitor) store(name string, rec record) {
	m.mu.Lock()
	m.results[name] = rec
	m.mu.Unlock()
}

// maxAge is the staleness bound: a result older than the refresh
// interval plus one probe timeout is reported as unknown.
func (m *Monitor) maxAge() time.Duration {
	return m.cfg.Interval + m.cfg.Timeout
}

// Composite assembles the aggregate view from cached results. Never
// blocks on a live probe.
func (m *Monitor) Composite() View {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	deps := make([]DependencyStatus, 0, 2)
	healthy := true
	for _, name := range []string{DepBrain, DepEngine} {
		rec, ok := m.results[name]
		ds := DependencyStatus{Name: name, Status: StatusUnknown}
		if ok {
			age := now.Sub(rec.at)
			ds.LastProbe = rec.at
			ds.AgeSeconds = age.Seconds()
			ds.Detail = rec.detail
			if age <= m.maxAge() {
				ds.Status = rec.status
			}
		}
		if ds.Status != StatusReachable {
			healthy = false
		}
		deps = append(deps, ds)
	}

	ready := m.ready.Load()
	healthy = healthy && ready

	status := "degraded"
	if healthy {
		status = "healthy"
	}
	return View{
		Status:       status,
		Healthy:      healthy,
		Ready:        ready,
		Version:      m.cfg.Version,
		Dependencies: deps,
	}
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
}
