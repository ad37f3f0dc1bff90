package health

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"
)

// #region error-tracker

// Tracker counts errors by kind for the status surface. Counts only grow;
// the station is rebooted between service visits.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTracker creates an empty error tracker.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// RecordError counts one error of the given kind.
func (t *Tracker) RecordError(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[kind]++
}

// Total returns the sum across all kinds.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

// Counts returns a copy of the per-kind totals.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// #endregion error-tracker

// #region component-registry

// Registry holds the per-component health booleans exposed on the status
// surface. Components start unhealthy and are flipped as they come up.
type Registry struct {
	mu     sync.Mutex
	states map[string]bool
}

// NewRegistry creates a registry with every named component unhealthy.
func NewRegistry(components ...string) *Registry {
	states := make(map[string]bool, len(components))
	for _, name := range components {
		states[name] = false
	}
	return &Registry{states: states}
}

// SetHealthy records the health of one component.
func (r *Registry) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[name] = healthy
}

// Healths returns a copy of the per-component booleans.
func (r *Registry) Healths() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

// #endregion component-registry

// #region heartbeat-monitor

// Monitor watches the MCU heartbeat and triggers a reconnect when it goes
// silent. One reconnect fires per silence; the monitor rearms when the
// heartbeat returns.
type Monitor struct {
	lastHeartbeat func() time.Time
	reconnect     func() error
	timeout       time.Duration
	interval      time.Duration

	tripped bool
	now     func() time.Time
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(lastHeartbeat func() time.Time, reconnect func() error,
	timeout, interval time.Duration) *Monitor {
	return &Monitor{
		lastHeartbeat: lastHeartbeat,
		reconnect:     reconnect,
		timeout:       timeout,
		interval:      interval,
		now:           time.Now,
	}
}

// Run checks the heartbeat on the monitor interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check performs one heartbeat evaluation. Exposed so tests and the daemon's
// tick loop can drive it without a ticker.
func (m *Monitor) Check() {
	hb := m.lastHeartbeat()
	if hb.IsZero() {
		return // never connected yet, dialing is the daemon's problem
	}

	if m.now().Sub(hb) < m.timeout {
		m.tripped = false
		return
	}
	if m.tripped {
		return
	}
	m.tripped = true

	log.Printf("[HEALTH] mcu heartbeat timeout, attempting reconnect")
	if err := m.reconnect(); err != nil {
		log.Printf("[HEALTH] mcu reconnect failed: %v", err)
	}
}

// #endregion heartbeat-monitor

// #region resources

// Resources is a coarse snapshot of process resource usage.
type Resources struct {
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	HeapSysMB     float64 `json:"heap_sys_mb"`
	NumGC         uint32  `json:"num_gc"`
	LastGCPauseMS float64 `json:"last_gc_pause_ms"`
}

// ReadResources samples the runtime.
func ReadResources() Resources {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var lastPause float64
	if ms.NumGC > 0 {
		lastPause = float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e6
	}

	return Resources{
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / (1024 * 1024),
		HeapSysMB:     float64(ms.HeapSys) / (1024 * 1024),
		NumGC:         ms.NumGC,
		LastGCPauseMS: lastPause,
	}
}

// #endregion resources
