// Package connwatch tracks whether the services rotbot depends on are
// reachable: the completion provider, MCP tool servers and channel
// transports such as the MQTT broker or signal-cli.
//
// A watcher probes its service right away, then backs off (2s, 4s, 8s
// and so on, capped at 60s) until the first success or until the startup
// attempts run out, and from then on polls at a fixed interval. Up and
// down transitions run the watcher's callbacks and are published on the
// events bus; the MCP manager uses them to bridge and withdraw a
// server's tools.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/rotbot/internal/events"
)

// Kind groups services in status output.
type Kind string

// Service kinds.
const (
	KindProvider   Kind = "provider"
	KindToolServer Kind = "tool_server"
	KindChannel    Kind = "channel"
)

// Probe reports nil when the service answers.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// First is the delay after the first failed startup probe.
	First time.Duration
	// Max caps the startup backoff.
	Max    time.Duration
	Factor float64
	// StartupAttempts bounds the backoff phase.
	StartupAttempts int
	// Interval is the steady-state polling period.
	Interval time.Duration
	// Timeout bounds each probe call.
	Timeout time.Duration
}

// DefaultSchedule backs off from 2s to 60s over ten startup attempts,
// then polls every minute with a 10s probe timeout.
func DefaultSchedule() Schedule {
	return Schedule{
		First:           2 * time.Second,
		Max:             60 * time.Second,
		Factor:          2,
		StartupAttempts: 10,
		Interval:        60 * time.Second,
		Timeout:         10 * time.Second,
	}
}

// withDefaults fills every non-positive field from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.First <= 0 {
		s.First = d.First
	}
	if s.Max <= 0 {
		s.Max = d.Max
	}
	if s.Factor <= 0 {
		s.Factor = d.Factor
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// backoff returns the wait after failed startup attempt n (1-based).
func (s Schedule) backoff(n int) time.Duration {
	d := float64(s.First)
	for i := 1; i < n; i++ {
		d *= s.Factor
		if d >= float64(s.Max) {
			return s.Max
		}
	}
	return min(time.Duration(d), s.Max)
}

// Spec describes one watched service.
type Spec struct {
	// Name is unique per Manager, for example "ollama" or "mcp:git".
	Name  string
	Kind  Kind
	Probe Probe
	// Schedule zero fields take DefaultSchedule values.
	Schedule Schedule
	// OnUp and OnDown run on their own goroutine after a transition.
	OnUp   func()
	OnDown func(err error)
}

// Status is a service's health as served by /v1/health.
type Status struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind,omitempty"`
	Ready bool   `json:"ready"`
	// Since is when Ready last changed; zero until the first transition.
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	// Failures counts consecutive failed probes.
	Failures  int    `json:"failures,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type transition int

const (
	steady transition = iota
	wentUp
	wentDown
)

// Watcher probes a single service.
type Watcher struct {
	spec   Spec
	sched  Schedule
	events *events.Bus
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns a copy of the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// observe records a probe outcome and reports the transition it caused.
func (w *Watcher) observe(err error, now time.Time) transition {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := &w.status
	st.LastCheck = now
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
		if st.Ready {
			st.Ready = false
			st.Since = now
			return wentDown
		}
		return steady
	}
	st.Failures = 0
	st.LastError = ""
	if !st.Ready {
		st.Ready = true
		st.Since = now
		return wentUp
	}
	return steady
}

func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.sched.Timeout)
	defer cancel()
	err := w.spec.Probe(pctx)
	if ctx.Err() != nil {
		// Shutting down; don't report the service as down.
		return ctx.Err()
	}
	switch w.observe(err, time.Now()) {
	case wentUp:
		w.log.Info("service up", "service", w.spec.Name, "kind", w.spec.Kind)
		w.events.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{
			"service": w.spec.Name,
			"kind":    string(w.spec.Kind),
		})
		if w.spec.OnUp != nil {
			go w.spec.OnUp()
		}
	case wentDown:
		w.log.Warn("service down", "service", w.spec.Name, "kind", w.spec.Kind, "error", err)
		w.events.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.spec.Name,
			"kind":    string(w.spec.Kind),
			"error":   err.Error(),
		})
		if w.spec.OnDown != nil {
			go w.spec.OnDown(err)
		}
	default:
		if err != nil {
			w.log.Debug("service unreachable", "service", w.spec.Name, "failures", w.Status().Failures, "error", err)
		}
	}
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for n := 1; n <= w.sched.StartupAttempts; n++ {
		if w.check(ctx) == nil || ctx.Err() != nil {
			break
		}
		if n == w.sched.StartupAttempts {
			w.log.Info("service still unreachable, polling",
				"service", w.spec.Name, "attempts", n, "interval", w.sched.Interval)
			break
		}
		if !sleep(ctx, w.sched.backoff(n)) {
			return
		}
	}

	ticker := time.NewTicker(w.sched.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers for one process.
type Manager struct {
	events *events.Bus
	log    *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates a Manager. ev may be nil.
func NewManager(logger *slog.Logger, ev *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		events:   ev,
		log:      logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts watching spec until ctx ends, Unwatch or Stop. A watcher
// already registered under the same name is stopped and replaced.
// Watch panics on an empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, spec Spec) *Watcher {
	if spec.Name == "" || spec.Probe == nil {
		panic("connwatch: Spec needs a Name and a Probe")
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		spec:   spec,
		sched:  spec.Schedule.withDefaults(),
		events: m.events,
		log:    m.log,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: spec.Name, Kind: spec.Kind},
	}

	m.mu.Lock()
	old := m.watchers[spec.Name]
	m.watchers[spec.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Unwatch stops and forgets the named watcher.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Ready reports whether the named service is up. Unknown names are not.
func (m *Manager) Ready(name string) bool {
	m.mu.Lock()
	w := m.watchers[name]
	m.mu.Unlock()
	return w != nil && w.Ready()
}

// Status lists every watched service sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
