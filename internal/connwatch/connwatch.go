// Package connwatch tracks the reachability of upstream model providers.
//
// Each Watcher probes one dependency. While the dependency is down it
// retries with exponential backoff; once up it falls back to a slow poll.
// Transitions are logged and exported as the switchyard_dependency_up
// gauge, and the current view feeds the /health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dependencyUp = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "switchyard",
		Name:      "dependency_up",
		Help:      "Whether an upstream dependency answered its last probe (1) or not (0).",
	},
	[]string{"service"},
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the defaults from
// [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff retries a down service at 2s, 4s, 8s ... up to 60s and
// re-checks a healthy one every 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is the health of one dependency as reported by /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// Status returns the current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Wait blocks until the watcher stops.
func (w *Watcher) Wait() {
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for {
		ready := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		next := w.backoff.PollInterval
		if ready {
			delay = w.backoff.InitialDelay
		} else {
			next = delay
			delay = min(delay*2, w.backoff.MaxDelay)
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the result. It returns readiness.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	failures := w.status.Failures
	w.mu.Unlock()

	if err == nil {
		dependencyUp.WithLabelValues(w.name).Set(1)
	} else {
		dependencyUp.WithLabelValues(w.name).Set(0)
	}

	switch {
	case err == nil && !wasReady:
		w.logger.Info("dependency reachable", "service", w.name)
	case err != nil && wasReady:
		w.logger.Warn("dependency became unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("dependency still unreachable", "service", w.name, "failures", failures, "error", err)
	}
	return err == nil
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	backoff  Backoff
	logger   *slog.Logger
}

// NewManager creates a manager whose watchers use backoff.
func NewManager(backoff Backoff, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		backoff:  backoff.withDefaults(),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts probing a dependency until ctx is cancelled. Watching an
// already watched name returns the existing watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[name]; ok {
		return w
	}

	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: m.backoff,
		logger:  m.logger,
		done:    make(chan struct{}),
		status:  ServiceStatus{Name: name},
	}
	m.watchers[name] = w
	go w.run(ctx)
	return w
}

// Status returns every watched dependency, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched dependency is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}
