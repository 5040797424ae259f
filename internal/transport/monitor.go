// Package transport detects messaging-channel outages and drives reconnect
// backoff. It is a small explicit state machine: Online, and Offline with a
// growing probe delay.
package transport

import (
	"context"
	"sync"
	"time"

	"courier/pkg/logger"
)

// State is the transport health state.
type State int

const (
	// StateOnline means the channel is believed healthy.
	StateOnline State = iota

	// StateOffline means the failure threshold was crossed and reconnect
	// probes are being scheduled.
	StateOffline
)

func (s State) String() string {
	if s == StateOffline {
		return "offline"
	}
	return "online"
}

// ProbeFunc performs a lightweight identity call against the channel.
type ProbeFunc func(ctx context.Context) error

// Config tunes the monitor.
type Config struct {
	// FailureThreshold is how many consecutive failures trip Offline.
	FailureThreshold int

	// Backoff is the probe delay policy.
	Backoff BackoffPolicy

	// LogWindow rate-limits failure logging: at most one line per window,
	// with an accumulated repeat count.
	LogWindow time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Backoff:          DefaultBackoffPolicy(),
		LogWindow:        30 * time.Second,
	}
}

// Monitor tracks consecutive channel failures and owns the single
// cancellable probe timer, so shutdown deterministically cancels any pending
// reconnect attempt.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	probe    ProbeFunc
	state    State
	failures int
	attempt  int
	timer    *time.Timer
	stopped  bool

	onOffline func()
	onOnline  func()

	// failure-log suppression
	lastLog    time.Time
	suppressed int
}

// NewMonitor creates a monitor in the Online state.
func NewMonitor(cfg Config, probe ProbeFunc) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = 30 * time.Second
	}
	return &Monitor{cfg: cfg, probe: probe}
}

// SetCallbacks registers transition hooks. onOffline fires when the monitor
// trips Offline; onOnline fires when a probe succeeds and receiving may
// resume.
func (m *Monitor) SetCallbacks(onOffline, onOnline func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = onOffline
	m.onOnline = onOnline
}

// State returns the current health state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConsecutiveFailures returns the current failure count.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// RecordSuccess resets the failure count. Any successful inbound message
// counts.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

// RecordFailure counts a delivery/receive error. Crossing the threshold
// while Online transitions to Offline and schedules the first probe.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	m.failures++
	m.logFailureLocked(err)

	if m.state == StateOnline && m.failures >= m.cfg.FailureThreshold && !m.stopped {
		m.state = StateOffline
		m.attempt = 0
		hook := m.onOffline
		delay := m.cfg.Backoff.Delay(0)
		m.scheduleProbeLocked(delay)
		m.mu.Unlock()

		logger.Warn().
			Int("failures", m.failures).
			Dur("next_probe", delay).
			Msg("transport offline, reconnect scheduled")
		if hook != nil {
			hook()
		}
		return
	}
	m.mu.Unlock()
}

// logFailureLocked emits at most one failure line per window. Caller holds
// m.mu.
func (m *Monitor) logFailureLocked(err error) {
	now := time.Now()
	if now.Sub(m.lastLog) < m.cfg.LogWindow {
		m.suppressed++
		return
	}
	ev := logger.Warn().Int("consecutive_failures", m.failures)
	if m.suppressed > 0 {
		ev = ev.Int("repeats_suppressed", m.suppressed)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("channel failure")
	m.lastLog = now
	m.suppressed = 0
}

// scheduleProbeLocked arms the probe timer. Caller holds m.mu.
func (m *Monitor) scheduleProbeLocked(delay time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, m.runProbe)
}

// runProbe performs one reconnect probe and either returns to Online or
// doubles the delay and rearms the timer.
func (m *Monitor) runProbe() {
	m.mu.Lock()
	if m.stopped || m.state != StateOffline {
		m.mu.Unlock()
		return
	}
	probe := m.probe
	attempt := m.attempt
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := probe(ctx)
	cancel()

	m.mu.Lock()
	if m.stopped || m.state != StateOffline {
		m.mu.Unlock()
		return
	}

	if err == nil {
		m.state = StateOnline
		m.failures = 0
		m.attempt = 0
		hook := m.onOnline
		m.mu.Unlock()

		logger.Info().Msg("transport back online")
		if hook != nil {
			hook()
		}
		return
	}

	m.attempt = attempt + 1
	delay := m.cfg.Backoff.Delay(m.attempt)
	m.scheduleProbeLocked(delay)
	m.mu.Unlock()

	logger.Warn().
		Err(err).
		Int("attempt", attempt+1).
		Dur("next_probe", delay).
		Msg("reconnect probe failed")
}

// Stop cancels any pending probe timer. The monitor accepts no further
// transitions afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
