package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// Monitor tracks whether the backend is reachable. A probe failure is a
// state, not an error: CheckConnection never fails.
type Monitor struct {
	prober  Prober
	timeout time.Duration

	online  atomic.Bool
	checked atomic.Bool

	mu        stdsync.Mutex
	listeners []func(online bool)
}

// NewMonitor creates a monitor that starts out offline until the first probe.
func NewMonitor(prober Prober, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Monitor{prober: prober, timeout: timeout}
}

// IsOnline returns the result of the last probe.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// OnChange registers fn to be called after every online/offline transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// CheckConnection probes the backend, updates the state and returns it.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.prober.HealthCheck(probeCtx)
	online := err == nil
	if err != nil {
		slog.Debug("connectivity: probe failed", "err", err)
	}

	prev := m.online.Swap(online)
	first := !m.checked.Swap(true)
	if prev != online || (first && online) {
		slog.Info("connectivity: state changed", "online", online)
		m.notify(online)
	}
	return online
}

func (m *Monitor) notify(online bool) {
	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.CheckConnection(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckConnection(ctx)
		}
	}
}
