package bridge

import (
	"fmt"
	"sync/atomic"
)

// Metrics holds the relay's counters. Calls, errors and reconnects are
// monotonic; active is a gauge floored at zero.
type Metrics struct {
	calls      atomic.Int64
	errors     atomic.Int64
	active     atomic.Int64
	reconnects atomic.Int64
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncCalls counts a placed outbound call.
func (m *Metrics) IncCalls() {
	m.calls.Add(1)
	m.active.Add(1)
}

// IncErrors counts a provider or session error.
func (m *Metrics) IncErrors() {
	m.errors.Add(1)
}

// DecActive decrements the active-call gauge, flooring at zero.
func (m *Metrics) DecActive() {
	for {
		cur := m.active.Load()
		if cur <= 0 {
			return
		}
		if m.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// IncReconnects counts a successful AI reconnect.
func (m *Metrics) IncReconnects() {
	m.reconnects.Add(1)
}

// Snapshot is a point-in-time reading of all counters.
type Snapshot struct {
	Calls      int64
	Errors     int64
	Active     int64
	Reconnects int64
}

// Snapshot reads all counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Calls:      m.calls.Load(),
		Errors:     m.errors.Load(),
		Active:     m.active.Load(),
		Reconnects: m.reconnects.Load(),
	}
}

// RenderPrometheus emits the counters in Prometheus text exposition.
func (m *Metrics) RenderPrometheus() string {
	s := m.Snapshot()
	return fmt.Sprintf("calls_total %d\nerrors_total %d\nactive_calls %d\nreconnects_total %d\n",
		s.Calls, s.Errors, s.Active, s.Reconnects)
}
