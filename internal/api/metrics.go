package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	submits      atomic.Int64
	duplicates   atomic.Int64
	rejections   atomic.Int64
	fetches      atomic.Int64
	recordsOut   atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Requests          int64   `json:"requests"`
	ServerErrors      int64   `json:"server_errors"`
	ClientErrors      int64   `json:"client_errors"`
	MutationsApplied  int64   `json:"mutations_applied"`
	MutationsReplayed int64   `json:"mutations_replayed"`
	MutationsRejected int64   `json:"mutations_rejected"`
	FetchRequests     int64   `json:"fetch_requests"`
	RecordsServed     int64   `json:"records_served"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordResponse counts a finished request by its status class.
func (m *Metrics) RecordResponse(status int) {
	m.requests.Add(1)
	switch {
	case status >= 500:
		m.serverErrors.Add(1)
	case status >= 400:
		m.clientErrors.Add(1)
	}
}

// RecordSubmit counts an applied mutation, or a replayed one when duplicate.
func (m *Metrics) RecordSubmit(duplicate bool) {
	if duplicate {
		m.duplicates.Add(1)
		return
	}
	m.submits.Add(1)
}

// RecordRejection counts a mutation refused as invalid.
func (m *Metrics) RecordRejection() {
	m.rejections.Add(1)
}

// RecordFetch counts a fetch request and the records it returned.
func (m *Metrics) RecordFetch(records int) {
	m.fetches.Add(1)
	m.recordsOut.Add(int64(records))
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
		Requests:          m.requests.Load(),
		ServerErrors:      m.serverErrors.Load(),
		ClientErrors:      m.clientErrors.Load(),
		MutationsApplied:  m.submits.Load(),
		MutationsReplayed: m.duplicates.Load(),
		MutationsRejected: m.rejections.Load(),
		FetchRequests:     m.fetches.Load(),
		RecordsServed:     m.recordsOut.Load(),
	}
}
