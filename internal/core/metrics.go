package core

import (
	"sync"
	"time"

	"github.com/3cpo-dev/fleetstrap/internal/telemetry"
)

// PhaseStats accumulates the outcomes of one phase across runs.
type PhaseStats struct {
	Runs     int64
	Failures int64
	Duration time.Duration
}

// Metrics tracks per-phase statistics and mirrors them to a telemetry collector.
type Metrics struct {
	mu        sync.RWMutex
	phases    map[Phase]PhaseStats
	collector *telemetry.Collector
}

// NewMetrics creates a metrics tracker. A nil collector uses the global one.
func NewMetrics(collector *telemetry.Collector) *Metrics {
	if collector == nil {
		collector = telemetry.GetGlobal()
	}
	return &Metrics{phases: map[Phase]PhaseStats{}, collector: collector}
}

// RecordPhase records one execution of phase.
func (m *Metrics) RecordPhase(fleet string, phase Phase, duration time.Duration, failures int) {
	m.mu.Lock()
	s := m.phases[phase]
	s.Runs++
	s.Failures += int64(failures)
	s.Duration += duration
	m.phases[phase] = s
	m.mu.Unlock()

	labels := map[string]string{"fleet": fleet, "phase": string(phase)}
	m.collector.Timer("fleetstrap_phase_duration", duration, labels)
	if failures > 0 {
		m.collector.Counter("fleetstrap_node_failures", float64(failures), labels)
	}
}

// Stats returns the accumulated statistics for phase.
func (m *Metrics) Stats(phase Phase) PhaseStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phases[phase]
}
