package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/metrics"
)

// Supervisor makes monitoring resumable. A Monitor runs at most one
// loop, so the supervisor owns construction: starting after a previous
// loop ended builds a fresh Monitor over the same connection, sinks,
// and current register set.
type Supervisor struct {
	conn     Connection
	sink     Sink
	config   Config
	logger   zerolog.Logger
	metrics  *metrics.Registry
	newTimer func(d time.Duration) <-chan time.Time

	mu      sync.Mutex
	specs   []domain.RegisterSpec
	current *Monitor
}

// NewSupervisor creates a supervisor with no monitor running.
func NewSupervisor(conn Connection, sink Sink, config Config, logger zerolog.Logger, reg *metrics.Registry) *Supervisor {
	return &Supervisor{
		conn:    conn,
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: reg,
	}
}

// Start launches a monitor loop. While a loop is running it returns
// ErrMonitorRunning; after one has ended a fresh monitor is built
// carrying the current register set, so monitoring resumes with reset
// failure counters.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.State() == StateRunning {
		return domain.ErrMonitorRunning
	}

	m := NewMonitor(s.conn, s.sink, s.config, s.logger, s.metrics)
	if s.newTimer != nil {
		m.newTimer = s.newTimer
	}
	for _, spec := range s.specs {
		if err := m.AddRegister(spec); err != nil {
			return err
		}
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	s.current = m
	return nil
}

// Stop requests the running loop to end. No-op when nothing runs.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	m := s.current
	s.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// Done returns the current loop's completion channel, or nil (which
// blocks forever in a select) when no loop has been started.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Done()
}

// State reports the current loop's state, StateIdle before any start.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return StateIdle
	}
	return s.current.State()
}

// StatsSnapshot returns the current loop's counters. Counters reset
// when monitoring is resumed after a stop.
func (s *Supervisor) StatsSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Snapshot{}
	}
	return s.current.StatsSnapshot()
}

// IsConnected reports the underlying connection state.
func (s *Supervisor) IsConnected() bool {
	return s.conn.IsConnected()
}

// AddRegister appends a validated spec to the register set, forwarding
// it to a running loop so the next cycle picks it up.
func (s *Supervisor) AddRegister(spec domain.RegisterSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Name == "" {
		spec.Name = spec.DefaultName()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if s.current != nil {
		return s.current.AddRegister(spec)
	}
	return nil
}

// ClearRegisters removes all specs, from the running loop too.
func (s *Supervisor) ClearRegisters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = nil
	if s.current != nil {
		s.current.ClearRegisters()
	}
}

// Registers returns a copy of the register set in poll order.
func (s *Supervisor) Registers() []domain.RegisterSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RegisterSpec, len(s.specs))
	copy(out, s.specs)
	return out
}
