// Package service contains the monitoring loop and poll cycle logic.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/metrics"
)

// Connection is the device connection the monitor drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Read(ctx context.Context, spec domain.RegisterSpec) ([]interface{}, error)
}

// Sink receives completed cycle outcomes. Deliver errors are logged and
// never terminate the monitor.
type Sink interface {
	Deliver(ctx context.Context, outcome domain.CycleOutcome) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, outcome domain.CycleOutcome) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, outcome domain.CycleOutcome) error {
	return f(ctx, outcome)
}

// MultiSink fans one outcome out to several sinks. Each sink is invoked
// even if earlier ones fail; the first error is returned.
type MultiSink []Sink

// Deliver delivers the outcome to every sink in order.
func (m MultiSink) Deliver(ctx context.Context, outcome domain.CycleOutcome) error {
	var firstErr error
	for _, s := range m {
		if err := s.Deliver(ctx, outcome); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// State describes the monitor lifecycle.
type State int32

const (
	StateIdle      State = iota // never started
	StateRunning                // loop active
	StateStopped                // ended by Stop or failure budget
	StateCancelled              // ended by context cancellation
)

// String returns the state label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DefaultFailureCeiling is the number of consecutive failed cycles
// after which the monitor stops itself.
const DefaultFailureCeiling = 5

// Config holds monitor loop configuration.
type Config struct {
	// PollInterval is the sleep between cycles
	PollInterval time.Duration

	// FailureCeiling is the consecutive-failure budget; 0 means the default
	FailureCeiling int
}

// Stats holds cumulative monitor counters, safe for concurrent reads.
type Stats struct {
	CyclesTotal         atomic.Uint64
	CyclesFull          atomic.Uint64
	CyclesPartial       atomic.Uint64
	CyclesFailed        atomic.Uint64
	ConsecutiveFailures atomic.Uint32
	LastCycleAt         atomic.Int64 // unix nanos, 0 until first cycle
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CyclesTotal         uint64     `json:"cycles_total"`
	CyclesFull          uint64     `json:"cycles_full"`
	CyclesPartial       uint64     `json:"cycles_partial"`
	CyclesFailed        uint64     `json:"cycles_failed"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
}

// Monitor owns one device connection and polls a mutable ordered set of
// register specs at a fixed interval, delivering each cycle's outcome
// to the sink. A Monitor runs at most one loop over its lifetime.
type Monitor struct {
	conn    Connection
	sink    Sink
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	specs []domain.RegisterSpec

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	disconnectOnce sync.Once

	stats Stats

	// newTimer is swapped in tests to avoid real sleeps
	newTimer func(d time.Duration) <-chan time.Time
}

// NewMonitor creates a monitor in the idle state.
func NewMonitor(conn Connection, sink Sink, config Config, logger zerolog.Logger, reg *metrics.Registry) *Monitor {
	if config.FailureCeiling <= 0 {
		config.FailureCeiling = DefaultFailureCeiling
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Monitor{
		conn:    conn,
		sink:    sink,
		config:  config,
		logger:  logger.With().Str("component", "monitor").Logger(),
		metrics: reg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		newTimer: func(d time.Duration) <-chan time.Time {
			return time.After(d)
		},
	}
}

// AddRegister appends a validated spec to the poll set. The next cycle
// picks it up; a cycle already in flight is unaffected.
func (m *Monitor) AddRegister(spec domain.RegisterSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Name == "" {
		spec.Name = spec.DefaultName()
	}
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	m.logger.Info().
		Str("register", spec.Name).
		Uint16("address", spec.Address).
		Uint16("count", spec.Count).
		Str("kind", string(spec.Kind)).
		Msg("Register added")
	return nil
}

// ClearRegisters removes all specs from the poll set.
func (m *Monitor) ClearRegisters() {
	m.mu.Lock()
	m.specs = nil
	m.mu.Unlock()
	m.logger.Info().Msg("Register set cleared")
}

// Registers returns a copy of the current poll set in poll order.
func (m *Monitor) Registers() []domain.RegisterSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RegisterSpec, len(m.specs))
	copy(out, m.specs)
	return out
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// StatsSnapshot returns a copy of the cumulative counters.
func (m *Monitor) StatsSnapshot() Snapshot {
	snap := Snapshot{
		CyclesTotal:         m.stats.CyclesTotal.Load(),
		CyclesFull:          m.stats.CyclesFull.Load(),
		CyclesPartial:       m.stats.CyclesPartial.Load(),
		CyclesFailed:        m.stats.CyclesFailed.Load(),
		ConsecutiveFailures: m.stats.ConsecutiveFailures.Load(),
	}
	if ns := m.stats.LastCycleAt.Load(); ns != 0 {
		t := time.Unix(0, ns)
		snap.LastCycleAt = &t
	}
	return snap
}

// IsConnected reports the underlying connection state.
func (m *Monitor) IsConnected() bool {
	return m.conn.IsConnected()
}

// Start launches the monitor loop. It returns ErrMonitorRunning if the
// loop is active and ErrMonitorTerminated if it has already ended; a
// Monitor cannot be restarted.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if m.State() == StateRunning {
			return domain.ErrMonitorRunning
		}
		return domain.ErrMonitorTerminated
	}
	m.logger.Info().
		Dur("poll_interval", m.config.PollInterval).
		Int("failure_ceiling", m.config.FailureCeiling).
		Msg("Monitor starting")
	go m.run(ctx)
	return nil
}

// Stop requests the loop to end. It is idempotent and returns
// immediately; wait on Done for the loop to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Done is closed when the loop has fully shut down, including the
// connection teardown.
func (m *Monitor) Done() <-chan struct{} {
	return m.doneCh
}

// run is the monitor loop. Each iteration reconnects if needed, runs
// one poll cycle, delivers the outcome, and sleeps. The loop ends on
// Stop, context cancellation, or when the consecutive-failure count
// reaches the ceiling.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			m.state.Store(int32(StateCancelled))
			m.logger.Info().Msg("Monitor cancelled")
			return
		case <-m.stopCh:
			m.state.Store(int32(StateStopped))
			m.logger.Info().Msg("Monitor stopped")
			return
		default:
		}

		failed := m.iterate(ctx)
		if failed {
			n := m.stats.ConsecutiveFailures.Add(1)
			if int(n) >= m.config.FailureCeiling {
				m.state.Store(int32(StateStopped))
				m.logger.Error().
					Uint32("consecutive_failures", n).
					Msg("Failure ceiling reached, monitor stopping")
				return
			}
			m.logger.Warn().
				Uint32("consecutive_failures", n).
				Int("ceiling", m.config.FailureCeiling).
				Msg("Cycle failed")
		} else {
			m.stats.ConsecutiveFailures.Store(0)
		}

		select {
		case <-ctx.Done():
			m.state.Store(int32(StateCancelled))
			m.logger.Info().Msg("Monitor cancelled")
			return
		case <-m.stopCh:
			m.state.Store(int32(StateStopped))
			m.logger.Info().Msg("Monitor stopped")
			return
		case <-m.newTimer(m.config.PollInterval):
		}
	}
}

// iterate runs one reconnect-poll-deliver pass and reports whether it
// counts against the failure budget.
func (m *Monitor) iterate(ctx context.Context) bool {
	if !m.conn.IsConnected() {
		if err := m.conn.Connect(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Reconnect failed")
			m.recordCycle(domain.CycleFailed, 0)
			return true
		}
	}

	start := time.Now()
	outcome := m.pollCycle(ctx)
	class := outcome.Classify()
	m.recordCycle(class, time.Since(start).Seconds())

	// Empty spec sets produce a trivially full cycle with nothing to
	// deliver.
	if outcome.SpecCount > 0 && !outcome.Empty() {
		m.deliver(ctx, outcome)
	}

	return class == domain.CycleFailed
}

// pollCycle reads every configured spec concurrently and aggregates the
// successes into an outcome preserving spec order. Specs whose reads
// fail are dropped from the outcome.
func (m *Monitor) pollCycle(ctx context.Context) domain.CycleOutcome {
	specs := m.Registers()
	outcome := domain.CycleOutcome{
		SpecCount: len(specs),
		Timestamp: time.Now(),
	}
	if len(specs) == 0 {
		return outcome
	}

	results := make([]*domain.Reading, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec domain.RegisterSpec) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().
						Str("register", spec.DisplayName()).
						Interface("panic", r).
						Msg("Read panicked")
				}
			}()
			values, err := m.conn.Read(ctx, spec)
			if err != nil {
				m.logger.Warn().
					Err(err).
					Str("register", spec.DisplayName()).
					Msg("Read failed")
				return
			}
			reading := domain.NewReading(spec, values)
			results[i] = &reading
		}(i, spec)
	}
	wg.Wait()

	for _, r := range results {
		if r != nil {
			outcome.Readings = append(outcome.Readings, *r)
		}
	}
	return outcome
}

// deliver hands the outcome to the sink. Sink errors and panics are
// logged; they never fail the cycle.
func (m *Monitor) deliver(ctx context.Context, outcome domain.CycleOutcome) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Sink panicked")
			if m.metrics != nil {
				m.metrics.RecordSinkDelivery(false)
			}
		}
	}()
	err := m.sink.Deliver(ctx, outcome)
	if m.metrics != nil {
		m.metrics.RecordSinkDelivery(err == nil)
	}
	if err != nil {
		m.logger.Warn().Err(err).Int("readings", len(outcome.Readings)).Msg("Sink delivery failed")
	}
}

// recordCycle updates counters and metrics for one completed cycle.
func (m *Monitor) recordCycle(class domain.CycleClass, duration float64) {
	m.stats.CyclesTotal.Add(1)
	m.stats.LastCycleAt.Store(time.Now().UnixNano())
	switch class {
	case domain.CycleFull:
		m.stats.CyclesFull.Add(1)
	case domain.CyclePartial:
		m.stats.CyclesPartial.Add(1)
	case domain.CycleFailed:
		m.stats.CyclesFailed.Add(1)
	}
	if m.metrics != nil {
		failures := int(m.stats.ConsecutiveFailures.Load())
		if class == domain.CycleFailed {
			failures++
		}
		m.metrics.RecordCycle(string(class), duration, failures)
	}
}

// shutdown tears down the connection exactly once, whatever ended the
// loop.
func (m *Monitor) shutdown() {
	m.disconnectOnce.Do(func() {
		if err := m.conn.Disconnect(); err != nil {
			m.logger.Warn().Err(err).Msg("Disconnect failed")
		}
		m.logger.Info().
			Uint64("cycles_total", m.stats.CyclesTotal.Load()).
			Str("state", m.State().String()).
			Msg("Monitor shut down")
	})
}

// RunUntilDone starts the monitor and blocks until it ends. Convenience
// for callers without their own lifecycle management.
func (m *Monitor) RunUntilDone(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.doneCh
	if m.State() == StateCancelled {
		return fmt.Errorf("%w: cancelled", domain.ErrMonitorTerminated)
	}
	return nil
}
