// Package modbus provides the Modbus TCP connection adapter.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/metrics"
)

// ClientConfig holds Modbus TCP client configuration.
type ClientConfig struct {
	// Address is the target in host:port form
	Address string

	// SlaveID is the Modbus unit identifier (1-247, 0 for broadcast)
	SlaveID byte

	// Timeout applies to each request/response exchange
	Timeout time.Duration

	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration

	// IdleTimeout closes the underlying socket after inactivity
	IdleTimeout time.Duration

	// MaxRetries is the number of read retries after the first attempt
	MaxRetries int

	// RetryDelay is the base delay between retries, doubled per attempt
	RetryDelay time.Duration
}

// DefaultClientConfig returns a config with sensible defaults.
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:        address,
		SlaveID:        1,
		Timeout:        5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxRetries:     2,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c ClientConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", domain.ErrConnectionFailed)
	}
	if c.SlaveID > 247 {
		return fmt.Errorf("%w: %d (must be 0-247)", domain.ErrInvalidSlaveID, c.SlaveID)
	}
	return nil
}

// Client is a Modbus TCP client bound to a single slave device. It owns
// one logical connection; Connect and Disconnect bracket its lifetime
// and Disconnect is safe to call any number of times.
type Client struct {
	config    ClientConfig
	handler   *gomodbus.TCPClientHandler
	client    gomodbus.Client
	breaker   *gobreaker.CircuitBreaker
	connected atomic.Bool
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

// NewClient creates a Modbus TCP client. The returned client is not
// connected; call Connect before issuing reads.
func NewClient(config ClientConfig, logger zerolog.Logger, reg *metrics.Registry) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	handler := gomodbus.NewTCPClientHandler(config.Address)
	handler.Timeout = config.Timeout
	handler.SlaveId = config.SlaveID
	handler.IdleTimeout = config.IdleTimeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "modbus-connect",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		config:  config,
		handler: handler,
		client:  gomodbus.NewClient(handler),
		breaker: breaker,
		logger:  logger.With().Str("component", "modbus").Str("address", config.Address).Logger(),
		metrics: reg,
	}, nil
}

// Connect establishes the TCP connection through the circuit breaker.
// Connecting while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.dial(ctx)
	})
	if c.metrics != nil {
		c.metrics.RecordConnect(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", domain.ErrCircuitBreakerOpen, err)
		}
		c.logger.Error().Err(err).Msg("Connection failed")
		return err
	}

	c.connected.Store(true)
	c.logger.Info().Uint8("slave_id", c.config.SlaveID).Msg("Connected to Modbus device")
	return nil
}

// dial performs the actual connection attempt bounded by ConnectTimeout.
func (c *Client) dial(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.handler.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
		return nil
	case <-connectCtx.Done():
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", domain.ErrConnectionTimeout, c.config.ConnectTimeout)
		}
		return connectCtx.Err()
	}
}

// Disconnect closes the connection. It is idempotent: repeated calls
// and calls on a never-connected client return nil.
func (c *Client) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	if c.metrics != nil {
		c.metrics.RecordDisconnect()
	}
	if err := c.handler.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing connection")
		return nil
	}
	c.logger.Info().Msg("Disconnected from Modbus device")
	return nil
}

// IsConnected reports whether Connect has succeeded without a
// subsequent Disconnect.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Read reads the range described by spec and returns exactly spec.Count
// values: uint16 for register kinds, bool for bit kinds. Failed attempts
// are retried up to MaxRetries times with exponential backoff.
func (c *Client) Read(ctx context.Context, spec domain.RegisterSpec) ([]interface{}, error) {
	if !c.connected.Load() {
		return nil, domain.ErrNotConnected
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		values, err := c.readOnce(spec)
		if c.metrics != nil {
			c.metrics.RecordRead(string(spec.Kind), err)
		}
		if err == nil {
			return values, nil
		}
		lastErr = err
		c.logger.Debug().
			Err(err).
			Str("register", spec.DisplayName()).
			Int("attempt", attempt+1).
			Msg("Read attempt failed")
	}

	return nil, fmt.Errorf("%w: %s: %v", domain.ErrReadFailed, spec.DisplayName(), lastErr)
}

// readOnce issues one read request for the spec's kind.
func (c *Client) readOnce(spec domain.RegisterSpec) ([]interface{}, error) {
	var (
		data []byte
		err  error
	)
	switch spec.Kind {
	case domain.KindHolding:
		data, err = c.client.ReadHoldingRegisters(spec.Address, spec.Count)
	case domain.KindInput:
		data, err = c.client.ReadInputRegisters(spec.Address, spec.Count)
	case domain.KindCoil:
		data, err = c.client.ReadCoils(spec.Address, spec.Count)
	case domain.KindDiscreteInput:
		data, err = c.client.ReadDiscreteInputs(spec.Address, spec.Count)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRegisterKind, spec.Kind)
	}
	if err != nil {
		return nil, translateError(err)
	}

	if spec.Kind.IsBitKind() {
		return decodeBits(data, int(spec.Count))
	}
	return decodeRegisters(data, int(spec.Count))
}

// WriteRegister writes a single holding register.
func (c *Client) WriteRegister(ctx context.Context, address, value uint16) error {
	if !c.connected.Load() {
		return domain.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.client.WriteSingleRegister(address, value); err != nil {
		return fmt.Errorf("%w: register %d: %v", domain.ErrWriteFailed, address, translateError(err))
	}
	c.logger.Debug().Uint16("address", address).Uint16("value", value).Msg("Wrote register")
	return nil
}

// WriteRegisters writes consecutive holding registers starting at address.
func (c *Client) WriteRegisters(ctx context.Context, address uint16, values []uint16) error {
	if !c.connected.Load() {
		return domain.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(values) == 0 || len(values) > domain.MaxRegisterCount {
		return fmt.Errorf("%w: %d values", domain.ErrInvalidRegisterCount, len(values))
	}

	data := make([]byte, len(values)*2)
	for i, v := range values {
		data[i*2] = byte(v >> 8)
		data[i*2+1] = byte(v)
	}
	if _, err := c.client.WriteMultipleRegisters(address, uint16(len(values)), data); err != nil {
		return fmt.Errorf("%w: registers %d+%d: %v", domain.ErrWriteFailed, address, len(values), translateError(err))
	}
	c.logger.Debug().Uint16("address", address).Int("count", len(values)).Msg("Wrote registers")
	return nil
}

// WriteCoil writes a single coil.
func (c *Client) WriteCoil(ctx context.Context, address uint16, value bool) error {
	if !c.connected.Load() {
		return domain.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var raw uint16
	if value {
		raw = 0xFF00
	}
	if _, err := c.client.WriteSingleCoil(address, raw); err != nil {
		return fmt.Errorf("%w: coil %d: %v", domain.ErrWriteFailed, address, translateError(err))
	}
	c.logger.Debug().Uint16("address", address).Bool("value", value).Msg("Wrote coil")
	return nil
}

// HealthCheck verifies the connection by reading one holding register.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.connected.Load() {
		return domain.ErrNotConnected
	}
	spec := domain.RegisterSpec{Address: 0, Count: 1, Kind: domain.KindHolding}
	_, err := c.Read(ctx, spec)
	return err
}

// translateError maps library errors to domain errors, unpacking Modbus
// exception responses.
func translateError(err error) error {
	var mbErr *gomodbus.ModbusError
	if errors.As(err, &mbErr) {
		return domain.ModbusExceptionToError(mbErr.ExceptionCode)
	}
	return err
}
