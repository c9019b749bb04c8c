// Package domain contains core business entities.
package domain

import "errors"

// Connection errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrNotConnected       = errors.New("not connected to device")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrInvalidSlaveID     = errors.New("invalid slave ID")
)

// Read/Write errors.
var (
	ErrReadFailed           = errors.New("read operation failed")
	ErrWriteFailed          = errors.New("write operation failed")
	ErrShortRead            = errors.New("device returned fewer values than requested")
	ErrInvalidRegisterKind  = errors.New("invalid register kind")
	ErrInvalidRegisterCount = errors.New("invalid register count")
)

// Modbus exception errors, translated from response exception codes.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)

// Monitor lifecycle errors.
var (
	ErrMonitorRunning    = errors.New("monitor is already running")
	ErrMonitorNotRunning = errors.New("monitor is not running")
	ErrMonitorTerminated = errors.New("monitor has terminated")
)

// Sink errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrStoreUnavailable     = errors.New("readings store unavailable")
	ErrNoData               = errors.New("no data available")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrReadFailed
	}
}
