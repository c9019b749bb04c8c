package mqtt

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
)

func TestSanitizeTopic(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"holding_100", "holding_100"},
		{"line a/pump", "line_a_pump"},
		{"temp+setpoint", "temp_setpoint"},
		{"all#wildcard", "all_wildcard"},
	}
	for _, tt := range tests {
		if got := sanitizeTopic(tt.in); got != tt.want {
			t.Errorf("sanitizeTopic(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeliverBuffersWhileDisconnected(t *testing.T) {
	p := NewPublisher(Config{BufferSize: 4, TopicPrefix: "modbus"}, zerolog.New(io.Discard), nil)

	outcome := domain.CycleOutcome{
		Readings: []domain.Reading{
			{Name: "holding_100", Address: 100, Kind: domain.KindHolding,
				Values: []interface{}{uint16(1)}, Timestamp: time.Now()},
			{Name: "coil_5", Address: 5, Kind: domain.KindCoil,
				Values: []interface{}{true}, Timestamp: time.Now()},
		},
		SpecCount: 2,
		Timestamp: time.Now(),
	}

	if err := p.Deliver(context.Background(), outcome); err != nil {
		t.Fatalf("Deliver() while disconnected should buffer, got %v", err)
	}
	if got := len(p.buffer); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
	if got := p.stats.MessagesBuffered.Load(); got != 2 {
		t.Errorf("MessagesBuffered = %d, want 2", got)
	}
}

func TestPublishFailureIsBufferedForReplay(t *testing.T) {
	// Connected flag set but no client attached: every publish fails.
	p := NewPublisher(Config{BufferSize: 4, TopicPrefix: "modbus"}, zerolog.New(io.Discard), nil)
	p.connected.Store(true)

	outcome := domain.CycleOutcome{
		Readings: []domain.Reading{
			{Name: "holding_100", Address: 100, Kind: domain.KindHolding,
				Values: []interface{}{uint16(1)}, Timestamp: time.Now()},
		},
		SpecCount: 1,
		Timestamp: time.Now(),
	}

	err := p.Deliver(context.Background(), outcome)
	if err == nil {
		t.Fatal("Deliver() should report the publish failure")
	}
	if got := len(p.buffer); got != 1 {
		t.Errorf("buffered = %d, want 1 (failed publish kept for replay)", got)
	}
	if got := p.stats.MessagesBuffered.Load(); got != 1 {
		t.Errorf("MessagesBuffered = %d, want 1", got)
	}
}

func TestBufferDropsOldestWhenFull(t *testing.T) {
	p := NewPublisher(Config{BufferSize: 2}, zerolog.New(io.Discard), nil)

	p.bufferMessage("modbus/a", []byte("1"))
	p.bufferMessage("modbus/b", []byte("2"))
	p.bufferMessage("modbus/c", []byte("3"))

	if got := len(p.buffer); got != 2 {
		t.Fatalf("buffer length = %d, want 2", got)
	}
	first := <-p.buffer
	if first.topic != "modbus/b" {
		t.Errorf("oldest surviving topic = %q, want modbus/b", first.topic)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BrokerURL == "" || cfg.ClientID == "" || cfg.TopicPrefix == "" {
		t.Error("DefaultConfig() left required fields empty")
	}
	if cfg.QoS != 1 {
		t.Errorf("QoS = %d, want 1", cfg.QoS)
	}
}
