package store

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewStoreAppliesDefaults(t *testing.T) {
	s := NewStore(Config{Addr: "localhost:6379"}, zerolog.New(io.Discard), nil)
	defer s.Close()

	if s.latestKey != "modbus:latest" {
		t.Errorf("latestKey = %q, want modbus:latest", s.latestKey)
	}
	if s.historyKey != "modbus:history" {
		t.Errorf("historyKey = %q, want modbus:history", s.historyKey)
	}
	if s.historySize != 1000 {
		t.Errorf("historySize = %d, want 1000", s.historySize)
	}
}

func TestNewStoreCustomPrefix(t *testing.T) {
	s := NewStore(Config{Addr: "localhost:6379", KeyPrefix: "plant1", HistorySize: 50}, zerolog.New(io.Discard), nil)
	defer s.Close()

	if s.latestKey != "plant1:latest" || s.historyKey != "plant1:history" {
		t.Errorf("keys = %q/%q", s.latestKey, s.historyKey)
	}
	if s.historySize != 50 {
		t.Errorf("historySize = %d, want 50", s.historySize)
	}
}
