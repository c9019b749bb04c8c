package domain

import (
	"testing"
	"time"
)

func TestCycleOutcomeClassify(t *testing.T) {
	reading := Reading{Name: "r", Values: []interface{}{uint16(1)}, Timestamp: time.Now()}

	tests := []struct {
		name    string
		outcome CycleOutcome
		want    CycleClass
	}{
		{
			name:    "empty spec set is trivially full",
			outcome: CycleOutcome{SpecCount: 0},
			want:    CycleFull,
		},
		{
			name:    "all specs succeeded",
			outcome: CycleOutcome{SpecCount: 2, Readings: []Reading{reading, reading}},
			want:    CycleFull,
		},
		{
			name:    "some specs failed",
			outcome: CycleOutcome{SpecCount: 3, Readings: []Reading{reading}},
			want:    CyclePartial,
		},
		{
			name:    "all specs failed",
			outcome: CycleOutcome{SpecCount: 2},
			want:    CycleFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Classify(); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewReadingCopiesSpecIdentity(t *testing.T) {
	spec := RegisterSpec{Address: 10, Count: 2, Kind: KindInput, Name: "temps"}
	values := []interface{}{uint16(21), uint16(22)}

	reading := NewReading(spec, values)
	if reading.Name != "temps" || reading.Address != 10 || reading.Kind != KindInput {
		t.Errorf("reading identity = %+v", reading)
	}
	if len(reading.Values) != 2 {
		t.Errorf("values = %d, want 2", len(reading.Values))
	}
	if reading.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestModbusExceptionToError(t *testing.T) {
	if got := ModbusExceptionToError(0x02); got != ErrModbusIllegalAddress {
		t.Errorf("code 0x02 = %v", got)
	}
	if got := ModbusExceptionToError(0x99); got != ErrReadFailed {
		t.Errorf("unknown code = %v", got)
	}
}
