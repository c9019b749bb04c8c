package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/adapter/config"
	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/service"
)

type fakeDevice struct {
	mu        sync.Mutex
	connected bool
	readErr   error
	writeErr  error
	values    []interface{}
	lastWrite []uint16
}

func (d *fakeDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Read(ctx context.Context, spec domain.RegisterSpec) ([]interface{}, error) {
	if d.readErr != nil {
		return nil, d.readErr
	}
	return d.values, nil
}

func (d *fakeDevice) WriteRegister(ctx context.Context, address, value uint16) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.mu.Lock()
	d.lastWrite = []uint16{value}
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) WriteRegisters(ctx context.Context, address uint16, values []uint16) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.mu.Lock()
	d.lastWrite = values
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) WriteCoil(ctx context.Context, address uint16, value bool) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.mu.Lock()
	if value {
		d.lastWrite = []uint16{1}
	} else {
		d.lastWrite = []uint16{0}
	}
	d.mu.Unlock()
	return nil
}

type fakeMonitor struct {
	mu       sync.Mutex
	state    service.State
	specs    []domain.RegisterSpec
	startErr error
}

func (m *fakeMonitor) Start(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.state = service.StateRunning
	m.mu.Unlock()
	return nil
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	m.state = service.StateStopped
	m.mu.Unlock()
}

func (m *fakeMonitor) State() service.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMonitor) StatsSnapshot() service.Snapshot { return service.Snapshot{} }

func (m *fakeMonitor) AddRegister(spec domain.RegisterSpec) error {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	return nil
}

func (m *fakeMonitor) ClearRegisters() {
	m.mu.Lock()
	m.specs = nil
	m.mu.Unlock()
}

func (m *fakeMonitor) Registers() []domain.RegisterSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RegisterSpec(nil), m.specs...)
}

type fakeStore struct {
	latest     domain.CycleOutcome
	latestErr  error
	history    []domain.CycleOutcome
	historyErr error
}

func (s *fakeStore) Latest(ctx context.Context) (domain.CycleOutcome, error) {
	return s.latest, s.latestErr
}

func (s *fakeStore) History(ctx context.Context, limit int) ([]domain.CycleOutcome, error) {
	return s.history, s.historyErr
}

func newTestServer(t *testing.T, device *fakeDevice, monitor *fakeMonitor, store DataStore, apiCfg config.APIConfig) *httptest.Server {
	t.Helper()
	logger := zerolog.New(io.Discard)
	h := NewHandler(context.Background(), device, monitor, store, logger)
	mw := NewMiddleware(apiCfg, logger)
	mux := http.NewServeMux()
	h.Register(mux, mw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestConfigRoundTrip(t *testing.T) {
	srv := newTestServer(t, &fakeDevice{}, &fakeMonitor{}, nil, config.APIConfig{})

	resp := postJSON(t, srv.URL+"/api/config", registersPayload{
		Registers: []domain.RegisterSpec{
			{Address: 100, Count: 10, Kind: domain.KindHolding, Name: "line_speed"},
			{Address: 0, Count: 8, Kind: domain.KindCoil},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/config = %d, want 200", resp.StatusCode)
	}

	get, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var payload registersPayload
	if err := json.NewDecoder(get.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Registers) != 2 {
		t.Fatalf("registers = %d, want 2", len(payload.Registers))
	}
	if payload.Registers[1].Name != "coil_0" {
		t.Errorf("default name = %q, want coil_0", payload.Registers[1].Name)
	}
}

func TestSetConfigRejectsInvalidWithoutReplacing(t *testing.T) {
	monitor := &fakeMonitor{}
	monitor.specs = []domain.RegisterSpec{{Address: 1, Count: 1, Kind: domain.KindInput, Name: "keep"}}
	srv := newTestServer(t, &fakeDevice{}, monitor, nil, config.APIConfig{})

	resp := postJSON(t, srv.URL+"/api/config", registersPayload{
		Registers: []domain.RegisterSpec{
			{Address: 100, Count: 200, Kind: domain.KindHolding},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := monitor.Registers(); len(got) != 1 || got[0].Name != "keep" {
		t.Errorf("register set was modified on invalid payload: %+v", got)
	}
}

func TestReadEndpoint(t *testing.T) {
	device := &fakeDevice{values: []interface{}{float64(1), float64(2)}}
	device.connected = true
	srv := newTestServer(t, device, &fakeMonitor{}, nil, config.APIConfig{})

	resp := postJSON(t, srv.URL+"/api/read", readRequest{Address: 10, Count: 2, Kind: domain.KindHolding})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var reading domain.Reading
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		t.Fatal(err)
	}
	if reading.Name != "holding_10" || len(reading.Values) != 2 {
		t.Errorf("reading = %+v", reading)
	}
}

func TestReadEndpointErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		readErr  error
		wantCode int
	}{
		{
			name:     "invalid kind",
			body:     readRequest{Address: 10, Count: 2, Kind: "bogus"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "zero count",
			body:     readRequest{Address: 10, Count: 0, Kind: domain.KindHolding},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not connected",
			body:     readRequest{Address: 10, Count: 1, Kind: domain.KindHolding},
			readErr:  domain.ErrNotConnected,
			wantCode: http.StatusConflict,
		},
		{
			name:     "device error",
			body:     readRequest{Address: 10, Count: 1, Kind: domain.KindHolding},
			readErr:  domain.ErrReadFailed,
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &fakeDevice{readErr: tt.readErr}
			srv := newTestServer(t, device, &fakeMonitor{}, nil, config.APIConfig{})
			resp := postJSON(t, srv.URL+"/api/read", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}
}

func TestWriteEndpoints(t *testing.T) {
	device := &fakeDevice{}
	srv := newTestServer(t, device, &fakeMonitor{}, nil, config.APIConfig{})

	resp := postJSON(t, srv.URL+"/api/write", writeRequest{Address: 5, Value: 42})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/write_multiple", writeMultipleRequest{Address: 5, Values: []uint16{1, 2, 3}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write_multiple status = %d, want 200", resp.StatusCode)
	}
	if len(device.lastWrite) != 3 {
		t.Errorf("lastWrite = %v, want 3 values", device.lastWrite)
	}

	resp = postJSON(t, srv.URL+"/api/write_coil", writeCoilRequest{Address: 2, Value: true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write_coil status = %d, want 200", resp.StatusCode)
	}
}

func TestMonitorLifecycleEndpoints(t *testing.T) {
	monitor := &fakeMonitor{}
	srv := newTestServer(t, &fakeDevice{}, monitor, nil, config.APIConfig{})

	resp := postJSON(t, srv.URL+"/api/monitor/start", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}

	// Starting again conflicts.
	monitor.startErr = domain.ErrMonitorRunning
	resp = postJSON(t, srv.URL+"/api/monitor/start", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double start status = %d, want 409", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/monitor/stop", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}

	// Stopping an idle monitor conflicts.
	resp = postJSON(t, srv.URL+"/api/monitor/stop", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stop while stopped status = %d, want 409", resp.StatusCode)
	}

	// A terminated monitor maps to a conflict, not a server error.
	monitor.state = service.StateStopped
	monitor.startErr = domain.ErrMonitorTerminated
	resp = postJSON(t, srv.URL+"/api/monitor/start", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("start after termination status = %d, want 409", resp.StatusCode)
	}
}

// Wires the real supervisor behind the API to verify that monitoring
// can be resumed over HTTP after a stop.
func TestMonitorRestartOverAPI(t *testing.T) {
	device := &fakeDevice{values: []interface{}{uint16(1)}}
	logger := zerolog.New(io.Discard)
	supervisor := service.NewSupervisor(device, service.SinkFunc(
		func(ctx context.Context, _ domain.CycleOutcome) error { return nil },
	), service.Config{
		PollInterval:   time.Hour, // parks the loop after the first cycle
		FailureCeiling: 5,
	}, logger, nil)

	h := NewHandler(context.Background(), device, supervisor, nil, logger)
	mw := NewMiddleware(config.APIConfig{}, logger)
	mux := http.NewServeMux()
	h.Register(mux, mw)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/monitor/start", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/monitor/stop", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}

	// Stop is asynchronous; wait for the loop to wind down.
	deadline := time.Now().Add(5 * time.Second)
	for supervisor.State() == service.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("monitor did not stop in time")
		}
		time.Sleep(time.Millisecond)
	}

	resp = postJSON(t, srv.URL+"/api/monitor/start", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d, want 200 (monitoring must be resumable)", resp.StatusCode)
	}
	if got := supervisor.State(); got != service.StateRunning {
		t.Errorf("state after restart = %v, want running", got)
	}
	supervisor.Stop()
}

func TestOneShotIORejectedWhileMonitorRuns(t *testing.T) {
	device := &fakeDevice{connected: true, values: []interface{}{uint16(1)}}
	monitor := &fakeMonitor{state: service.StateRunning}
	srv := newTestServer(t, device, monitor, nil, config.APIConfig{})

	endpoints := []struct {
		path string
		body interface{}
	}{
		{"/api/read", readRequest{Address: 10, Count: 1, Kind: domain.KindHolding}},
		{"/api/write", writeRequest{Address: 5, Value: 1}},
		{"/api/write_multiple", writeMultipleRequest{Address: 5, Values: []uint16{1}}},
		{"/api/write_coil", writeCoilRequest{Address: 2, Value: true}},
	}
	for _, ep := range endpoints {
		resp := postJSON(t, srv.URL+ep.path, ep.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("%s while running = %d, want 409", ep.path, resp.StatusCode)
		}
	}

	// Once the loop has stopped, one-shot access works again.
	monitor.Stop()
	resp := postJSON(t, srv.URL+"/api/read", readRequest{Address: 10, Count: 1, Kind: domain.KindHolding})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read after stop = %d, want 200", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	device := &fakeDevice{connected: true}
	monitor := &fakeMonitor{state: service.StateRunning}
	monitor.specs = []domain.RegisterSpec{{Address: 1, Count: 1, Kind: domain.KindHolding}}
	srv := newTestServer(t, device, monitor, nil, config.APIConfig{})

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Connected || status.Monitor != "running" || status.Registers != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestDataEndpoints(t *testing.T) {
	store := &fakeStore{
		latest: domain.CycleOutcome{SpecCount: 1},
		history: []domain.CycleOutcome{
			{SpecCount: 1}, {SpecCount: 1},
		},
	}
	srv := newTestServer(t, &fakeDevice{}, &fakeMonitor{}, store, config.APIConfig{})

	resp, err := http.Get(srv.URL + "/api/data/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("latest status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/data/history?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("history status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/data/history?limit=bad")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestDataEndpointsWithoutStore(t *testing.T) {
	srv := newTestServer(t, &fakeDevice{}, &fakeMonitor{}, nil, config.APIConfig{})

	resp, err := http.Get(srv.URL + "/api/data/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest without store = %d, want 404", resp.StatusCode)
	}
}

func TestNoDataReturns404(t *testing.T) {
	store := &fakeStore{latestErr: domain.ErrNoData}
	srv := newTestServer(t, &fakeDevice{}, &fakeMonitor{}, store, config.APIConfig{})

	resp, err := http.Get(srv.URL + "/api/data/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthRequiredForMutations(t *testing.T) {
	cfg := config.APIConfig{AuthEnabled: true, APIKey: "secret"}
	srv := newTestServer(t, &fakeDevice{}, &fakeMonitor{}, nil, cfg)

	// Without key: rejected.
	resp := postJSON(t, srv.URL+"/api/connect", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// With key: accepted.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/connect", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-API-Key", "secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", authed.StatusCode)
	}

	// Read endpoints stay public.
	get, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Errorf("public read status = %d, want 200", get.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeDevice{}, &fakeMonitor{}, nil, config.APIConfig{})

	resp, err := http.Get(srv.URL + "/api/connect")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/connect = %d, want 405", resp.StatusCode)
	}
}
