package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/service"
)

// Device is the one-shot device access the API needs, independent of
// the monitor loop.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Read(ctx context.Context, spec domain.RegisterSpec) ([]interface{}, error)
	WriteRegister(ctx context.Context, address, value uint16) error
	WriteRegisters(ctx context.Context, address uint16, values []uint16) error
	WriteCoil(ctx context.Context, address uint16, value bool) error
}

// MonitorControl is the monitor lifecycle surface exposed over HTTP.
type MonitorControl interface {
	Start(ctx context.Context) error
	Stop()
	State() service.State
	StatsSnapshot() service.Snapshot
	AddRegister(spec domain.RegisterSpec) error
	ClearRegisters()
	Registers() []domain.RegisterSpec
}

// DataStore serves stored cycle outcomes.
type DataStore interface {
	Latest(ctx context.Context) (domain.CycleOutcome, error)
	History(ctx context.Context, limit int) ([]domain.CycleOutcome, error)
}

// Handler implements the management endpoints.
type Handler struct {
	device  Device
	monitor MonitorControl
	store   DataStore // nil when the store is disabled
	logger  zerolog.Logger

	// runCtx is the lifetime the monitor loop is bound to when started
	// over HTTP
	runCtx context.Context
}

// NewHandler creates the API handler. store may be nil.
func NewHandler(runCtx context.Context, device Device, monitor MonitorControl, store DataStore, logger zerolog.Logger) *Handler {
	return &Handler{
		device:  device,
		monitor: monitor,
		store:   store,
		logger:  logger.With().Str("component", "api").Logger(),
		runCtx:  runCtx,
	}
}

// Register wires all endpoints into the mux with the middleware applied.
func (h *Handler) Register(mux *http.ServeMux, mw *Middleware) {
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodOptions:
			mw.ReadOnly(h.getConfig)(w, r)
		case http.MethodPost:
			mw.Secure(h.setConfig)(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	mux.HandleFunc("/api/connect", mw.Secure(requirePost(h.connect)))
	mux.HandleFunc("/api/disconnect", mw.Secure(requirePost(h.disconnect)))
	mux.HandleFunc("/api/read", mw.Secure(requirePost(h.read)))
	mux.HandleFunc("/api/write", mw.Secure(requirePost(h.write)))
	mux.HandleFunc("/api/write_multiple", mw.Secure(requirePost(h.writeMultiple)))
	mux.HandleFunc("/api/write_coil", mw.Secure(requirePost(h.writeCoil)))
	mux.HandleFunc("/api/monitor/start", mw.Secure(requirePost(h.startMonitor)))
	mux.HandleFunc("/api/monitor/stop", mw.Secure(requirePost(h.stopMonitor)))
	mux.HandleFunc("/api/status", mw.ReadOnly(h.status))
	mux.HandleFunc("/api/data/latest", mw.ReadOnly(h.latest))
	mux.HandleFunc("/api/data/history", mw.ReadOnly(h.history))
}

func requirePost(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

type registersPayload struct {
	Registers []domain.RegisterSpec `json:"registers"`
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registersPayload{Registers: h.monitor.Registers()})
}

// setConfig replaces the whole register set. The payload is validated
// before anything is replaced so a bad entry leaves the old set intact.
func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var payload registersPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	specs := make([]domain.RegisterSpec, 0, len(payload.Registers))
	for i, raw := range payload.Registers {
		spec, err := domain.NewRegisterSpec(raw.Address, raw.Count, raw.Kind, raw.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "register "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		specs = append(specs, spec)
	}

	h.monitor.ClearRegisters()
	for _, spec := range specs {
		if err := h.monitor.AddRegister(spec); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.logger.Info().Int("registers", len(specs)).Msg("Register set replaced")
	writeJSON(w, http.StatusOK, registersPayload{Registers: h.monitor.Registers()})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if err := h.device.Connect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.device.Disconnect(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}

type readRequest struct {
	Address uint16              `json:"address"`
	Count   uint16              `json:"count"`
	Kind    domain.RegisterKind `json:"kind"`
}

// deviceBusy rejects one-shot device I/O while the monitor loop owns
// the connection.
func (h *Handler) deviceBusy(w http.ResponseWriter) bool {
	if h.monitor.State() == service.StateRunning {
		writeError(w, http.StatusConflict, "monitor is running; stop it before one-shot device access")
		return true
	}
	return false
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	if h.deviceBusy(w) {
		return
	}
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	spec, err := domain.NewRegisterSpec(req.Address, req.Count, req.Kind, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	values, err := h.device.Read(r.Context(), spec)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewReading(spec, values))
}

type writeRequest struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	if h.deviceBusy(w) {
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.device.WriteRegister(r.Context(), req.Address, req.Value); err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": req.Address,
		"value":   req.Value,
	})
}

type writeMultipleRequest struct {
	Address uint16   `json:"address"`
	Values  []uint16 `json:"values"`
}

func (h *Handler) writeMultiple(w http.ResponseWriter, r *http.Request) {
	if h.deviceBusy(w) {
		return
	}
	var req writeMultipleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.device.WriteRegisters(r.Context(), req.Address, req.Values); err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": req.Address,
		"count":   len(req.Values),
	})
}

type writeCoilRequest struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

func (h *Handler) writeCoil(w http.ResponseWriter, r *http.Request) {
	if h.deviceBusy(w) {
		return
	}
	var req writeCoilRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.device.WriteCoil(r.Context(), req.Address, req.Value); err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": req.Address,
		"value":   req.Value,
	})
}

func (h *Handler) startMonitor(w http.ResponseWriter, r *http.Request) {
	// The loop outlives the request; bind it to the service lifetime.
	if err := h.monitor.Start(h.runCtx); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, domain.ErrMonitorRunning) || errors.Is(err, domain.ErrMonitorTerminated) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": h.monitor.State().String()})
}

func (h *Handler) stopMonitor(w http.ResponseWriter, r *http.Request) {
	if h.monitor.State() != service.StateRunning {
		writeError(w, http.StatusConflict, domain.ErrMonitorNotRunning.Error())
		return
	}
	h.monitor.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"state": "stopping"})
}

type statusResponse struct {
	Connected bool             `json:"connected"`
	Monitor   string           `json:"monitor"`
	Registers int              `json:"registers"`
	Stats     service.Snapshot `json:"stats"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connected: h.device.IsConnected(),
		Monitor:   h.monitor.State().String(),
		Registers: len(h.monitor.Registers()),
		Stats:     h.monitor.StatsSnapshot(),
	})
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "store is disabled")
		return
	}
	outcome, err := h.store.Latest(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoData) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "store is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	outcomes, err := h.store.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(outcomes),
		"outcomes": outcomes,
	})
}

// writeReadError maps device errors to HTTP status codes.
func writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidRegisterKind),
		errors.Is(err, domain.ErrInvalidRegisterCount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
