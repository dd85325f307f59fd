package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/printgate/printgate/internal/breaker"
	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/dispatch"
	"github.com/printgate/printgate/internal/encoder"
	"github.com/printgate/printgate/internal/executor"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/health"
	"github.com/printgate/printgate/internal/pool"
	"github.com/printgate/printgate/internal/queue"
	"github.com/printgate/printgate/internal/recovery"
	"github.com/printgate/printgate/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	statusProbeTimeout = 3 * time.Second
	defaultListLimit   = 50
)

// Request/Response types
type PrintRequest struct {
	Text           string `json:"text"`
	FontSize       string `json:"font_size,omitempty"`
	FontBold       *bool  `json:"font_bold,omitempty"`
	NoRetry        bool   `json:"no_retry,omitempty"`
	Fast           bool   `json:"fast,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type StatusResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Breaker       breaker.Snapshot    `json:"circuit_breaker"`
	Pool          pool.Stats          `json:"printer_pool"`
	Executor      executor.Stats      `json:"executor"`
	Queue         queue.Stats         `json:"queue"`
	Recovery      recovery.State      `json:"recovery"`
	Health        health.Snapshot     `json:"health"`
	Font          dispatch.FontConfig `json:"font"`
	AutoRecovery  bool                `json:"auto_recovery"`
}

type PublicStatusResponse struct {
	Status       string `json:"status"`
	CircuitState string `json:"circuit_state"`
	QueueSize    int    `json:"queue_size"`
}

type QueueResponse struct {
	QueueSize    int              `json:"queue_size"`
	Jobs         []*queue.Job     `json:"jobs"`
	Stats        queue.Stats      `json:"stats"`
	Breaker      breaker.Snapshot `json:"circuit_breaker"`
	AutoRecovery bool             `json:"auto_recovery"`
}

type RecoveryTriggerResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Report  recovery.Report `json:"report"`
}

type RecoveryStatusResponse struct {
	AutoRecovery   bool            `json:"auto_recovery_enabled"`
	PrinterStatus  *device.Status  `json:"printer_status,omitempty"`
	PrinterError   string          `json:"printer_error,omitempty"`
	SpoolerRunning *bool           `json:"spooler_running,omitempty"`
	Recovery       recovery.State  `json:"recovery"`
	Health         health.Snapshot `json:"health"`
}

type RecoveryConfigRequest struct {
	AutoRecovery  *bool `json:"auto_recovery,omitempty"`
	CheckInterval *int  `json:"printer_check_interval,omitempty"`
}

type RecoveryConfigResponse struct {
	AutoRecovery  bool    `json:"auto_recovery"`
	CheckInterval float64 `json:"printer_check_interval"`
}

type FontConfigRequest struct {
	FontSize *string `json:"font_size,omitempty"`
	FontBold *bool   `json:"font_bold,omitempty"`
}

type FontConfigResponse struct {
	FontSize   string   `json:"font_size"`
	FontBold   bool     `json:"font_bold"`
	ValidSizes []string `json:"valid_font_sizes"`
}

type ReceiptsResponse struct {
	Receipts []*store.Receipt `json:"receipts"`
}

// Handlers
func (s *Server) print(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, false)
}

func (s *Server) fastPrint(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, true)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, fast bool) {
	var req PrintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	source := r.RemoteAddr
	if ip := clientIP(r); ip != nil {
		source = ip.String()
	}
	res, err := s.deps.Service.Submit(r.Context(), dispatch.Request{
		Text:           req.Text,
		Fast:           fast || req.Fast,
		NoRetry:        req.NoRetry,
		FontSize:       req.FontSize,
		Bold:           req.FontBold,
		Source:         source,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		status := errorStatus(err)
		if res == nil {
			respondError(w, status, err.Error())
			return
		}
		respondJSON(w, status, res)
		return
	}

	switch res.Status {
	case dispatch.StatusQueued:
		respondJSON(w, http.StatusAccepted, res)
	default:
		respondJSON(w, http.StatusOK, res)
	}
}

// errorStatus maps a submit error to an HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrEmptyText), errors.Is(err, encoder.ErrInvalidFontSize):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrTextTooLong):
		return http.StatusRequestEntityTooLarge
	}
	switch fault.KindOf(err) {
	case fault.KindCircuitOpen, fault.KindDeviceUnavailable, fault.KindCancelledByCaller:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindOperationFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if !s.isTrusted(r) && !s.authorizedWithKey(r) {
		respondJSON(w, http.StatusOK, PublicStatusResponse{
			Status:       "online",
			CircuitState: s.deps.Breaker.State().String(),
			QueueSize:    s.deps.Service.Queue().Len(),
		})
		return
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		Status:        "online",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Breaker:       s.deps.Breaker.Snapshot(),
		Pool:          s.deps.Pool.Stats(),
		Executor:      s.deps.Executor.Stats(),
		Queue:         s.deps.Service.Queue().Stats(),
		Recovery:      s.deps.Ladder.State(),
		Health:        s.deps.Monitor.Snapshot(),
		Font:          s.deps.Service.FontConfig(),
		AutoRecovery:  s.deps.Pool.AutoRecovery(),
	})
}

// authorizedWithKey is true only for a configured key presented correctly
func (s *Server) authorizedWithKey(r *http.Request) bool {
	return s.cfg.APIKey != "" && s.validKey(r)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	q := s.deps.Service.Queue()
	jobs := q.List()
	respondJSON(w, http.StatusOK, QueueResponse{
		QueueSize:    len(jobs),
		Jobs:         jobs,
		Stats:        q.Stats(),
		Breaker:      s.deps.Breaker.Snapshot(),
		AutoRecovery: s.deps.Pool.AutoRecovery(),
	})
}

func (s *Server) emergencyClear(w http.ResponseWriter, r *http.Request) {
	// Cycling the spooling service must finish even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
	defer cancel()

	report, err := s.deps.Service.EmergencyClear(ctx)
	if err != nil {
		log.Error().Err(err).Msg("emergency clear failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) triggerRecovery(w http.ResponseWriter, r *http.Request) {
	log.Info().Str("remote", r.RemoteAddr).Msg("manual recovery triggered")

	// A restart in progress is not abandoned when the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
	defer cancel()

	report, err := s.deps.Ladder.Run(ctx)
	if errors.Is(err, recovery.ErrAlreadyRunning) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	resp := RecoveryTriggerResponse{Success: err == nil, Report: report, Message: "recovery successful"}
	if err != nil {
		resp.Message = "recovery failed: " + err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) recoveryStatus(w http.ResponseWriter, r *http.Request) {
	resp := RecoveryStatusResponse{
		AutoRecovery: s.deps.Pool.AutoRecovery(),
		Recovery:     s.deps.Ladder.State(),
		Health:       s.deps.Monitor.Snapshot(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()
	if st, err := s.deps.Printer.Status(ctx); err != nil {
		resp.PrinterError = err.Error()
	} else {
		resp.PrinterStatus = &st
	}
	if s.deps.Spooler != nil {
		if running, err := s.deps.Spooler.Running(ctx); err == nil {
			resp.SpoolerRunning = &running
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) recoveryConfig(w http.ResponseWriter, r *http.Request) {
	var req RecoveryConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AutoRecovery == nil && req.CheckInterval == nil {
		respondError(w, http.StatusBadRequest, "no configuration provided")
		return
	}

	if req.AutoRecovery != nil {
		s.deps.Pool.SetAutoRecovery(*req.AutoRecovery)
		s.deps.Monitor.SetEnabled(*req.AutoRecovery)
		log.Info().Bool("enabled", *req.AutoRecovery).Msg("auto recovery toggled")
	}
	if req.CheckInterval != nil {
		d := time.Duration(*req.CheckInterval) * time.Second
		if d < health.MinCheckInterval {
			d = health.MinCheckInterval
		}
		if err := s.deps.Monitor.SetCheckInterval(d); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Info().Dur("interval", d).Msg("printer check interval updated")
	}

	respondJSON(w, http.StatusOK, RecoveryConfigResponse{
		AutoRecovery:  s.deps.Pool.AutoRecovery(),
		CheckInterval: s.deps.Monitor.Snapshot().CheckInterval,
	})
}

func (s *Server) getFontConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, fontResponse(s.deps.Service.FontConfig()))
}

func (s *Server) setFontConfig(w http.ResponseWriter, r *http.Request) {
	var req FontConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg, err := s.deps.Service.SetFontConfig(req.FontSize, req.FontBold)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, fontResponse(cfg))
}

func fontResponse(cfg dispatch.FontConfig) FontConfigResponse {
	return FontConfigResponse{
		FontSize:   cfg.FontSize,
		FontBold:   cfg.Bold,
		ValidSizes: encoder.FontSizes(),
	}
}

func (s *Server) deliveries(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.deps.Service.Store().ListDeliveries(listLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ReceiptsResponse{Receipts: receipts})
}

func (s *Server) dropped(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.deps.Service.Store().ListDropped(listLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ReceiptsResponse{Receipts: receipts})
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
