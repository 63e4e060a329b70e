package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

// CycleRunner runs one full sync cycle. The coordinator satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context) (tablesync.CycleReport, error)
}

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	runner  CycleRunner
	gateway *tablesync.Gateway
	cfg     ServerConfig
	hub     *cycleHub

	// processHooks runs cycles one at a time; overlapping triggers queue
	// behind the mutex rather than racing on the same snapshots.
	runMu sync.Mutex

	reportMu   sync.Mutex
	lastReport *tablesync.CycleReport
}

// First path segments that can never be hook names.
var reservedSegments = map[string]struct{}{
	"health":       {},
	"processHooks": {},
	"v1":           {},
}

func NewServer(runner CycleRunner, gateway *tablesync.Gateway) *Server {
	return NewServerWithConfig(runner, gateway, ServerConfig{})
}

func NewServerWithConfig(runner CycleRunner, gateway *tablesync.Gateway, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		runner:  runner,
		gateway: gateway,
		cfg:     cfg,
		hub:     newCycleHub(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/processHooks" && r.Method == http.MethodPost {
		s.handleProcessHooks(w, r)
		return
	}
	if r.URL.Path == "/v1/cycles/latest" && r.Method == http.MethodGet {
		s.handleLatestCycle(w, r)
		return
	}
	if r.URL.Path == "/v1/cycles/stream" && r.Method == http.MethodGet {
		s.handleCycleStream(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 1 {
		if _, reserved := reservedSegments[parts[0]]; reserved || parts[0] == "" {
			writeHookError(w, http.StatusNotFound, "not_found")
			return
		}
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.handleHookCreate(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reset" && r.Method == http.MethodPost:
		s.handleHookReset(w, r, parts[0])
	default:
		writeHookError(w, http.StatusNotFound, "not_found")
	}
}

// handleProcessHooks runs one cycle synchronously. A 200 OK means the cycle
// ran to completion, not that every delivery succeeded; per-subscription
// outcomes live in the registry and the cycle report.
func (s *Server) handleProcessHooks(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	report, err := s.runner.RunCycle(r.Context())
	s.runMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cycle_failed", err.Error())
		return
	}
	s.storeReport(report)
	s.hub.broadcast(report)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	s.reportMu.Lock()
	report := s.lastReport
	s.reportMu.Unlock()
	if report == nil {
		writeError(w, http.StatusNotFound, "not_found", "no cycle has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHookCreate(w http.ResponseWriter, r *http.Request, hookName string) {
	if s.gateway == nil {
		writeHookError(w, http.StatusNotFound, "not_found")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	rowID, gwErr := s.gateway.CreateRow(r.Context(), hookName, r.Header.Get("Content-Type"), callerToken(r), body)
	if gwErr != nil {
		writeHookError(w, gwErr.Status, gwErr.Code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": []string{rowID}})
}

func (s *Server) handleHookReset(w http.ResponseWriter, r *http.Request, hookName string) {
	if s.gateway == nil {
		writeHookError(w, http.StatusNotFound, "not_found")
		return
	}
	if gwErr := s.gateway.Reset(r.Context(), hookName, callerToken(r)); gwErr != nil {
		writeHookError(w, gwErr.Status, gwErr.Code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) storeReport(report tablesync.CycleReport) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.lastReport = &report
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeHookError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return nil, false
		}
		writeHookError(w, http.StatusBadRequest, "bad format")
		return nil, false
	}
	return body, true
}

// callerToken accepts either a bearer Authorization header or the plain
// X-Hook-Token header.
func callerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-Hook-Token"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeHookError is the inbound-gateway error shape: a single stable code.
func writeHookError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
