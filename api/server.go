// Package api serves the read-only ledger views and the command queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"aqar_pipeline/models"
)

// Ledger is the read side of the retry ledger plus the command queue.
type Ledger interface {
	Stats() (*models.LedgerStats, error)
	ListRecords(status models.Status, limit, offset int) ([]models.PropertyRecord, error)
	GetRecord(id int64) (*models.PropertyRecord, error)
	RecordLogs(propertyID int64) ([]models.ProcessingLog, error)
	RecentCycles(limit int) ([]models.ProcessingCycle, error)
	EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error)
}

// PauseState reports whether the pipeline is paused. Optional.
type PauseState interface {
	IsPaused() bool
}

var statusAliases = map[string]models.Status{
	"pending":    models.StatusPending,
	"successful": models.StatusSuccessful,
	"failed":     models.StatusFailed,
	"duplicate":  models.StatusDuplicate,
	"multiple":   models.StatusMultiple,
}

type Server struct {
	ledger     Ledger
	pause      PauseState
	logger     *slog.Logger
	httpServer *http.Server
}

func NewServer(addr string, ledger Ledger, pause PauseState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ledger: ledger, pause: pause, logger: logger.With("component", "api")}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/cycles", s.handleCycles)
		r.Get("/properties", s.handleListProperties)
		r.Get("/properties/{id}", s.handleGetProperty)
		r.Post("/commands", s.handleEnqueueCommand)
	})
	return r
}

// Start blocks until the server stops. A graceful Stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting status API", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("could not start server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping status API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request finished",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.pause != nil {
		resp["paused"] = s.pause.IsPaused()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats()
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	cycles, err := s.ledger.RecentCycles(limit)
	if err != nil {
		s.internalError(w, "cycles", err)
		return
	}
	respondJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleListProperties(w http.ResponseWriter, r *http.Request) {
	var status models.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, ok := parseStatus(q)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status: "+q)
			return
		}
		status = st
	}
	records, err := s.ledger.ListRecords(status, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.internalError(w, "list properties", err)
		return
	}
	if records == nil {
		records = []models.PropertyRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

type propertyResponse struct {
	*models.PropertyRecord
	Logs []models.ProcessingLog `json:"logs"`
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, err := s.ledger.GetRecord(id)
	if err != nil {
		s.internalError(w, "get property", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "property not found")
		return
	}
	logs, err := s.ledger.RecordLogs(id)
	if err != nil {
		s.internalError(w, "property logs", err)
		return
	}
	if logs == nil {
		logs = []models.ProcessingLog{}
	}
	respondJSON(w, http.StatusOK, propertyResponse{PropertyRecord: rec, Logs: logs})
}

type commandRequest struct {
	Command  models.CommandType `json:"command"`
	RecordID int64              `json:"record_id,omitempty"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.Command.Valid() {
		writeError(w, http.StatusBadRequest, "unknown command: "+string(req.Command))
		return
	}
	var params *models.CommandParams
	if req.RecordID > 0 {
		params = &models.CommandParams{RecordID: req.RecordID}
	}
	id, err := s.ledger.EnqueueCommand(req.Command, params)
	if err != nil {
		s.internalError(w, "enqueue command", err)
		return
	}
	s.logger.Info("command enqueued", "command", req.Command, "id", id)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "command": req.Command})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseStatus(q string) (models.Status, bool) {
	if st, ok := statusAliases[q]; ok {
		return st, true
	}
	for _, st := range statusAliases {
		if string(st) == q {
			return st, true
		}
	}
	return "", false
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

func writeError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to marshal JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}
