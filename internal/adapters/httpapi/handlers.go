package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/quarantine"
	"go.uber.org/zap"
)

// Request/Response types

type sandboxSubmitRequest struct {
	Type        string `json:"type"`
	FileHash    string `json:"file_hash,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	Environment string `json:"environment,omitempty"`
}

type quarantineActionRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type quarantineBulkRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
	Actor  string   `json:"actor"`
	Reason string   `json:"reason,omitempty"`
}

type incidentAssignRequest struct {
	Analyst string `json:"analyst"`
}

type incidentResolveRequest struct {
	Status  string `json:"status"`
	Analyst string `json:"analyst"`
	Notes   string `json:"notes,omitempty"`
}

// Handler functions

func (s *Server) handleAnalyzeEmail(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var email core.EmailRecord
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	result, err := s.pipeline.AnalyzeEmail(r.Context(), &email)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Email analysis failed", zap.Error(err),
			zap.String("email_id", email.MessageID))
		s.writeError(w, http.StatusInternalServerError, "Analysis failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	emailID := mux.Vars(r)["email_id"]

	result, err := s.pipeline.GetAnalysis(r.Context(), emailID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "No analysis for email")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to load analysis")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSandboxSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req sandboxSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	target := core.SandboxTarget{
		Type:        core.SandboxTargetType(req.Type),
		FileHash:    req.FileHash,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		URL:         req.URL,
		Environment: req.Environment,
	}

	analysis, err := s.sandbox.Submit(r.Context(), target)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrValidation):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, core.ErrQueueFull):
			s.writeError(w, http.StatusTooManyRequests, "Sandbox queue is full")
		default:
			s.writeError(w, http.StatusInternalServerError, "Submission failed")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, analysis)
}

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["analysis_id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid analysis id")
		return
	}

	analysis, err := s.sandbox.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Unknown analysis")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to load analysis")
		return
	}

	s.writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleSandboxCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["analysis_id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid analysis id")
		return
	}

	if err := s.sandbox.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Unknown analysis")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Cancellation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation_requested"})
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	status := core.QuarantineStatus(r.URL.Query().Get("status"))
	limit, offset := parsePagination(r)

	records, err := s.quarantine.List(r.Context(), status, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list quarantine records")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleQuarantineGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid record id")
		return
	}

	record, err := s.quarantine.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Unknown quarantine record")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to load record")
		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleQuarantineAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid record id")
		return
	}

	defer r.Body.Close()
	var req quarantineActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "Actor is required")
		return
	}

	record, err := s.quarantine.Apply(r.Context(), id, quarantine.LifecycleAction(req.Action), req.Actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Unknown quarantine record")
		case errors.Is(err, core.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, core.ErrValidation):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "Action failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleQuarantineBulk(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req quarantineBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Actor == "" || len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "Actor and ids are required")
		return
	}

	// An unparseable id is a per-item failure, not a batch failure
	ids := make([]uuid.UUID, 0, len(req.IDs))
	malformed := make(map[string]string)
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			malformed[raw] = "invalid record id"
			continue
		}
		ids = append(ids, id)
	}

	result := s.quarantine.BulkApply(r.Context(), ids, quarantine.LifecycleAction(req.Action), req.Actor, req.Reason)
	if len(malformed) > 0 {
		if result.Errors == nil {
			result.Errors = make(map[string]string, len(malformed))
		}
		for raw, msg := range malformed {
			result.FailedActions++
			result.Errors[raw] = msg
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIncidentList(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	filter := core.IncidentFilter{
		Type:     core.IncidentType(r.URL.Query().Get("type")),
		Severity: core.Severity(r.URL.Query().Get("severity")),
		Status:   core.IncidentStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	}

	incidents, err := s.incidents.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list incidents")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (s *Server) handleIncidentGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid incident id")
		return
	}

	incident, err := s.incidents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Unknown incident")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to load incident")
		return
	}

	s.writeJSON(w, http.StatusOK, incident)
}

func (s *Server) handleIncidentAssign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid incident id")
		return
	}

	defer r.Body.Close()
	var req incidentAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	incident, err := s.incidents.Assign(r.Context(), id, req.Analyst)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Unknown incident")
		case errors.Is(err, core.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, core.ErrValidation):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "Assignment failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, incident)
}

func (s *Server) handleIncidentResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid incident id")
		return
	}

	defer r.Body.Close()
	var req incidentResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	incident, err := s.incidents.Resolve(r.Context(), id, core.IncidentStatus(req.Status), req.Analyst, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Unknown incident")
		case errors.Is(err, core.ErrValidation):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "Resolution failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, incident)
}

func (s *Server) handleReputationGet(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	forceRefresh := r.URL.Query().Get("force_refresh") == "true"

	score, err := s.reputation.Score(r.Context(), domain, forceRefresh)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Reputation lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleReputationHistory(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	limit, _ := parsePagination(r)

	history, err := s.reputation.History(r.Context(), domain, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "History lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":  domain,
		"history": history,
	})
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
