// internal/httpapi/server.go
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/wealthflow/internal/assessment"
	"github.com/user/wealthflow/internal/types"
)

// Server is the thin HTTP surface for user-triggered assessment actions.
// All state decisions live in the controllers; handlers only translate
// requests and render state projections.
type Server struct {
	manager *assessment.Manager
	mux     *http.ServeMux
}

// NewServer creates a new Server over the given controller manager.
func NewServer(manager *assessment.Manager) *Server {
	s := &Server{
		manager: manager,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/assessment/begin", s.handleBegin)
	s.mux.HandleFunc("POST /api/assessment/start", s.handleStart)
	s.mux.HandleFunc("POST /api/assessment/answer", s.handleAnswer)
	s.mux.HandleFunc("POST /api/assessment/complete", s.handleComplete)
	s.mux.HandleFunc("GET /api/assessment/state", s.handleState)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// identity is the common request body identifying the assessed user.
type identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (id identity) valid() bool {
	return id.UserID != "" && id.Email != ""
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req identity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and email are required")
		return
	}

	ctrl := s.manager.Resolve(r.Context(), req.UserID, req.Email)
	view, err := ctrl.Begin(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeState(w, view)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req identity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and email are required")
		return
	}

	ctrl := s.manager.Resolve(r.Context(), req.UserID, req.Email)
	view, err := ctrl.Start(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeState(w, view)
}

// answerRequest is the JSON body for POST /api/assessment/answer.
type answerRequest struct {
	identity
	QuestionID     string `json:"question_id"`
	ChoiceID       string `json:"choice_id"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and email are required")
		return
	}
	if req.QuestionID == "" || req.ChoiceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "question_id and choice_id are required")
		return
	}

	ctrl := s.manager.Resolve(r.Context(), req.UserID, req.Email)
	result, err := ctrl.SubmitAnswer(r.Context(),
		types.QuestionID(req.QuestionID),
		types.ChoiceID(req.ChoiceID),
		time.Duration(req.ResponseTimeMS)*time.Millisecond,
	)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeState(w, result.State)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req identity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and email are required")
		return
	}

	ctrl := s.manager.Resolve(r.Context(), req.UserID, req.Email)
	view, err := ctrl.Complete(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeState(w, view)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := identity{UserID: q.Get("user_id"), Email: q.Get("email")}
	if !req.valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and email are required")
		return
	}

	ctrl := s.manager.Resolve(r.Context(), req.UserID, req.Email)
	view, err := ctrl.View(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeState(w, view)
}

// writeDomainError maps domain errors onto status codes. Only the retake
// rejection and submission failures are user-actionable; everything else the
// flow recovers from internally, so a residual error here is a server fault.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var retake *assessment.RetakeNotAllowedError
	if errors.As(err, &retake) {
		writeError(w, http.StatusForbidden, "retake_not_allowed", retake.Error())
		return
	}
	var submission *assessment.SubmissionError
	if errors.As(err, &submission) {
		writeError(w, http.StatusBadGateway, "submission_failed",
			"answer could not be submitted, please retry")
		return
	}
	switch {
	case errors.Is(err, assessment.ErrIntroductionPending):
		writeError(w, http.StatusConflict, "introduction_pending", err.Error())
	case errors.Is(err, assessment.ErrSessionNotActive):
		writeError(w, http.StatusConflict, "session_not_active", err.Error())
	case errors.Is(err, assessment.ErrUnknownQuestion):
		writeError(w, http.StatusBadRequest, "unknown_question", err.Error())
	default:
		slog.Error("assessment request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}

type questionResponse struct {
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	Choices []types.Choice `json:"choices"`
}

type calibrationResponse struct {
	Count   int64  `json:"count"`
	Message string `json:"message,omitempty"`
}

type resumeResponse struct {
	SessionID string `json:"session_id"`
	ReportRef string `json:"report_ref,omitempty"`
}

// stateResponse is the projection rendered for every assessment endpoint.
type stateResponse struct {
	Stage         string               `json:"stage"`
	SessionID     string               `json:"session_id,omitempty"`
	Progress      types.Progress       `json:"progress"`
	Question      *questionResponse    `json:"question,omitempty"`
	Calibration   calibrationResponse  `json:"calibration"`
	Insight       string               `json:"insight,omitempty"`
	TierSignal    string               `json:"tier_signal,omitempty"`
	Opportunities []string             `json:"opportunities,omitempty"`
	Warnings      []assessment.Warning `json:"warnings,omitempty"`
	Report        *types.ReportResult  `json:"report,omitempty"`
	Resume        *resumeResponse      `json:"resume,omitempty"`
}

func writeState(w http.ResponseWriter, view *assessment.StateView) {
	resp := stateResponse{
		Stage:    string(view.Stage),
		Progress: view.Progress,
		Calibration: calibrationResponse{
			Count:   view.CalibrationCount,
			Message: view.CalibrationNote,
		},
		Insight:       view.Insight,
		TierSignal:    view.TierSignal,
		Opportunities: view.Opportunities,
		Warnings:      view.Warnings,
		Report:        view.Report,
	}
	if view.Session != nil {
		resp.SessionID = string(view.Session.ID)
	}
	if view.CurrentQuestion != nil {
		resp.Question = &questionResponse{
			ID:      string(view.CurrentQuestion.ID),
			Prompt:  view.CurrentQuestion.Prompt,
			Choices: view.CurrentQuestion.Choices,
		}
	}
	if view.Redirect != nil {
		resp.Resume = &resumeResponse{
			SessionID: string(view.Redirect.SessionID),
			ReportRef: view.Redirect.ReportRef,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
