package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/config"
	domainexec "github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/interrupt"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

// SubmitResponse is returned by POST /v1/plans.
type SubmitResponse struct {
	PlanExecutionID string `json:"planExecutionId"`
}

// InterruptRequest is the body of POST /v1/plans/{id}/interrupts.
type InterruptRequest struct {
	Type            string `json:"type"`
	TargetRuntimeID string `json:"targetNodeExecutionId,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitPlan accepts a YAML or JSON plan document. The optional id
// query parameter makes the submission idempotent; setup=key=value pairs
// become setup abstractions.
func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	plan, err := config.DecodePlan(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setup, err := parseSetup(r.URL.Query()["setup"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.service.Submit(r.Context(), execution.SubmitRequest{
		PlanExecutionID: r.URL.Query().Get("id"),
		Plan:            plan,
		Setup:           setup,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/plans/"+id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{PlanExecutionID: id})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.service.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRaiseInterrupt(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req InterruptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, pipeline.NewError(pipeline.ErrCodeValidation, "invalid interrupt request", err, nil))
		return
	}

	raised, err := s.service.Interrupt(r.Context(), interrupt.RaiseRequest{
		PlanExecutionID: chi.URLParam(r, "id"),
		Type:            domainexec.InterruptType(req.Type),
		TargetRuntimeID: req.TargetRuntimeID,
		Reason:          req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, raised)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readJSONBody(w, r)
	if !ok {
		return
	}
	if err := s.service.Notify(r.Context(), chi.URLParam(r, "correlationId"), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readJSONBody(w, r)
	if !ok {
		return
	}
	if err := s.service.TaskResult(r.Context(), chi.URLParam(r, "taskId"), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Code:    string(pipeline.ErrCodeValidation),
				Message: "request body too large",
			})
			return nil, false
		}
		s.writeError(w, r, pipeline.NewError(pipeline.ErrCodeValidation, "read request body", err, nil))
		return nil, false
	}
	return body, true
}

// readJSONBody reads a body that is forwarded verbatim; an empty body
// becomes an empty object.
func (s *Server) readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, ok := s.readBody(w, r)
	if !ok {
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return json.RawMessage(`{}`), true
	}
	if !json.Valid(body) {
		s.writeError(w, r, pipeline.NewError(pipeline.ErrCodeValidation, "request body is not valid JSON", nil, nil))
		return nil, false
	}
	return json.RawMessage(body), true
}

func parseSetup(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	setup := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, pipeline.NewError(pipeline.ErrCodeValidation, "setup must be key=value", nil, map[string]interface{}{"setup": pair})
		}
		setup[key] = value
	}
	return setup, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// errorResponse maps an error onto an HTTP status and a response body.
func errorResponse(err error) (int, ErrorResponse) {
	var parseErr *pwerrors.ParseError
	if errors.As(err, &parseErr) {
		return http.StatusBadRequest, ErrorResponse{Code: string(pipeline.ErrCodeValidation), Message: parseErr.Error()}
	}

	var validationErr *pwerrors.ValidationError
	if errors.As(err, &validationErr) {
		code := pipeline.ErrCodeValidation
		if inner, ok := pipeline.CodeOf(validationErr.Err); ok {
			code = inner
		}
		return http.StatusBadRequest, ErrorResponse{Code: string(code), Message: validationErr.Message, Field: validationErr.Field}
	}

	var domainErr *pipeline.DomainError
	if errors.As(err, &domainErr) {
		return statusForCode(domainErr.Code), ErrorResponse{
			Code:    string(domainErr.Code),
			Message: domainErr.Message,
			Context: domainErr.Context,
		}
	}

	return http.StatusInternalServerError, ErrorResponse{Code: string(pipeline.ErrCodeInternal), Message: err.Error()}
}

func statusForCode(code pipeline.ErrorCode) int {
	switch code {
	case pipeline.ErrCodeValidation, pipeline.ErrCodeMissing, pipeline.ErrCodeType,
		pipeline.ErrCodeDuplicate, pipeline.ErrCodeCycle:
		return http.StatusBadRequest
	case pipeline.ErrCodeNotFound:
		return http.StatusNotFound
	case pipeline.ErrCodeState, pipeline.ErrCodeConflict:
		return http.StatusConflict
	case pipeline.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case pipeline.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
