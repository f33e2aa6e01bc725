package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/delivery/machine"
	"github.com/vietddude/controltower/internal/governance"
	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/tcc"
)

// ============================================================================
// Messages
// ============================================================================

type submitRequest struct {
	TraceID       string          `json:"trace_id"       validate:"omitempty,max=128"`
	IntegrationID string          `json:"integration_id" validate:"required"`
	Payload       json.RawMessage `json:"payload"        validate:"required"`
}

type acceptedResponse struct {
	TraceID string `json:"trace_id"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sub := machine.Submission{TraceID: req.TraceID, IntegrationID: req.IntegrationID, Payload: req.Payload}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		traceID, err := s.svc.EnqueueMessage(sub)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{TraceID: traceID})
		return
	}

	msg, err := s.svc.SubmitMessage(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(r.Context(), mux.Vars(r)["traceId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMessageFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := s.svc.ListMessages(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseMessageFilter(r *http.Request) (domain.MessageFilter, error) {
	q := r.URL.Query()
	f := domain.MessageFilter{
		IntegrationID: q.Get("integration"),
		Text:          q.Get("q"),
	}
	for _, st := range splitList(q.Get("state")) {
		f.States = append(f.States, domain.MessageState(strings.ToUpper(st)))
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("invalid from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("invalid to: %w", err)
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, fmt.Errorf("invalid offset: %w", err)
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("invalid limit: %w", err)
	}
	return f, nil
}

type reviewRequest struct {
	Decision domain.ReviewDecision `json:"decision" validate:"required,oneof=confirm reject"`
	Note     string                `json:"note"     validate:"max=1024"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.svc.ResolveManualReview(r.Context(), mux.Vars(r)["traceId"], req.Decision, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type callbackRequest struct {
	OK         bool            `json:"ok"`
	Body       json.RawMessage `json:"body,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty" validate:"omitempty,min=100,max=599"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.svc.HandleCallback(r.Context(), mux.Vars(r)["traceId"], machine.CallbackResult{
		OK:         req.OK,
		Body:       req.Body,
		Error:      req.Error,
		StatusCode: req.StatusCode,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// ============================================================================
// Flows and transactions
// ============================================================================

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Flows())
}

type runFlowRequest struct {
	TraceID string          `json:"trace_id" validate:"omitempty,max=128"`
	Payload json.RawMessage `json:"payload"`
}

type inconsistentResponse struct {
	Error       string              `json:"error"`
	Transaction *domain.Transaction `json:"transaction"`
}

func (s *Server) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	var req runFlowRequest
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	tx, err := s.svc.RunTccFlow(r.Context(), mux.Vars(r)["flowId"], req.TraceID, req.Payload)
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.GetTransaction(r.Context(), mux.Vars(r)["id"])
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleRecoverTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.RecoverTransaction(r.Context(), mux.Vars(r)["id"])
	s.writeTransaction(w, r, tx, err)
}

// writeTransaction reports an inconsistent outcome together with the
// transaction so operators can see which participants diverged.
func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tx)
	case tx != nil && errors.Is(err, tcc.ErrCoordinationInconsistency):
		writeJSON(w, http.StatusConflict, inconsistentResponse{Error: err.Error(), Transaction: tx})
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}
	filter := storage.TransactionFilter{FlowID: q.Get("flow"), Limit: limit}
	for _, p := range splitList(q.Get("phase")) {
		filter.Phases = append(filter.Phases, domain.Phase(strings.ToUpper(p)))
	}

	txs, err := s.svc.ListTransactions(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// ============================================================================
// Governance
// ============================================================================

type rulesResponse struct {
	Version  int64                     `json:"version"`
	Rules    []governance.RuleView     `json:"rules"`
	Policies []governance.PolicyStatus `json:"policies"`
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rulesResponse{
		Version:  s.svc.RuleSetVersion(),
		Rules:    s.svc.Rules(),
		Policies: s.svc.Policies(),
	})
}

type replaceRulesResponse struct {
	Version  int64     `json:"version"`
	Rules    int       `json:"rules"`
	Policies int       `json:"policies"`
	LoadedAt time.Time `json:"loaded_at"`
}

// handleReplaceRules accepts a rule file in YAML or JSON.
func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	file, err := governance.ParseRuleFile(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.svc.ReplaceRules(r.Context(), file.Rules, file.Policies)
	if err != nil {
		// compile errors are the caller's
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, replaceRulesResponse{
		Version:  snap.Version,
		Rules:    len(snap.Rules),
		Policies: len(snap.Policies),
		LoadedAt: snap.LoadedAt,
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Policies())
}

// ============================================================================
// Integrations and stats
// ============================================================================

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Integrations())
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := s.svc.SetPaused(r.Context(), mux.Vars(r)["id"], paused)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ============================================================================
// Helpers
// ============================================================================

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
