// Package api exposes the control tower operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/delivery/machine"
	"github.com/vietddude/controltower/internal/governance"
	"github.com/vietddude/controltower/internal/infra/storage"
)

// Service is the operation surface served by the API.
type Service interface {
	SubmitMessage(ctx context.Context, sub machine.Submission) (*domain.Message, error)
	EnqueueMessage(sub machine.Submission) (string, error)
	GetMessage(ctx context.Context, traceID string) (*domain.Message, error)
	ListMessages(ctx context.Context, filter domain.MessageFilter) (domain.MessagePage, error)
	ResolveManualReview(ctx context.Context, traceID string, decision domain.ReviewDecision, note string) (*domain.Message, error)
	HandleCallback(ctx context.Context, traceID string, res machine.CallbackResult) (*domain.Message, error)

	RunTccFlow(ctx context.Context, flowID, traceID string, payload json.RawMessage) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]*domain.Transaction, error)
	RecoverTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	Rules() []governance.RuleView
	RuleSetVersion() int64
	ReplaceRules(ctx context.Context, rules []domain.Rule, policies []domain.Policy) (*governance.Snapshot, error)
	Policies() []governance.PolicyStatus

	Integrations() []domain.Integration
	Flows() []domain.Flow
	SetPaused(ctx context.Context, id string, paused bool) (domain.Integration, error)

	Stats(ctx context.Context) (domain.Stats, error)
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// HealthCheck is a named dependency check reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server provides the HTTP API.
type Server struct {
	svc      Service
	checks   []HealthCheck
	validate *validator.Validate
	server   *http.Server
	log      *slog.Logger
}

// NewServer creates a new API server on port.
func NewServer(svc Service, port int, checks ...HealthCheck) *Server {
	s := &Server{
		svc:      svc,
		checks:   checks,
		validate: validator.New(),
		log:      slog.Default().With("component", "api"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.handleSubmitMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{traceId}", s.handleGetMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{traceId}/review", s.handleReview).Methods(http.MethodPost)
	r.HandleFunc("/messages/{traceId}/callback", s.handleCallback).Methods(http.MethodPost)

	r.HandleFunc("/flows", s.handleListFlows).Methods(http.MethodGet)
	r.HandleFunc("/flows/{flowId}/run", s.handleRunFlow).Methods(http.MethodPost)
	r.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/recover", s.handleRecoverTransaction).Methods(http.MethodPost)

	r.HandleFunc("/rules", s.handleGetRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleReplaceRules).Methods(http.MethodPut)
	r.HandleFunc("/policies", s.handlePolicies).Methods(http.MethodGet)

	r.HandleFunc("/integrations", s.handleListIntegrations).Methods(http.MethodGet)
	r.HandleFunc("/integrations/{id}/pause", s.handlePause(true)).Methods(http.MethodPost)
	r.HandleFunc("/integrations/{id}/resume", s.handlePause(false)).Methods(http.MethodPost)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{"status": "healthy"}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			report[c.Name] = err.Error()
			report["status"] = "critical"
			status = http.StatusServiceUnavailable
			continue
		}
		report[c.Name] = "ok"
	}
	writeJSON(w, status, report)
}
