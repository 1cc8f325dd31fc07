// Package server hosts the coordinator's admin surface: a gRPC
// listener carrying the standard health service and an HTTP listener
// with health, metrics, the query API, and review resolution.
// Participant traffic does not flow through here; it rides the
// message gateway.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/observability"
	"AtomicSettle/internal/persistence"
	"AtomicSettle/internal/processor"
	"AtomicSettle/internal/query"
	"AtomicSettle/internal/settlement"
)

// Deps holds everything the admin surface serves from. Query and
// Audit may be nil when the deployment runs without Postgres; the
// corresponding endpoints then return 503.
type Deps struct {
	Processor *processor.Processor
	Query     *query.Service
	Audit     *persistence.AuditLog
	Health    *observability.HealthChecker
}

// Server owns the two admin listeners.
type Server struct {
	grpcAddr   string
	httpAddr   string
	deps       Deps
	grpcServer *grpc.Server
	httpServer *http.Server
	healthSrv  *health.Server
	log        zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		deps:     deps,
		log:      log,
	}

	s.grpcServer = grpc.NewServer()
	s.healthSrv = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
	reflection.Register(s.grpcServer)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetServing flips both the gRPC health service and the HTTP
// readiness probe.
func (s *Server) SetServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", status)
	if s.deps.Health != nil {
		s.deps.Health.SetReady(ready)
	}
}

// ServeGRPC blocks until the context ends.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
	}
	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()
	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc admin listener up")
	return s.grpcServer.Serve(lis)
}

// ServeHTTP blocks until the context ends.
func (s *Server) ServeHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.httpAddr).Msg("http admin listener up")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	if s.deps.Health != nil {
		mux.HandleFunc("/healthz", s.deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", s.deps.Health.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/settlements", s.handleSettlements)
	mux.HandleFunc("/v1/settlements/", s.handleSettlement)
	mux.HandleFunc("/v1/balances/", s.handleBalance)
	mux.HandleFunc("/v1/reviews/", s.handleReview)
	mux.HandleFunc("/v1/integrity", s.handleIntegrity)
	return mux
}

// GET /v1/settlements?status=<status>&limit=<n>
// GET /v1/settlements?key=<idempotency-key>
func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Query == nil {
		http.Error(w, "query store unavailable", http.StatusServiceUnavailable)
		return
	}

	if key := r.URL.Query().Get("key"); key != "" {
		resp, err := s.deps.Query.SettlementByKey(r.Context(), key)
		if err != nil {
			s.fail(w, err)
			return
		}
		if resp == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	status := settlement.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.deps.Query.Settlements(r.Context(), status, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/settlements/{id}
// GET /v1/settlements/{id}/journal
func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/settlements/")
	idPart, tail, _ := strings.Cut(rest, "/")
	id, err := uuid.Parse(idPart)
	if err != nil {
		http.Error(w, "malformed settlement id", http.StatusBadRequest)
		return
	}

	// In-flight settlements answer from memory so status is current;
	// everything else comes from the read model.
	if tail == "" && s.deps.Processor != nil {
		if snap, ok := s.deps.Processor.Get(id); ok {
			writeJSON(w, http.StatusOK, query.SettlementResponse{Settlement: snap})
			return
		}
	}
	if s.deps.Query == nil {
		http.Error(w, "query store unavailable", http.StatusServiceUnavailable)
		return
	}

	switch tail {
	case "":
		resp, err := s.deps.Query.Settlement(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		if resp == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "journal":
		resp, err := s.deps.Query.Journal(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		http.NotFound(w, r)
	}
}

// GET /v1/balances/{account}
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Query == nil {
		http.Error(w, "query store unavailable", http.StatusServiceUnavailable)
		return
	}

	account := strings.TrimPrefix(r.URL.Path, "/v1/balances/")
	resp, err := s.deps.Query.Balance(r.Context(), account)
	if err != nil {
		s.fail(w, err)
		return
	}
	if resp == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type reviewRequest struct {
	Approve  bool   `json:"approve"`
	Reason   string `json:"reason"`
	Reviewer string `json:"reviewer"`
}

// POST /v1/reviews/{settlement-id}
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Processor == nil {
		http.Error(w, "processor unavailable", http.StatusServiceUnavailable)
		return
	}

	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/v1/reviews/"))
	if err != nil {
		http.Error(w, "malformed settlement id", http.StatusBadRequest)
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}

	if err := s.deps.Processor.ResolveReview(r.Context(), id, req.Approve, req.Reason); err != nil {
		s.fail(w, err)
		return
	}

	if s.deps.Audit != nil {
		action := persistence.AuditReviewRejected
		if req.Approve {
			action = persistence.AuditReviewApproved
		}
		if err := s.deps.Audit.Record(r.Context(), action, req.Reviewer, id.String(),
			map[string]string{"reason": req.Reason}); err != nil {
			s.log.Error().Err(err).Str("settlement_id", id.String()).Msg("audit review resolution")
		}
	}

	snap, _ := s.deps.Processor.Get(id)
	writeJSON(w, http.StatusOK, query.SettlementResponse{Settlement: snap})
}

// GET /v1/integrity
func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Query == nil {
		http.Error(w, "query store unavailable", http.StatusServiceUnavailable)
		return
	}
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeInvalidMessage, errs.CodeMalformedAmount:
		status = http.StatusBadRequest
	case errs.CodeUnknownParticipant:
		status = http.StatusNotFound
	case errs.CodeCoordinatorBusy:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{
		"error_code": string(code),
		"error":      err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
