package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/meshmind/referee/pkg/budget"
	"github.com/meshmind/referee/pkg/decider"
	"github.com/meshmind/referee/pkg/effects"
	"github.com/meshmind/referee/pkg/ghost"
	"github.com/meshmind/referee/pkg/hold"
	"github.com/meshmind/referee/pkg/referee"
	"github.com/meshmind/referee/pkg/store"
)

// Server wires the referee subsystems to their HTTP surface.
type Server struct {
	engine   *decider.Engine
	holds    hold.Manager
	guard    *budget.Guard
	ledger   effects.Ledger
	runner   *effects.Runner
	audit    store.AuditStore
	sim      *ghost.Simulator
	policies decider.SnapshotProvider
	logger   *slog.Logger
}

// NewServer creates the HTTP server over the referee subsystems.
func NewServer(
	engine *decider.Engine,
	holds hold.Manager,
	guard *budget.Guard,
	ledger effects.Ledger,
	audit store.AuditStore,
	sim *ghost.Simulator,
	policies decider.SnapshotProvider,
) *Server {
	return &Server{
		engine:   engine,
		holds:    holds,
		guard:    guard,
		ledger:   ledger,
		runner:   effects.NewRunner(ledger),
		audit:    audit,
		sim:      sim,
		policies: policies,
		logger:   slog.Default().With("component", "api"),
	}
}

// Routes returns the mux with all endpoints registered. Mutating routes sit
// behind the idempotency middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/intents", s.handleSubmitIntent)
	mux.HandleFunc("POST /v1/holds/request", s.handleHoldRequest)
	mux.HandleFunc("POST /v1/holds/confirm", s.handleHoldConfirm)
	mux.HandleFunc("POST /v1/holds/release", s.handleHoldRelease)
	mux.HandleFunc("GET /v1/holds/{token}", s.handleHoldGet)
	mux.HandleFunc("POST /v1/budgets", s.handleBudgetStart)
	mux.HandleFunc("GET /v1/budgets/{id}", s.handleBudgetGet)
	mux.HandleFunc("POST /v1/budgets/{id}/consume", s.handleBudgetConsume)
	mux.HandleFunc("POST /v1/budgets/{id}/stop", s.handleBudgetStop)
	mux.HandleFunc("POST /v1/effects", s.handleEffect)
	mux.HandleFunc("POST /v1/simulations", s.handleSimulation)
	mux.HandleFunc("GET /v1/decisions", s.handleDecisionHistory)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/policy", s.handlePolicy)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return IdempotencyMiddleware(s.ledger)(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid_body", err.Error())
		return false
	}
	return true
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var in referee.Intent
	if !decodeJSON(w, r, &in) {
		return
	}

	d, err := s.engine.Decide(r.Context(), &in)
	if err != nil {
		WriteBadRequest(w, r, "invalid_intent", err.Error())
		return
	}
	if d.Action == referee.ActionUnavailable {
		WriteServiceUnavailable(w, r, d.Reason, d.Why)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type holdRequestBody struct {
	Resource    string `json:"resource"`
	Author      string `json:"author"`
	TTLSeconds  int    `json:"ttl_s"`
	Correlation string `json:"correlation,omitempty"`
}

func (s *Server) handleHoldRequest(w http.ResponseWriter, r *http.Request) {
	var body holdRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Resource == "" || body.Author == "" {
		WriteBadRequest(w, r, "invalid_request", "resource and author are required")
		return
	}

	h, err := s.holds.Request(r.Context(), body.Resource, body.Author, body.TTLSeconds, body.Correlation)
	if err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type tokenBody struct {
	Token string `json:"token"`
}

func (s *Server) handleHoldConfirm(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeJSON(w, r, &body) {
		return
	}

	h, err := s.holds.Confirm(r.Context(), body.Token)
	if err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleHoldRelease(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := s.holds.Release(r.Context(), body.Token); err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHoldGet(w http.ResponseWriter, r *http.Request) {
	h, err := s.holds.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeHoldError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, hold.ErrInvalidTTL):
		WriteBadRequest(w, r, "invalid_ttl", err.Error())
	case errors.Is(err, hold.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, hold.ErrHoldExpired):
		WriteConflict(w, r, "hold_expired", err.Error())
	case errors.Is(err, hold.ErrNotHolder):
		WriteConflict(w, r, "not_holder", err.Error())
	case errors.Is(err, hold.ErrNotActive):
		WriteConflict(w, r, "not_active", err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

type budgetStartBody struct {
	USDCap float64           `json:"usd_cap"`
	RPM    int               `json:"rpm"`
	Tags   map[string]string `json:"tags,omitempty"`
}

func (s *Server) handleBudgetStart(w http.ResponseWriter, r *http.Request) {
	var body budgetStartBody
	if !decodeJSON(w, r, &body) {
		return
	}

	session, err := s.guard.Start(r.Context(), body.USDCap, body.RPM, body.Tags)
	if err != nil {
		s.writeBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.guard.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type consumeBody struct {
	USDAmount float64 `json:"usd_amount"`
}

func (s *Server) handleBudgetConsume(w http.ResponseWriter, r *http.Request) {
	var body consumeBody
	if !decodeJSON(w, r, &body) {
		return
	}

	res, err := s.guard.Consume(r.Context(), r.PathValue("id"), body.USDAmount)
	if err != nil {
		s.writeBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBudgetStop(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Stop(r.Context(), r.PathValue("id")); err != nil {
		s.writeBudgetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeBudgetError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, budget.ErrInvalidCap):
		WriteBadRequest(w, r, "invalid_cap", err.Error())
	case errors.Is(err, budget.ErrInvalidRPM):
		WriteBadRequest(w, r, "invalid_rpm", err.Error())
	case errors.Is(err, budget.ErrInvalidAmount):
		WriteBadRequest(w, r, "invalid_amount", err.Error())
	case errors.Is(err, budget.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

type effectBody struct {
	IdempotencyKey string          `json:"idempotency_key"`
	TTLSeconds     int             `json:"ttl_s"`
	Payload        json.RawMessage `json:"payload"`
}

type effectResponse struct {
	Executed bool            `json:"executed"`
	Result   json.RawMessage `json:"result"`
}

// handleEffect performs an idempotent effect. The service holds no real
// effectors, so the effect commits its payload as the stored result; repeat
// calls with the same key observe that result without re-execution.
func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	var body effectBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.IdempotencyKey == "" {
		WriteBadRequest(w, r, "invalid_key", "idempotency_key is required")
		return
	}
	if body.TTLSeconds <= 0 {
		WriteBadRequest(w, r, "invalid_ttl", "ttl_s must be positive")
		return
	}

	ttl := time.Duration(body.TTLSeconds) * time.Second
	executed, result, err := s.runner.Run(r.Context(), body.IdempotencyKey, ttl, func(context.Context) ([]byte, error) {
		return body.Payload, nil
	})
	if errors.Is(err, effects.ErrDuplicateInFlight) {
		WriteConflict(w, r, "duplicate_in_flight", "An effect with this key is already in flight")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, effectResponse{Executed: executed, Result: result})
}

type simulationBody struct {
	Graph  ghost.Graph  `json:"graph"`
	Config ghost.Config `json:"config"`
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	var body simulationBody
	if !decodeJSON(w, r, &body) {
		return
	}

	report, err := s.sim.Run(r.Context(), &body.Graph, body.Config)
	if err != nil {
		WriteBadRequest(w, r, "invalid_graph", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDecisionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	hist, err := s.audit.DecisionHistory(r.Context(), limit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": hist})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.audit.Metrics(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	activeHolds, pendingHolds, err := s.holds.Counts(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	activeBudgets, err := s.guard.Counts(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": metrics,
		"holds":     map[string]int{"active": activeHolds, "pending": pendingHolds},
		"budgets":   map[string]int{"active": activeBudgets},
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	snap := s.policies.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version().String(),
		"hash":    snap.Hash(),
		"limits":  snap.Limits(),
	})
}

// handleHealthz reports readiness: every backing store must answer a ping.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]error{
		"holds":   s.holds.Ping(ctx),
		"budgets": s.guard.Ping(ctx),
		"effects": s.ledger.Ping(ctx),
		"audit":   s.audit.Ping(ctx),
	}

	status := http.StatusOK
	out := make(map[string]string, len(checks))
	for name, err := range checks {
		if err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": out})
}
