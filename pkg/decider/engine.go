// Package decider implements the intent decision engine. It evaluates
// admission checks in a fixed order against an immutable policy snapshot and
// consults the hold manager, budget guard, and audit trail through their
// contracts only.
package decider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshmind/referee/pkg/budget"
	"github.com/meshmind/referee/pkg/hold"
	"github.com/meshmind/referee/pkg/policy"
	"github.com/meshmind/referee/pkg/referee"
	"github.com/meshmind/referee/pkg/store"
)

// SnapshotProvider yields the policy snapshot for one evaluation. A reloading
// loader swaps snapshots atomically; each Decide call sees exactly one.
type SnapshotProvider interface {
	Current() *policy.Snapshot
}

// SnapshotProviderFunc adapts a function to SnapshotProvider.
type SnapshotProviderFunc func() *policy.Snapshot

func (f SnapshotProviderFunc) Current() *policy.Snapshot { return f() }

// Metrics receives decision outcomes and timings. Satisfied by
// observability.Provider; the engine runs uninstrumented without one.
type Metrics interface {
	RecordDecision(ctx context.Context, action, reason string)
	RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue)
	RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue)
}

// Engine evaluates intents. It is safe for concurrent use.
type Engine struct {
	policies SnapshotProvider
	holds    hold.Manager
	budgets  *budget.Guard
	audit    store.AuditStore
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  Metrics
}

// NewEngine creates a decision engine over its collaborators.
func NewEngine(policies SnapshotProvider, holds hold.Manager, budgets *budget.Guard, audit store.AuditStore) *Engine {
	return &Engine{
		policies: policies,
		holds:    holds,
		budgets:  budgets,
		audit:    audit,
		clock:    time.Now,
		logger:   slog.Default().With("component", "decider"),
		tracer:   otel.Tracer("referee/decider"),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithMetrics attaches a metrics recorder.
func (e *Engine) WithMetrics(m Metrics) *Engine {
	e.metrics = m
	return e
}

// Decide evaluates one intent and returns its decision. Checks run in order:
// replan limit, incident suppression, frequency cap, approval requirement,
// budget state, then resource contention. Evaluation is pure except for the
// hold-acquisition attempt; it never retries internally, callers re-submit.
func (e *Engine) Decide(ctx context.Context, in *referee.Intent) (*referee.Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "decide")
	defer span.End()

	if err := in.Validate(); err != nil {
		if e.metrics != nil {
			e.metrics.RecordError(ctx, err, attribute.String("operation", "decide"))
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("intent.type", in.Type),
		attribute.String("intent.resource", in.Resource),
		attribute.String("intent.action", in.Action),
	)

	snap := e.policies.Current()
	d := e.evaluate(ctx, in, snap)

	if hash, err := referee.ComputeDecisionHash(d); err == nil {
		d.DecisionHash = hash
	} else {
		e.logger.Error("failed to hash decision", "error", err)
	}

	e.record(ctx, in, d)

	span.SetAttributes(
		attribute.String("decision.action", string(d.Action)),
		attribute.String("decision.reason", d.Reason),
	)
	if e.metrics != nil {
		e.metrics.RecordDecision(ctx, string(d.Action), d.Reason)
		e.metrics.RecordDuration(ctx, time.Since(start), attribute.String("operation", "decide"))
	}
	e.logger.Info("decision",
		"intent_type", in.Type,
		"resource", in.Resource,
		"author", in.Author,
		"action", d.Action,
		"reason", d.Reason,
	)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, in *referee.Intent, snap *policy.Snapshot) *referee.Decision {
	limits := snap.Limits()

	if count := in.ReplanCount(); count >= limits.ReplanLimit {
		return &referee.Decision{
			Action:   referee.ActionDeny,
			Reason:   referee.ReasonReplanLimitExceeded,
			Why:      fmt.Sprintf("replan limit of %d exceeded", limits.ReplanLimit),
			Evidence: map[string]any{"replan_count": count},
		}
	}

	if snap.IsSuppressed(in.Type) {
		return &referee.Decision{
			Action:   referee.ActionDeny,
			Reason:   referee.ReasonIncidentSuppressed,
			Why:      "intent type is suppressed due to an active incident",
			Evidence: map[string]any{"suppressed_type": in.Type},
		}
	}

	if d := e.checkFrequencyCap(ctx, in, snap); d != nil {
		return d
	}

	if d := e.checkApproval(in, snap); d != nil {
		return d
	}

	// Budget state is checked before contention: a stopped or missing
	// session is denied without requesting a hold, so the denial leaves
	// no queue entry behind it.
	if d := e.checkBudget(ctx, in); d != nil {
		return d
	}

	if in.Scope == referee.ScopeRead {
		return &referee.Decision{
			Action:     referee.ActionAccept,
			Reason:     referee.ReasonReadOperation,
			Why:        "read operation allowed",
			TTLSeconds: in.TTLSeconds,
		}
	}

	return e.acquireHold(ctx, in, snap)
}

func (e *Engine) checkFrequencyCap(ctx context.Context, in *referee.Intent, snap *policy.Snapshot) *referee.Decision {
	cap, ok := snap.FrequencyCap(in.Type)
	if !ok {
		return nil
	}

	since := e.clock().Add(-time.Duration(cap.WindowHours) * time.Hour)
	recent, err := e.audit.RecentActivityCount(ctx, in.Type, in.Resource, since)
	if err != nil {
		e.logger.Error("audit store unreachable during cap check", "error", err)
		return &referee.Decision{
			Action: referee.ActionUnavailable,
			Reason: referee.ReasonStoreUnavailable,
			Why:    "audit store unreachable, frequency cap cannot be evaluated",
		}
	}
	if recent < cap.MaxCount {
		return nil
	}

	return &referee.Decision{
		Action: referee.ActionDeny,
		Reason: referee.ReasonFrequencyCapExceeded,
		Why:    fmt.Sprintf("frequency cap exceeded for %s", in.Type),
		Evidence: map[string]any{
			"recent_count": recent,
			"max_count":    cap.MaxCount,
			"window_hours": cap.WindowHours,
			"since":        since.UTC().Format(time.RFC3339),
		},
	}
}

func (e *Engine) checkApproval(in *referee.Intent, snap *policy.Snapshot) *referee.Decision {
	rule, required, err := snap.ApprovalRequired(in)
	if err != nil {
		e.logger.Error("approval predicate failed", "error", err)
		return &referee.Decision{
			Action:   referee.ActionDeny,
			Reason:   referee.ReasonInvalidPolicy,
			Why:      "approval predicate could not be evaluated",
			Evidence: map[string]any{"error": err.Error()},
		}
	}
	if !required || in.Approved() {
		return nil
	}

	return &referee.Decision{
		Action:   referee.ActionHold,
		Reason:   referee.ReasonApprovalRequired,
		Why:      fmt.Sprintf("approval rule %q requires sign-off before execution", rule),
		Evidence: map[string]any{"rule": rule},
	}
}

func (e *Engine) checkBudget(ctx context.Context, in *referee.Intent) *referee.Decision {
	id := in.BudgetID()
	if id == "" {
		return nil
	}

	s, err := e.budgets.Get(ctx, id)
	if errors.Is(err, budget.ErrNotFound) {
		return &referee.Decision{
			Action:   referee.ActionDeny,
			Reason:   referee.ReasonBudgetExhausted,
			Why:      "referenced budget session does not exist",
			Evidence: map[string]any{"budget_id": id},
		}
	}
	if err != nil {
		e.logger.Error("budget store unreachable", "error", err)
		return &referee.Decision{
			Action: referee.ActionUnavailable,
			Reason: referee.ReasonStoreUnavailable,
			Why:    "budget store unreachable, session state cannot be evaluated",
		}
	}
	if s.State != budget.StateStopped {
		return nil
	}

	return &referee.Decision{
		Action: referee.ActionDeny,
		Reason: referee.ReasonBudgetExhausted,
		Why:    "budget session is stopped",
		Evidence: map[string]any{
			"budget_id": id,
			"spent_usd": s.SpentUSD,
			"usd_cap":   s.USDCap,
		},
	}
}

func (e *Engine) acquireHold(ctx context.Context, in *referee.Intent, snap *policy.Snapshot) *referee.Decision {
	ttl := in.TTLSeconds
	limits := snap.Limits()
	if ttl > limits.MaxHoldTTL {
		ttl = limits.MaxHoldTTL
	}

	h, err := e.holds.Request(ctx, in.Resource, in.Author, ttl, correlationFor(in))
	if err != nil {
		e.logger.Error("hold store unreachable", "error", err)
		return &referee.Decision{
			Action: referee.ActionUnavailable,
			Reason: referee.ReasonStoreUnavailable,
			Why:    "hold store unreachable, contention cannot be evaluated",
		}
	}

	if h.State == hold.StateActive {
		return &referee.Decision{
			Action:     referee.ActionAccept,
			Reason:     referee.ReasonLockAcquired,
			Why:        "hold acquired, operation allowed",
			HoldToken:  h.Token,
			TTLSeconds: h.TTLSeconds,
		}
	}

	d := &referee.Decision{
		Action:        referee.ActionHold,
		Reason:        referee.ReasonResourceLocked,
		Why:           "resource is currently held by another author",
		HoldToken:     h.Token,
		QueuePosition: h.QueuePosition,
		TTLSeconds:    h.TTLSeconds,
		Evidence:      map[string]any{"queue_position": h.QueuePosition},
	}
	if suggestions := BookingSuggestions(in.Resource); len(suggestions) > 0 {
		d.Suggested = suggestions
	}
	return d
}

// record appends the decision to the audit trail. Recording is best-effort:
// a write failure never changes the decision already made.
func (e *Engine) record(ctx context.Context, in *referee.Intent, d *referee.Decision) {
	rec := &store.DecisionRecord{
		IntentType:   in.Type,
		Resource:     in.Resource,
		Action:       in.Action,
		Author:       in.Author,
		Decision:     string(d.Action),
		Reason:       d.Reason,
		DecisionHash: d.DecisionHash,
		CreatedAt:    e.clock(),
	}
	if err := e.audit.RecordDecision(ctx, rec); err != nil {
		e.logger.Error("failed to record decision", "error", err)
	}
}

// correlationFor derives a stable retry correlation for an intent so that a
// re-submitted intent keeps its queue position.
func correlationFor(in *referee.Intent) string {
	if in.Meta != nil {
		if s, ok := in.Meta["correlation"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// BookingSuggestions derives alternative slots for a contended calendar
// resource of the form "calendar:<id>@<slot>". Offsets are 30, 60 and 90
// minutes past the requested slot. Non-calendar resources yield none.
func BookingSuggestions(resource string) []string {
	if !strings.HasPrefix(resource, "calendar:") {
		return nil
	}
	base, slot, ok := strings.Cut(resource, "@")
	if !ok || slot == "" {
		return nil
	}

	suggestions := make([]string, 0, 3)
	for _, offset := range []int{30, 60, 90} {
		if t, err := time.Parse(time.RFC3339, slot); err == nil {
			shifted := t.Add(time.Duration(offset) * time.Minute)
			suggestions = append(suggestions, fmt.Sprintf("%s@%s", base, shifted.Format(time.RFC3339)))
			continue
		}
		suggestions = append(suggestions, fmt.Sprintf("%s@%s+%dm", base, slot, offset))
	}
	return suggestions
}
