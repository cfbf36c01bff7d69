package ghost

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshmind/referee/pkg/budget"
	"github.com/meshmind/referee/pkg/decider"
	"github.com/meshmind/referee/pkg/hold"
	"github.com/meshmind/referee/pkg/referee"
	"github.com/meshmind/referee/pkg/store"
)

// CostAttribution selects how much of a step's estimated cost is charged
// when the step's intent is not accepted.
type CostAttribution string

const (
	// AttributionNone charges nothing for held or denied steps.
	AttributionNone CostAttribution = "none"
	// AttributionAttempted charges half the estimate for held or denied
	// steps, modelling work done before the referee stopped the step.
	AttributionAttempted CostAttribution = "attempted"
	// AttributionFull charges the full estimate regardless of decision.
	AttributionFull CostAttribution = "full"
)

// Config controls one simulation run.
type Config struct {
	BudgetCap       float64         `json:"budget_cap"`
	RPM             int             `json:"rpm"`
	FailOnConflict  bool            `json:"fail_on_conflict"`
	MaxSteps        int             `json:"max_steps"`
	CostAttribution CostAttribution `json:"cost_attribution"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BudgetCap <= 0 {
		out.BudgetCap = 10.0
	}
	if out.RPM <= 0 {
		out.RPM = 60
	}
	if out.MaxSteps <= 0 {
		out.MaxSteps = 100
	}
	if out.CostAttribution == "" {
		out.CostAttribution = AttributionNone
	}
	return out
}

// Conflict is one held or denied step.
type Conflict struct {
	StepID   string `json:"step_id"`
	StepName string `json:"step_name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Why      string `json:"why,omitempty"`
}

// StepResult records the decision and charged cost for one simulated step.
type StepResult struct {
	StepID   string            `json:"step_id"`
	StepName string            `json:"step_name"`
	Decision *referee.Decision `json:"decision"`
	Cost     float64           `json:"cost"`
}

// Report is the structured outcome of a simulation.
type Report struct {
	SimulationID   string       `json:"simulation_id"`
	GraphName      string       `json:"graph_name,omitempty"`
	TotalSteps     int          `json:"total_steps"`
	TotalCost      float64      `json:"total_cost"`
	Steps          []StepResult `json:"steps"`
	Conflicts      []Conflict   `json:"conflicts"`
	BudgetExceeded bool         `json:"budget_exceeded"`
	Incomplete     bool         `json:"incomplete"`
	StartedAt      time.Time    `json:"started_at"`
	DurationMS     float64      `json:"duration_ms"`
}

// Simulator walks workflow graphs through the decision engine. Each run gets
// fresh in-memory hold, budget, and audit state, so simulations are isolated
// from production and from each other.
type Simulator struct {
	policies decider.SnapshotProvider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewSimulator creates a simulator evaluating against the given policies.
func NewSimulator(policies decider.SnapshotProvider) *Simulator {
	return &Simulator{
		policies: policies,
		logger:   slog.Default().With("component", "ghost"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Simulator) WithClock(clock func() time.Time) *Simulator {
	s.clock = clock
	return s
}

// Run simulates the graph under cfg and returns the report.
func (s *Simulator) Run(ctx context.Context, g *Graph, cfg Config) (*Report, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	simID := "ghost_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	holds := hold.NewMemoryManager()
	defer holds.Close()
	guard := budget.NewGuard(budget.NewMemoryStore())
	audit := store.NewMemoryAuditStore()
	engine := decider.NewEngine(s.policies, holds, guard, audit)

	session, err := guard.Start(ctx, cfg.BudgetCap, cfg.RPM, map[string]string{
		"ghost":         "true",
		"simulation_id": simID,
	})
	if err != nil {
		return nil, fmt.Errorf("ghost: start simulation budget: %w", err)
	}

	started := s.clock()
	report := &Report{
		SimulationID: simID,
		GraphName:    g.Name,
		StartedAt:    started,
		Steps:        []StepResult{},
		Conflicts:    []Conflict{},
	}

	for i, step := range order {
		if i >= cfg.MaxSteps {
			report.Incomplete = true
			break
		}

		in := step.Intent
		meta := make(map[string]any, len(in.Meta)+1)
		for k, v := range in.Meta {
			meta[k] = v
		}
		meta["budget_id"] = session.ID
		in.Meta = meta

		d, err := engine.Decide(ctx, &in)
		if err != nil {
			return nil, fmt.Errorf("ghost: step %q: %w", step.ID, err)
		}

		result := StepResult{StepID: step.ID, StepName: step.Name, Decision: d}
		if charge := s.chargeFor(step, d, cfg); charge > 0 {
			res, err := guard.Consume(ctx, session.ID, charge)
			if err != nil {
				return nil, fmt.Errorf("ghost: step %q: charge budget: %w", step.ID, err)
			}
			if res.Allowed {
				result.Cost = charge
				report.TotalCost = res.SpentUSD
			}
		}
		report.Steps = append(report.Steps, result)

		if d.Allowed() {
			// Simulated effects never run, so the hold is surrendered
			// immediately instead of waiting out its TTL.
			if d.HoldToken != "" {
				if err := holds.Release(ctx, d.HoldToken); err != nil {
					s.logger.Warn("failed to release simulated hold", "token", d.HoldToken, "error", err)
				}
			}
			continue
		}

		report.Conflicts = append(report.Conflicts, Conflict{
			StepID:   step.ID,
			StepName: step.Name,
			Resource: in.Resource,
			Action:   string(d.Action),
			Reason:   d.Reason,
			Why:      d.Why,
		})
		if cfg.FailOnConflict {
			report.Incomplete = true
			break
		}
	}

	report.TotalSteps = len(report.Steps)
	report.DurationMS = float64(s.clock().Sub(started)) / float64(time.Millisecond)

	final, err := guard.Get(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("ghost: read simulation budget: %w", err)
	}
	report.BudgetExceeded = final.State == budget.StateStopped
	report.TotalCost = final.SpentUSD

	s.logger.Info("simulation complete",
		"simulation_id", simID,
		"steps", report.TotalSteps,
		"conflicts", len(report.Conflicts),
		"total_cost", report.TotalCost,
		"budget_exceeded", report.BudgetExceeded,
	)
	return report, nil
}

func (s *Simulator) chargeFor(step *Step, d *referee.Decision, cfg Config) float64 {
	if d.Allowed() {
		return step.EstimatedCost
	}
	switch cfg.CostAttribution {
	case AttributionFull:
		return step.EstimatedCost
	case AttributionAttempted:
		return step.EstimatedCost / 2
	default:
		return 0
	}
}
