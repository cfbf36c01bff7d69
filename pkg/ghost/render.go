package ghost

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CostBreakdown sums charged cost per step name.
func (r *Report) CostBreakdown() map[string]float64 {
	breakdown := make(map[string]float64)
	for _, s := range r.Steps {
		if s.Cost > 0 {
			breakdown[s.StepName] += s.Cost
		}
	}
	return breakdown
}

// Success reports whether the simulation finished with no conflicts and
// within budget.
func (r *Report) Success() bool {
	return !r.Incomplete && !r.BudgetExceeded && len(r.Conflicts) == 0
}

// ToJSON serializes the structured report.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Render produces the human-readable variant of the report. It is a pure
// projection of the structured document, no decision logic lives here.
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Ghost run %s", r.SimulationID)
	if r.GraphName != "" {
		fmt.Fprintf(&b, " (%s)", r.GraphName)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  steps: %d  cost: $%.3f  conflicts: %d\n", r.TotalSteps, r.TotalCost, len(r.Conflicts))
	fmt.Fprintf(&b, "  budget exceeded: %v  incomplete: %v\n", r.BudgetExceeded, r.Incomplete)

	b.WriteString("\nSteps:\n")
	for i, s := range r.Steps {
		fmt.Fprintf(&b, "  %2d. %-24s %-12s %-24s $%.3f\n",
			i+1, s.StepID, s.Decision.Action, s.Decision.Reason, s.Cost)
	}

	if len(r.Conflicts) > 0 {
		b.WriteString("\nConflicts:\n")
		for _, c := range r.Conflicts {
			fmt.Fprintf(&b, "  - step %s (%s): %s on %s", c.StepID, c.Action, c.Reason, c.Resource)
			if c.Why != "" {
				fmt.Fprintf(&b, ": %s", c.Why)
			}
			b.WriteString("\n")
		}
	}

	if breakdown := r.CostBreakdown(); len(breakdown) > 0 {
		names := make([]string, 0, len(breakdown))
		for name := range breakdown {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\nCost by step:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %-32s $%.3f\n", name, breakdown[name])
		}
	}

	return b.String()
}
