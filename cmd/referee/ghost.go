package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/meshmind/referee/pkg/decider"
	"github.com/meshmind/referee/pkg/ghost"
	"github.com/meshmind/referee/pkg/policy"
)

// runGhostCmd dry-runs an action graph against a fresh simulated referee
// and prints the report.
func runGhostCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ghost", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		graphPath      string
		policyPath     string
		budgetCap      float64
		rpm            int
		failOnConflict bool
		attribution    string
		jsonOutput     bool
	)

	cmd.StringVar(&graphPath, "graph", "", "Path to the action graph YAML (REQUIRED)")
	cmd.StringVar(&policyPath, "policy", "", "Policy file (default: built-in policy)")
	cmd.Float64Var(&budgetCap, "budget", 10.0, "Simulated budget cap in USD")
	cmd.IntVar(&rpm, "rpm", 60, "Simulated budget rate limit")
	cmd.BoolVar(&failOnConflict, "fail-on-conflict", false, "Stop at the first conflict")
	cmd.StringVar(&attribution, "cost-attribution", "none", "Cost for blocked steps: none, attempted, full")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if graphPath == "" {
		fmt.Fprintln(stderr, "Error: --graph is required")
		cmd.Usage()
		return 2
	}

	graph, err := ghost.LoadGraph(graphPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading graph: %v\n", err)
		return 2
	}

	var policies decider.SnapshotProvider
	if policyPath != "" {
		loader := policy.NewLoader(policyPath)
		if err := loader.Load(); err != nil {
			fmt.Fprintf(stderr, "Error loading policy: %v\n", err)
			return 2
		}
		policies = loader
	} else {
		snap := policy.Default()
		policies = decider.SnapshotProviderFunc(func() *policy.Snapshot { return snap })
	}

	sim := ghost.NewSimulator(policies)
	report, err := sim.Run(context.Background(), graph, ghost.Config{
		BudgetCap:       budgetCap,
		RPM:             rpm,
		FailOnConflict:  failOnConflict,
		CostAttribution: ghost.CostAttribution(attribution),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Simulation failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, err := report.ToJSON()
		if err != nil {
			fmt.Fprintf(stderr, "Error encoding report: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprint(stdout, report.Render())
	}

	if !report.Success() {
		return 1
	}
	return 0
}
