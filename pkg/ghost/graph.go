// Package ghost runs dry-run simulations of agent workflows. A workflow is a
// DAG of steps, each annotated with the intent it would raise and an estimated
// unit cost; simulation walks the graph through the decision engine against
// isolated state, so no real effect is ever performed and no production hold
// or budget is touched.
package ghost

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshmind/referee/pkg/referee"
)

// Step is one node of a workflow graph.
type Step struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Intent        referee.Intent `yaml:"intent" json:"intent"`
	EstimatedCost float64        `yaml:"estimated_cost" json:"estimated_cost"`
	DependsOn     []string       `yaml:"depends_on" json:"depends_on,omitempty"`
}

// Graph is a directed acyclic workflow of steps.
type Graph struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Validate checks structural validity: unique step ids, known dependencies,
// non-negative costs, and a well-formed intent per step.
func (g *Graph) Validate() error {
	if len(g.Steps) == 0 {
		return fmt.Errorf("ghost: graph has no steps")
	}

	seen := make(map[string]struct{}, len(g.Steps))
	for _, s := range g.Steps {
		if s.ID == "" {
			return fmt.Errorf("ghost: step with empty id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("ghost: duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.EstimatedCost < 0 {
			return fmt.Errorf("ghost: step %q: negative estimated cost", s.ID)
		}
		if err := s.Intent.Validate(); err != nil {
			return fmt.Errorf("ghost: step %q: %w", s.ID, err)
		}
	}

	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("ghost: step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("ghost: step %q depends on itself", s.ID)
			}
		}
	}

	if _, err := g.ExecutionOrder(); err != nil {
		return err
	}
	return nil
}

// ExecutionOrder returns the steps in topological order. Steps whose
// dependencies are all satisfied run in declaration order, so the result is
// deterministic for a given document.
func (g *Graph) ExecutionOrder() ([]*Step, error) {
	indegree := make(map[string]int, len(g.Steps))
	dependents := make(map[string][]string)
	byID := make(map[string]*Step, len(g.Steps))

	for i := range g.Steps {
		s := &g.Steps[i]
		byID[s.ID] = s
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var order []*Step
	ready := make([]string, 0, len(g.Steps))
	for _, s := range g.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(g.Steps) {
		return nil, fmt.Errorf("ghost: graph contains a dependency cycle")
	}
	return order, nil
}

// LoadGraph reads and validates a workflow graph from a YAML file.
func LoadGraph(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ghost: read graph: %w", err)
	}

	var g Graph
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("ghost: parse graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
