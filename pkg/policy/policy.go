// Package policy provides versioned, immutable policy snapshots for the
// decision engine.
//
// Policies are declarative YAML documents with four sections: frequency_caps,
// incidents, approvals, and limits. Documents are validated against a JSON
// schema at load time and compiled into an immutable Snapshot; malformed or
// unknown entries are rejected at load, never at evaluation.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"

	"github.com/meshmind/referee/pkg/referee"
)

// FrequencyCap limits occurrences of an intent type per resource within a
// rolling window.
type FrequencyCap struct {
	WindowHours int `yaml:"window_hours" json:"window_hours"`
	MaxCount    int `yaml:"max_count" json:"max_count"`
}

// Incidents configures incident-driven suppression of intent types.
type Incidents struct {
	SuppressOutreach bool     `yaml:"suppress_outreach" json:"suppress_outreach"`
	SuppressedTypes  []string `yaml:"suppressed_types" json:"suppressed_types"`
}

// ApprovalRule maps CEL predicates over intent attributes to a
// required-approval flag. The rule fires if any predicate evaluates true.
type ApprovalRule struct {
	RequireIf []string `yaml:"require_if" json:"require_if"`
}

// Limits holds general evaluation limits.
type Limits struct {
	ReplanLimit    int `yaml:"replan_limit" json:"replan_limit"`
	MaxHoldTTL     int `yaml:"max_hold_ttl" json:"max_hold_ttl"`
	DefaultHoldTTL int `yaml:"default_hold_ttl" json:"default_hold_ttl"`
}

// Document is the declarative policy as authored.
type Document struct {
	Version       string                  `yaml:"version" json:"version"`
	FrequencyCaps map[string]FrequencyCap `yaml:"frequency_caps" json:"frequency_caps,omitempty"`
	Incidents     Incidents               `yaml:"incidents" json:"incidents,omitempty"`
	Approvals     map[string]ApprovalRule `yaml:"approvals" json:"approvals,omitempty"`
	Limits        Limits                  `yaml:"limits" json:"limits,omitempty"`
}

// outreachTypes are suppressed wholesale when incidents.suppress_outreach is set.
var outreachTypes = []string{"contact.email", "contact.sms", "contact.call"}

type compiledRule struct {
	name     string
	programs []cel.Program
}

// Snapshot is a compiled, immutable policy. The decision engine evaluates
// against exactly one snapshot per decision; reloads swap the whole snapshot.
type Snapshot struct {
	version    *semver.Version
	hash       string
	suppressed map[string]struct{}
	caps       map[string]FrequencyCap
	approvals  []compiledRule
	limits     Limits
}

// Compile validates and compiles a policy document into a Snapshot.
func Compile(doc *Document) (*Snapshot, error) {
	ver, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid version %q: %w", doc.Version, err)
	}

	for typ, cap := range doc.FrequencyCaps {
		if cap.WindowHours <= 0 || cap.MaxCount <= 0 {
			return nil, fmt.Errorf("policy: frequency cap for %q must have positive window_hours and max_count", typ)
		}
	}

	s := &Snapshot{
		version:    ver,
		suppressed: make(map[string]struct{}),
		caps:       make(map[string]FrequencyCap, len(doc.FrequencyCaps)),
		limits:     doc.Limits,
	}
	for typ, cap := range doc.FrequencyCaps {
		s.caps[typ] = cap
	}
	if doc.Incidents.SuppressOutreach {
		for _, typ := range outreachTypes {
			s.suppressed[typ] = struct{}{}
		}
	}
	for _, typ := range doc.Incidents.SuppressedTypes {
		s.suppressed[typ] = struct{}{}
	}
	if s.limits.ReplanLimit <= 0 {
		s.limits.ReplanLimit = 2
	}
	if s.limits.MaxHoldTTL <= 0 {
		s.limits.MaxHoldTTL = 3600
	}
	if s.limits.DefaultHoldTTL <= 0 {
		s.limits.DefaultHoldTTL = 120
	}

	env, err := newPredicateEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL environment: %w", err)
	}

	names := make([]string, 0, len(doc.Approvals))
	for name := range doc.Approvals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule := doc.Approvals[name]
		cr := compiledRule{name: name}
		for _, expr := range rule.RequireIf {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: approval rule %q: compile %q: %w", name, expr, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: approval rule %q: program %q: %w", name, expr, err)
			}
			cr.programs = append(cr.programs, prg)
		}
		s.approvals = append(s.approvals, cr)
	}

	s.hash, err = documentHash(doc)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newPredicateEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("intent_type", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func documentHash(doc *Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("policy: marshal document: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Version returns the policy document version.
func (s *Snapshot) Version() *semver.Version { return s.version }

// Hash returns the content-addressed hash of the source document.
func (s *Snapshot) Hash() string { return s.hash }

// Limits returns the general evaluation limits.
func (s *Snapshot) Limits() Limits { return s.limits }

// IsSuppressed reports whether an intent type is suppressed by an incident.
func (s *Snapshot) IsSuppressed(intentType string) bool {
	_, ok := s.suppressed[intentType]
	return ok
}

// FrequencyCap returns the cap for an intent type, if one is configured.
func (s *Snapshot) FrequencyCap(intentType string) (FrequencyCap, bool) {
	cap, ok := s.caps[intentType]
	return cap, ok
}

// ApprovalRequired evaluates approval predicates against the intent.
// It returns the first matching rule name. Evaluation errors are policy
// errors: fatal for this evaluation, surfaced to the caller.
func (s *Snapshot) ApprovalRequired(in *referee.Intent) (string, bool, error) {
	if len(s.approvals) == 0 {
		return "", false, nil
	}

	amount := 0.0
	meta := map[string]any{}
	if in.Meta != nil {
		meta = in.Meta
		if v, ok := in.Meta["amount"].(float64); ok {
			amount = v
		}
	}
	vars := map[string]any{
		"intent_type": in.Type,
		"resource":    in.Resource,
		"action":      in.Action,
		"author":      in.Author,
		"scope":       string(in.Scope),
		"amount":      amount,
		"meta":        meta,
	}

	for _, rule := range s.approvals {
		for _, prg := range rule.programs {
			out, _, err := prg.Eval(vars)
			if err != nil {
				return "", false, fmt.Errorf("policy: approval rule %q: %w", rule.name, err)
			}
			if b, ok := out.Value().(bool); ok && b {
				return rule.name, true, nil
			}
		}
	}
	return "", false, nil
}

// Default returns the built-in policy used when no policy file is configured.
// Mirrors the shipped policy.yaml defaults.
func Default() *Snapshot {
	doc := &Document{
		Version: "1.0.0",
		FrequencyCaps: map[string]FrequencyCap{
			"contact.email": {WindowHours: 48, MaxCount: 1},
			"contact.sms":   {WindowHours: 24, MaxCount: 2},
			"calendar.book": {WindowHours: 1, MaxCount: 1},
		},
		Incidents: Incidents{},
		Approvals: map[string]ApprovalRule{
			"booking":    {RequireIf: []string{`has(meta.conflict_override) && meta.conflict_override == true`}},
			"high_value": {RequireIf: []string{`amount > 1000.0`}},
		},
		Limits: Limits{ReplanLimit: 2, MaxHoldTTL: 3600, DefaultHoldTTL: 120},
	}
	s, err := Compile(doc)
	if err != nil {
		// The default document is a compile-time constant; failing to compile
		// it is a programming error.
		panic(fmt.Sprintf("policy: default document does not compile: %v", err))
	}
	return s
}
