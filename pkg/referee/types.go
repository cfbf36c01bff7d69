// Package referee defines the shared decision vocabulary for the referee
// service: intents proposed by agents, the decisions returned for them, and
// the machine-readable reason codes every decision carries.
package referee

import (
	"errors"
	"fmt"
	"time"
)

// Scope describes how an intent touches its resource.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

// Intent is a proposed agent action submitted for admission control.
// It is immutable once submitted and lives only for one decision call.
type Intent struct {
	Type       string         `json:"type" yaml:"type"`         // action category, e.g. "contact.email"
	Resource   string         `json:"resource" yaml:"resource"` // target identifier, e.g. "ticket:42/process"
	Action     string         `json:"action" yaml:"action"`     // verb, e.g. "send"
	Author     string         `json:"author" yaml:"author"`     // opaque caller id, trusted as-is
	Scope      Scope          `json:"scope" yaml:"scope"`
	TTLSeconds int            `json:"ttl_s" yaml:"ttl_s"`
	Meta       map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate checks structural validity of an intent before evaluation.
func (i *Intent) Validate() error {
	if i.Type == "" {
		return errors.New("intent: type is required")
	}
	if i.Resource == "" {
		return errors.New("intent: resource is required")
	}
	if i.Author == "" {
		return errors.New("intent: author is required")
	}
	if i.Scope != ScopeRead && i.Scope != ScopeWrite {
		return fmt.Errorf("intent: scope must be %q or %q", ScopeRead, ScopeWrite)
	}
	if i.TTLSeconds <= 0 {
		return errors.New("intent: ttl_s must be positive")
	}
	return nil
}

// TTL returns the intent validity window as a duration.
func (i *Intent) TTL() time.Duration {
	return time.Duration(i.TTLSeconds) * time.Second
}

// ReplanCount reads the caller-maintained replan counter from intent metadata.
func (i *Intent) ReplanCount() int {
	if i.Meta == nil {
		return 0
	}
	switch v := i.Meta["replan_count"].(type) {
	case int:
		return v
	case float64: // JSON numbers decode as float64
		return int(v)
	}
	return 0
}

// Approved reports whether the intent carries a prior approval.
func (i *Intent) Approved() bool {
	if i.Meta == nil {
		return false
	}
	b, ok := i.Meta["approved"].(bool)
	return ok && b
}

// BudgetID returns the budget session the intent spends against, if any.
func (i *Intent) BudgetID() string {
	if i.Meta == nil {
		return ""
	}
	if s, ok := i.Meta["budget_id"].(string); ok {
		return s
	}
	return ""
}

// Action values for a Decision.
type Action string

const (
	// ActionAccept admits the intent; the caller may proceed.
	ActionAccept Action = "accept"
	// ActionReplan asks the caller to re-plan, optionally with suggestions.
	ActionReplan Action = "replan"
	// ActionHold defers the intent; the caller polls or re-submits.
	ActionHold Action = "hold"
	// ActionDeny rejects the intent.
	ActionDeny Action = "deny"
	// ActionUnavailable indicates a storage collaborator was unreachable.
	// Callers apply their own fail-open/fail-closed policy.
	ActionUnavailable Action = "unavailable"
)

// Machine-readable reason codes. Every decision carries exactly one.
const (
	ReasonIncidentSuppressed   = "incident_suppressed"
	ReasonFrequencyCapExceeded = "frequency_cap_exceeded"
	ReasonApprovalRequired     = "approval_required"
	ReasonResourceLocked       = "resource_locked"
	ReasonBudgetExhausted      = "budget_exhausted"
	ReasonReplanLimitExceeded  = "replan_limit_exceeded"
	ReasonReadOperation        = "read_operation"
	ReasonLockAcquired         = "lock_acquired"
	ReasonInvalidPolicy        = "invalid_policy"
	ReasonStoreUnavailable     = "store_unavailable"
)

// Decision is the outcome of evaluating one intent. Produced once, never
// mutated.
type Decision struct {
	Action        Action         `json:"action"`
	Reason        string         `json:"reason"`
	Why           string         `json:"why,omitempty"`
	HoldToken     string         `json:"hold_token,omitempty"`
	QueuePosition int            `json:"queue_position,omitempty"`
	TTLSeconds    int            `json:"ttl_s,omitempty"`
	Suggested     []string       `json:"suggested,omitempty"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	DecisionHash  string         `json:"decision_hash,omitempty"`
}

// Allowed reports whether the decision admits the intent.
func (d *Decision) Allowed() bool {
	return d.Action == ActionAccept
}
