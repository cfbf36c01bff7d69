package referee

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ComputeDecisionHash produces a deterministic SHA-256 hash of a decision
// using JCS (RFC 8785) canonicalization. The hash field itself is excluded
// from the canonical form. The hash binds decisions into audit records.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Action        Action   `json:"action"`
		Reason        string   `json:"reason"`
		HoldToken     string   `json:"hold_token,omitempty"`
		QueuePosition int      `json:"queue_position,omitempty"`
		Suggested     []string `json:"suggested,omitempty"`
	}{
		Action:        d.Action,
		Reason:        d.Reason,
		HoldToken:     d.HoldToken,
		QueuePosition: d.QueuePosition,
		Suggested:     d.Suggested,
	}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal decision: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize decision: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
