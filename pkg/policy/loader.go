package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// schemaJSON is the JSON schema every policy document must satisfy.
// Unknown sections and fields are rejected at load time.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "frequency_caps": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["window_hours", "max_count"],
        "additionalProperties": false,
        "properties": {
          "window_hours": {"type": "integer", "minimum": 1},
          "max_count": {"type": "integer", "minimum": 1}
        }
      }
    },
    "incidents": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "suppress_outreach": {"type": "boolean"},
        "suppressed_types": {"type": "array", "items": {"type": "string"}}
      }
    },
    "approvals": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["require_if"],
        "additionalProperties": false,
        "properties": {
          "require_if": {"type": "array", "items": {"type": "string"}, "minItems": 1}
        }
      }
    },
    "limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "replan_limit": {"type": "integer", "minimum": 1},
        "max_hold_ttl": {"type": "integer", "minimum": 1},
        "default_hold_ttl": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

var policySchema = jsonschema.MustCompileString("policy.schema.json", schemaJSON)

// Loader loads policy documents from a YAML file and serves the current
// compiled snapshot. Reloads are versioned: a document older than the
// currently loaded one is rejected.
type Loader struct {
	mu       sync.RWMutex
	path     string
	current  *Snapshot
	onReload func(*Snapshot)
}

// NewLoader creates a loader for the given policy file path. An empty path
// means the built-in default policy.
func NewLoader(path string) *Loader {
	return &Loader{path: path, current: Default()}
}

// OnReload registers a callback invoked after each successful (re)load.
func (l *Loader) OnReload(fn func(*Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// Current returns the active snapshot. Never nil.
func (l *Loader) Current() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Load reads, validates, and compiles the policy file, then swaps it in.
func (l *Loader) Load() error {
	if l.path == "" {
		return nil // default policy already active
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", l.path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		return fmt.Errorf("policy: %s: %w", l.path, err)
	}

	l.mu.Lock()
	if l.current != nil && snap.Version().LessThan(l.current.Version()) {
		cur := l.current.Version()
		l.mu.Unlock()
		return fmt.Errorf("policy: version %s is older than loaded %s", snap.Version(), cur)
	}
	l.current = snap
	fn := l.onReload
	l.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return nil
}

// Parse validates and compiles a YAML policy document.
func Parse(data []byte) (*Snapshot, error) {
	// Validate the raw document against the schema first so authors get
	// schema errors rather than type errors. The YAML value is round-tripped
	// through encoding/json because the validator expects JSON-decoded types.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	jsonRaw, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	var instance any
	if err := json.Unmarshal(jsonRaw, &instance); err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	if err := policySchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return Compile(&doc)
}

// Summary renders a one-line description of a snapshot for logs.
func Summary(s *Snapshot) string {
	var types []string
	for typ := range s.caps {
		types = append(types, typ)
	}
	sort.Strings(types)
	return fmt.Sprintf("version=%s caps=[%s] suppressed=%d approvals=%d",
		s.version, strings.Join(types, ","), len(s.suppressed), len(s.approvals))
}
