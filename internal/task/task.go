package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks in the work queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a Priority.
// An empty string maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Step is one ordered sub-step of a task.
type Step struct {
	Name      string   `json:"name" yaml:"name"`
	Intent    string   `json:"intent,omitempty" yaml:"intent,omitempty"` // Capability label; empty means the task's intent
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Task is a unit of work routed to one or more agents.
type Task struct {
	ID                string
	Title             string
	Payload           Payload
	Priority          Priority
	Status            Status // Mirrors the workflow status
	RequiresConsensus bool
	Steps             []Step
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Payload is the task's structured content: empty or a JSON object.
type Payload struct {
	raw json.RawMessage
}

// textFields are the payload fields the classifier reads, in order.
var textFields = []string{"subject", "text", "body", "content"}

// NewPayload validates raw JSON and wraps it. Empty input yields an empty payload.
func NewPayload(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Payload{}, nil
	}
	if trimmed[0] != '{' {
		return Payload{}, fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
	}
	if !json.Valid(trimmed) {
		return Payload{}, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	cp := make(json.RawMessage, len(trimmed))
	copy(cp, trimmed)
	return Payload{raw: cp}, nil
}

// PayloadFromMap marshals fields into a payload.
func PayloadFromMap(fields map[string]any) (Payload, error) {
	if len(fields) == 0 {
		return Payload{}, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling payload: %w", err)
	}
	return Payload{raw: raw}, nil
}

// Raw returns the encoded payload, or nil when empty.
func (p Payload) Raw() json.RawMessage { return p.raw }

// IsEmpty reports whether the payload carries no data.
func (p Payload) IsEmpty() bool { return len(p.raw) == 0 }

// Fields decodes the payload into a map. An empty payload yields an empty map.
func (p Payload) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if p.IsEmpty() {
		return fields, nil
	}
	if err := json.Unmarshal(p.raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return fields, nil
}

// Value decodes the payload as a generic JSON value for schema validation.
func (p Payload) Value() (any, error) {
	if p.IsEmpty() {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(p.raw, &v); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return v, nil
}

// Text concatenates the string-valued text fields. Unparseable payloads yield "".
func (p Payload) Text() string {
	fields, err := p.Fields()
	if err != nil {
		return ""
	}
	var parts []string
	for _, key := range textFields {
		if s, ok := fields[key].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// MarshalJSON encodes the payload verbatim.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsEmpty() {
		return []byte("null"), nil
	}
	return p.raw, nil
}

// UnmarshalJSON validates and stores the payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	parsed, err := NewPayload(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
