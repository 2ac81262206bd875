// Package pulse defines the PulseEvent wire/storage type shared by every
// component that rides the bus: the envelope, the history store, the bus
// itself, federation, and the supervisory daemons.
package pulse

import (
	"fmt"
	"time"
)

// Priority is the routing level of a PulseEvent.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

func validPriority(p Priority) bool {
	switch p {
	case PriorityInfo, PriorityWarning, PriorityCritical:
		return true
	default:
		return false
	}
}

// LocalPeer is the reserved source_peer value for events produced on this node.
const LocalPeer = "local"

// Event is the sole wire and storage unit flowing through the bus.
//
// Payload, Context, and the loosely-typed InternalPriority mirror the
// "Pulse Bus 2.0" schema: defaults are applied idempotently by
// ApplyDefaults and never overwrite an existing value.
type Event struct {
	Timestamp    string         `json:"timestamp"`
	SourceDaemon string         `json:"source_daemon"`
	EventType    string         `json:"event_type"`
	Priority     Priority       `json:"priority"`
	Payload      map[string]any `json:"payload"`

	Focus *string `json:"focus"`
	// Context carries arbitration-provided contextual metadata. Defaults to
	// an empty map, never nil, so canonical serialization is stable.
	Context map[string]any `json:"context"`
	// InternalPriority is an internal ordering hint, distinct from Priority.
	// It is carried through untouched; the bus never reads it. No consumer
	// for it exists in this core.
	InternalPriority any    `json:"internal_priority"`
	EventOrigin      string `json:"event_origin"`

	SourcePeer string `json:"source_peer"`
	Signature  string `json:"signature"`
}

// Clone returns a deep copy of the event, used whenever the bus hands a copy
// to a subscriber or stores one in the queue.
func (e Event) Clone() Event {
	clone := e
	if e.Focus != nil {
		f := *e.Focus
		clone.Focus = &f
	}
	clone.Payload = deepCopyMap(e.Payload)
	clone.Context = deepCopyMap(e.Context)
	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

// ApplyDefaults fills in the Pulse Bus 2.0 extension fields without
// overwriting any value already present. It is idempotent:
// ApplyDefaults(ApplyDefaults(e)) == ApplyDefaults(e).
func ApplyDefaults(e Event) Event {
	out := e.Clone()
	if out.Context == nil {
		out.Context = map[string]any{}
	}
	if out.InternalPriority == nil {
		out.InternalPriority = "baseline"
	}
	if out.EventOrigin == "" {
		out.EventOrigin = "local"
	}
	if out.SourcePeer == "" {
		out.SourcePeer = LocalPeer
	}
	if out.Priority == "" {
		out.Priority = PriorityInfo
	} else {
		out.Priority = Priority(lower(string(out.Priority)))
	}
	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Day returns the UTC calendar date of the event's timestamp, used to name
// the history file the event belongs to. Unparseable timestamps fall back
// to the Unix epoch so malformed data still buckets deterministically.
func (e Event) Day() string {
	return ParseTimestamp(e.Timestamp).Format("2006-01-02")
}

// ParseTimestamp parses an RFC3339 timestamp, returning the Unix epoch (UTC)
// for anything that fails to parse so that malformed data still sorts
// deterministically instead of panicking.
func ParseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Unix(0, 0).UTC()
}

// Validate checks the required fields and the extended-schema types,
// returning a SchemaViolation describing the first problem found.
func Validate(e Event) error {
	if e.SourceDaemon == "" {
		return &SchemaViolation{Field: "source_daemon", Reason: "required field is empty"}
	}
	if e.EventType == "" {
		return &SchemaViolation{Field: "event_type", Reason: "required field is empty"}
	}
	if e.Timestamp == "" {
		return &SchemaViolation{Field: "timestamp", Reason: "required field is empty"}
	}
	if e.Payload == nil {
		return &SchemaViolation{Field: "payload", Reason: "must be a map"}
	}
	if !validPriority(e.Priority) {
		return &SchemaViolation{Field: "priority", Reason: fmt.Sprintf("must be one of info, warning, critical; got %q", e.Priority)}
	}
	return nil
}
