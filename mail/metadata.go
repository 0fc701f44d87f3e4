package mail

import (
	"fmt"
	"time"
)

// SchemaVersion is written into every queue record's metadata and
// checked on decode. Bump it when the metadata contract changes
// incompatibly.
const SchemaVersion = 1

// Canonical metadata keys. Metadata is the only place processing state
// about a message may be recorded.
const (
	KeyVersion    = "version"
	KeyList       = "list"
	KeyReceived   = "received_time"
	KeySender     = "original_sender"
	KeyRecipients = "recipients"

	KeyRetries   = "retries"
	KeyNotBefore = "not_before"

	KeyRulesHit    = "rules_hit"
	KeyRulesMiss   = "rules_miss"
	KeyBypassRules = "bypass_rules"
	KeyHoldReason  = "hold_reason"
	KeyHoldRule    = "hold_rule"
	KeyApproved    = "moderator_approved"

	KeyHandlersDone = "handlers_done"
	KeyDecisions    = "decisions"

	KeyShuntReason = "shunt_reason"
)

// Metadata is the sidecar process-state record of a queue entry. Values
// must survive a JSON round trip; accessors tolerate the widened types
// JSON decoding produces (float64 numbers, []any slices).
type Metadata map[string]any

// NewMetadata seeds metadata for a freshly ingested message.
func NewMetadata(list, sender string) Metadata {
	return Metadata{
		KeyVersion:  SchemaVersion,
		KeyList:     list,
		KeySender:   sender,
		KeyReceived: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (m Metadata) GetBool(key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func (m Metadata) GetInt(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (m Metadata) GetTime(key string) time.Time {
	s := m.GetString(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (m Metadata) SetTime(key string, t time.Time) {
	m[key] = t.UTC().Format(time.RFC3339Nano)
}

func (m Metadata) GetStrings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// AppendString appends value to the string slice at key, skipping
// duplicates so redelivered entries do not accumulate repeats.
func (m Metadata) AppendString(key, value string) {
	existing := m.GetStrings(key)
	for _, e := range existing {
		if e == value {
			return
		}
	}
	m[key] = append(existing, value)
}

// ContainsString reports whether the string slice at key holds value.
func (m Metadata) ContainsString(key, value string) bool {
	for _, e := range m.GetStrings(key) {
		if e == value {
			return true
		}
	}
	return false
}

// Copy returns a shallow copy with string slices duplicated, enough for
// the fan-out handlers that enqueue independent copies of an entry.
func (m Metadata) Copy() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if s, ok := v.([]string); ok {
			out[k] = append([]string(nil), s...)
			continue
		}
		if s, ok := v.([]any); ok {
			out[k] = append([]any(nil), s...)
			continue
		}
		out[k] = v
	}
	return out
}

// List returns the target list name.
func (m Metadata) List() string {
	return m.GetString(KeyList)
}

// Retries returns the transient-failure retry count.
func (m Metadata) Retries() int {
	return m.GetInt(KeyRetries)
}

// IncrementRetries bumps the retry count and returns the new value.
func (m Metadata) IncrementRetries() int {
	n := m.Retries() + 1
	m[KeyRetries] = n
	return n
}

// NotBefore returns the earliest time the entry may be claimed again.
func (m Metadata) NotBefore() time.Time {
	return m.GetTime(KeyNotBefore)
}

// MarkHandlerDone records a per-handler completion marker. Idempotent
// handlers check HandlerDone before acting on redelivery.
func (m Metadata) MarkHandlerDone(name string) {
	m.AppendString(KeyHandlersDone, name)
}

func (m Metadata) HandlerDone(name string) bool {
	return m.ContainsString(KeyHandlersDone, name)
}

// RecordRuleHit notes that a rule matched. Additive and idempotent, safe
// under chain re-evaluation after redelivery.
func (m Metadata) RecordRuleHit(rule string) {
	m.AppendString(KeyRulesHit, rule)
}

func (m Metadata) RecordRuleMiss(rule string) {
	m.AppendString(KeyRulesMiss, rule)
}

// AddBypassRule exempts a rule from future chain evaluations of this
// entry; written when a moderator approves a held message.
func (m Metadata) AddBypassRule(rule string) {
	m.AppendString(KeyBypassRules, rule)
}

func (m Metadata) IsBypassed(rule string) bool {
	return m.ContainsString(KeyBypassRules, rule)
}

// LogDecision appends a timestamped line to the entry's audit trail.
func (m Metadata) LogDecision(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	m[KeyDecisions] = append(m.GetStrings(KeyDecisions), line)
}
