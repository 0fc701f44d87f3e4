// Package chain implements the ordered rule chains that classify
// incoming list traffic.
//
// A chain is a sequence of (rule, action) links evaluated in declared
// order; the first matching rule's action decides the verdict, except
// for defer links, which keep evaluating so annotation-only rules can
// run. Rules are pure predicates: they may write annotations into the
// entry's metadata but never touch the message body, so re-evaluating a
// chain after redelivery is safe.
//
// Rules are registered in a static registry assembled once at startup;
// there is no runtime discovery.
package chain

import (
	"context"
	"fmt"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/pkg/metrics"
)

// Action is what a link does when its rule hits.
type Action int

const (
	// ActionDefer records the hit and keeps evaluating. Used for
	// annotation-only rules.
	ActionDefer Action = iota
	ActionHold
	ActionDiscard
	ActionReject
	// ActionAccept short-circuits the rest of the chain with Accept.
	ActionAccept
)

func (a Action) String() string {
	switch a {
	case ActionDefer:
		return "defer"
	case ActionHold:
		return "hold"
	case ActionDiscard:
		return "discard"
	case ActionReject:
		return "reject"
	case ActionAccept:
		return "accept"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps a configuration string to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "defer", "":
		return ActionDefer, nil
	case "hold":
		return ActionHold, nil
	case "discard":
		return ActionDiscard, nil
	case "reject":
		return ActionReject, nil
	case "accept":
		return ActionAccept, nil
	}
	return 0, fmt.Errorf("unknown chain action %q", s)
}

// Rule is a named, stateless predicate over (message, metadata, list).
// Implementations must be safe for concurrent use and must not mutate
// the message; annotations go into metadata only.
type Rule interface {
	Name() string
	Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error)
}

// Link pairs a rule with its on-hit action.
type Link struct {
	Rule   Rule
	Action Action
}

// Chain is an ordered sequence of links. Order is a total order fixed
// by list configuration.
type Chain []Link

// Registry maps rule names to implementations.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry builds a registry from the given rules. Duplicate names
// are a programming error.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		if _, dup := r.rules[rule.Name()]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", rule.Name())
		}
		r.rules[rule.Name()] = rule
	}
	return r, nil
}

// Get returns a registered rule by name.
func (r *Registry) Get(name string) (Rule, error) {
	if rule, ok := r.rules[name]; ok {
		return rule, nil
	}
	return nil, fmt.Errorf("%w: %s", consts.ErrRuleUnknown, name)
}

// Compile turns a list's link specs into an executable chain. An
// unknown rule or action is a configuration error for that list.
func (r *Registry) Compile(specs []lists.LinkSpec) (Chain, error) {
	c := make(Chain, 0, len(specs))
	for _, spec := range specs {
		rule, err := r.Get(spec.Rule)
		if err != nil {
			return nil, err
		}
		action, err := ParseAction(spec.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", spec.Rule, err)
		}
		c = append(c, Link{Rule: rule, Action: action})
	}
	return c, nil
}

// DefaultChain is the built-in chain applied to lists that do not
// declare their own.
func (r *Registry) DefaultChain() (Chain, error) {
	return r.Compile([]lists.LinkSpec{
		{Rule: RuleLoop, Action: "discard"},
		{Rule: RuleEmergency, Action: "hold"},
		{Rule: RuleBannedAddress, Action: "reject"},
		{Rule: RuleMaxSize, Action: "hold"},
		{Rule: RuleSuspicious, Action: "hold"},
		{Rule: RuleSieveGate, Action: "discard"},
		{Rule: RuleNoSubject, Action: "defer"},
	})
}

// VerdictKind is the outcome class of a chain evaluation.
type VerdictKind int

const (
	VerdictAccept VerdictKind = iota
	VerdictHold
	VerdictDiscard
	VerdictReject
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccept:
		return "accept"
	case VerdictHold:
		return "hold"
	case VerdictDiscard:
		return "discard"
	case VerdictReject:
		return "reject"
	}
	return fmt.Sprintf("verdict(%d)", int(k))
}

// Verdict is the classification of one message.
type Verdict struct {
	Kind   VerdictKind
	Rule   string // rule that decided, empty for Accept
	Reason string
}

// InternalErrorReason marks verdicts produced because a rule itself
// failed; the message is held for a human instead of being guessed at.
const InternalErrorReason = "internal error"

// Evaluate runs the chain in declared order and returns the verdict.
// Rules in the metadata bypass set (written on moderator approval) are
// skipped. A rule evaluation error fails safe as Hold. For a fixed
// chain and fixed (message, metadata, list), the verdict is
// deterministic.
func Evaluate(ctx context.Context, c Chain, msg *mail.Message, meta mail.Metadata, list *lists.List) Verdict {
	for _, link := range c {
		name := link.Rule.Name()
		if meta.IsBypassed(name) {
			meta.LogDecision("rule %s bypassed", name)
			continue
		}

		hit, err := link.Rule.Check(ctx, msg, meta, list)
		if err != nil {
			logger.Error("chain: rule evaluation failed, holding message",
				"list", list.Name, "rule", name, "error", err)
			meta.LogDecision("rule %s failed: %v; holding", name, err)
			v := Verdict{Kind: VerdictHold, Rule: name, Reason: InternalErrorReason}
			countVerdict(list.Name, v)
			return v
		}
		if !hit {
			meta.RecordRuleMiss(name)
			continue
		}

		meta.RecordRuleHit(name)
		metrics.RuleHits.WithLabelValues(name).Inc()

		switch link.Action {
		case ActionDefer:
			meta.LogDecision("rule %s hit (defer)", name)
			continue
		case ActionHold:
			reason := meta.GetString(mail.KeyHoldReason)
			if reason == "" {
				reason = fmt.Sprintf("held by rule %s", name)
			}
			meta.LogDecision("rule %s hit: hold (%s)", name, reason)
			v := Verdict{Kind: VerdictHold, Rule: name, Reason: reason}
			countVerdict(list.Name, v)
			return v
		case ActionDiscard:
			meta.LogDecision("rule %s hit: discard", name)
			v := Verdict{Kind: VerdictDiscard, Rule: name}
			countVerdict(list.Name, v)
			return v
		case ActionReject:
			meta.LogDecision("rule %s hit: reject", name)
			v := Verdict{Kind: VerdictReject, Rule: name, Reason: fmt.Sprintf("rejected by rule %s", name)}
			countVerdict(list.Name, v)
			return v
		case ActionAccept:
			meta.LogDecision("rule %s hit: accept", name)
			v := Verdict{Kind: VerdictAccept, Rule: name}
			countVerdict(list.Name, v)
			return v
		}
	}

	v := Verdict{Kind: VerdictAccept}
	countVerdict(list.Name, v)
	return v
}

func countVerdict(list string, v Verdict) {
	metrics.ChainVerdicts.WithLabelValues(list, v.Kind.String()).Inc()
}
