// Package policy evaluates a fixed, ordered rule set against a request
// payload before the guarded action executes. Rules are immutable process
// configuration; evaluation is pure.
package policy

import (
	"fmt"
	"strings"
)

type MatchKind string

const (
	MatchEquals   MatchKind = "equals"
	MatchContains MatchKind = "contains"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Matcher is a tagged variant so an unknown kind is a construction-time
// error rather than a silent non-match.
type Matcher struct {
	Kind  MatchKind
	Value string
}

type Rule struct {
	ID     string
	Field  string
	Match  Matcher
	Effect Effect
	Reason string
}

type RuleMatch struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type Result struct {
	Allowed bool        `json:"allowed"`
	Matched []RuleMatch `json:"matched"`
}

type Evaluator struct {
	rules []Rule
}

// NewEvaluator validates the rule set once; malformed rules are fatal
// configuration faults, never skipped.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	for i, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if strings.TrimSpace(r.Field) == "" {
			return nil, fmt.Errorf("rule %q: missing field", r.ID)
		}
		switch r.Match.Kind {
		case MatchEquals, MatchContains:
		default:
			return nil, fmt.Errorf("rule %q: unknown matcher kind %q", r.ID, r.Match.Kind)
		}
		if r.Match.Value == "" {
			return nil, fmt.Errorf("rule %q: empty matcher value", r.ID)
		}
		switch r.Effect {
		case EffectAllow, EffectDeny:
		default:
			return nil, fmt.Errorf("rule %q: unknown effect %q", r.ID, r.Effect)
		}
	}
	return &Evaluator{rules: append([]Rule(nil), rules...)}, nil
}

// Evaluate collects every matching rule in rule-set order. Deny rules
// dominate: if any matched rule denies, the result is a denial listing only
// the denying rules; otherwise every match is reported for audit. A payload
// with no matching rule is allowed with an empty match list.
func (e *Evaluator) Evaluate(payload map[string]any) Result {
	var matched, denied []RuleMatch
	for _, r := range e.rules {
		if !r.matches(payload) {
			continue
		}
		m := RuleMatch{ID: r.ID, Reason: r.Reason}
		matched = append(matched, m)
		if r.Effect == EffectDeny {
			denied = append(denied, m)
		}
	}
	if len(denied) > 0 {
		return Result{Allowed: false, Matched: denied}
	}
	return Result{Allowed: true, Matched: matched}
}

// Rules returns a copy of the configured rule set.
func (e *Evaluator) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

func (r Rule) matches(payload map[string]any) bool {
	v, ok := payload[r.Field]
	if !ok {
		// absent fields never match
		return false
	}
	switch r.Match.Kind {
	case MatchEquals:
		return fieldText(v) == r.Match.Value
	case MatchContains:
		s, ok := v.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, r.Match.Value)
	default:
		return false
	}
}

func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
