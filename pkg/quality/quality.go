// Package quality lints and scores text bound for a human-facing channel
// before it is surfaced. Both entry points are pure; Score is defined in
// terms of Lint so the two can never disagree.
package quality

import (
	"fmt"
	"strings"
)

type Issue string

const (
	IssueEmpty    Issue = "empty"
	IssueTooShort Issue = "too_short"
	IssueTooLong  Issue = "too_long"
)

// BannedPhrase tags an occurrence of a configured banned phrase.
func BannedPhrase(phrase string) Issue {
	return Issue("banned_phrase:" + phrase)
}

type Score struct {
	Value  float64 `json:"score"`
	Issues []Issue `json:"issues"`
}

const (
	DefaultMinLength = 20
	DefaultMaxLength = 12000

	bannedPenalty     = 0.25
	structuralPenalty = 0.10
)

// DefaultBannedPhrases flag canned refusals and meta prose that should never
// reach an end user.
var DefaultBannedPhrases = []string{
	"I cannot",
	"I can't",
	"I'm sorry",
	"as an AI",
	"I am unable",
}

type Gate struct {
	minLength int
	maxLength int
	phrases   []string
	lowered   []string
}

// NewGate validates thresholds and the phrase list once at startup.
func NewGate(minLength, maxLength int, phrases []string) (*Gate, error) {
	if minLength < 0 {
		return nil, fmt.Errorf("quality: negative min length %d", minLength)
	}
	if maxLength <= minLength {
		return nil, fmt.Errorf("quality: max length %d must exceed min length %d", maxLength, minLength)
	}
	g := &Gate{minLength: minLength, maxLength: maxLength}
	for _, p := range phrases {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("quality: empty banned phrase")
		}
		g.phrases = append(g.phrases, p)
		g.lowered = append(g.lowered, strings.ToLower(p))
	}
	return g, nil
}

func Default() *Gate {
	g, err := NewGate(DefaultMinLength, DefaultMaxLength, DefaultBannedPhrases)
	if err != nil {
		panic(err)
	}
	return g
}

// Lint trims the text and reports its issues. Empty input yields exactly
// [empty] and suppresses every other check; the remaining checks are
// independent and cumulative.
func (g *Gate) Lint(text string) []Issue {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []Issue{IssueEmpty}
	}
	var issues []Issue
	if len(trimmed) < g.minLength {
		issues = append(issues, IssueTooShort)
	}
	if len(trimmed) > g.maxLength {
		issues = append(issues, IssueTooLong)
	}
	loweredText := strings.ToLower(trimmed)
	for i, p := range g.lowered {
		if strings.Contains(loweredText, p) {
			issues = append(issues, BannedPhrase(g.phrases[i]))
		}
	}
	return issues
}

// Score starts at 1.0, subtracts 0.25 per banned phrase and 0.10 per
// structural issue, clamped to [0, 1].
func (g *Gate) Score(text string) Score {
	issues := g.Lint(text)
	value := 1.0
	for _, issue := range issues {
		if strings.HasPrefix(string(issue), "banned_phrase:") {
			value -= bannedPenalty
		} else {
			value -= structuralPenalty
		}
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return Score{Value: value, Issues: issues}
}
