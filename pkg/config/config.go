// Package config holds the process-wide governance configuration: the policy
// rule set, quality thresholds and banned phrases, admission budgets per
// operation class and memoization TTLs. It is loaded once at startup and
// immutable afterwards; malformed configuration is a fatal fault.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/pkg/admission"
	"warden/pkg/policy"
	"warden/pkg/quality"
)

type Config struct {
	Rules     []RuleConfig    `json:"rules"`
	Quality   QualityConfig   `json:"quality"`
	Admission AdmissionConfig `json:"admission"`
	Memo      MemoConfig      `json:"memo"`
}

type RuleConfig struct {
	ID     string `json:"id"`
	Field  string `json:"field"`
	Match  string `json:"match"`
	Value  string `json:"value"`
	Effect string `json:"effect"`
	Reason string `json:"reason"`
}

type QualityConfig struct {
	MinLength     int      `json:"min_length"`
	MaxLength     int      `json:"max_length"`
	BannedPhrases []string `json:"banned_phrases"`
}

type ClassBudget struct {
	Limit     int `json:"limit"`
	WindowSec int `json:"window_sec"`
}

type AdmissionConfig struct {
	BlockMultiplier  int                    `json:"block_multiplier"`
	BlockCooldownSec int                    `json:"block_cooldown_sec"`
	MaxIdentities    int                    `json:"max_identities"`
	Classes          map[string]ClassBudget `json:"classes"`
}

type MemoConfig struct {
	DefaultTTLSec int            `json:"default_ttl_sec"`
	TTLSec        map[string]int `json:"ttl_sec"`
}

// Default returns a working configuration for hosts that ship no file.
func Default() *Config {
	return &Config{
		Quality: QualityConfig{
			MinLength:     quality.DefaultMinLength,
			MaxLength:     quality.DefaultMaxLength,
			BannedPhrases: append([]string(nil), quality.DefaultBannedPhrases...),
		},
		Admission: AdmissionConfig{
			BlockMultiplier:  admission.DefaultBlockMultiplier,
			BlockCooldownSec: int(admission.DefaultBlockCooldown / time.Second),
			Classes: map[string]ClassBudget{
				"api": {Limit: 60, WindowSec: 60},
			},
		},
		Memo: MemoConfig{DefaultTTLSec: 300},
	}
}

// Load reads a JSON configuration document and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.PolicyRules(); err != nil {
		return err
	}
	if _, err := c.QualityGate(); err != nil {
		return err
	}
	if c.Admission.BlockMultiplier < 0 {
		return fmt.Errorf("config: negative block multiplier")
	}
	if c.Admission.BlockCooldownSec < 0 {
		return fmt.Errorf("config: negative block cooldown")
	}
	for class, budget := range c.Admission.Classes {
		if strings.TrimSpace(class) == "" {
			return fmt.Errorf("config: empty admission class name")
		}
		if budget.Limit <= 0 {
			return fmt.Errorf("config: class %q: limit must be positive", class)
		}
		if budget.WindowSec <= 0 {
			return fmt.Errorf("config: class %q: window must be positive", class)
		}
	}
	if c.Memo.DefaultTTLSec <= 0 {
		return fmt.Errorf("config: memo default ttl must be positive")
	}
	for op, ttl := range c.Memo.TTLSec {
		if ttl <= 0 {
			return fmt.Errorf("config: memo ttl for %q must be positive", op)
		}
	}
	return nil
}

// PolicyRules converts the rule section into the evaluator's tagged form.
func (c *Config) PolicyRules() ([]policy.Rule, error) {
	rules := make([]policy.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		rules = append(rules, policy.Rule{
			ID:     rc.ID,
			Field:  rc.Field,
			Match:  policy.Matcher{Kind: policy.MatchKind(rc.Match), Value: rc.Value},
			Effect: policy.Effect(rc.Effect),
			Reason: rc.Reason,
		})
	}
	if _, err := policy.NewEvaluator(rules); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return rules, nil
}

func (c *Config) QualityGate() (*quality.Gate, error) {
	gate, err := quality.NewGate(c.Quality.MinLength, c.Quality.MaxLength, c.Quality.BannedPhrases)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return gate, nil
}

// ClassBudget resolves the admission budget for an operation class, falling
// back to the "api" class when the class is unknown.
func (c *Config) ClassBudget(class string) (int, time.Duration) {
	if budget, ok := c.Admission.Classes[class]; ok {
		return budget.Limit, time.Duration(budget.WindowSec) * time.Second
	}
	if budget, ok := c.Admission.Classes["api"]; ok {
		return budget.Limit, time.Duration(budget.WindowSec) * time.Second
	}
	return 60, time.Minute
}

// MemoTTL resolves the TTL for a memoized operation.
func (c *Config) MemoTTL(op string) time.Duration {
	if ttl, ok := c.Memo.TTLSec[op]; ok {
		return time.Duration(ttl) * time.Second
	}
	return time.Duration(c.Memo.DefaultTTLSec) * time.Second
}

// AdmissionOptions maps the escalation section onto controller options.
func (c *Config) AdmissionOptions() []admission.Option {
	var opts []admission.Option
	if c.Admission.BlockMultiplier > 0 || c.Admission.BlockCooldownSec > 0 {
		opts = append(opts, admission.WithBlockPolicy(
			c.Admission.BlockMultiplier,
			time.Duration(c.Admission.BlockCooldownSec)*time.Second,
		))
	}
	if c.Admission.MaxIdentities > 0 {
		opts = append(opts, admission.WithMaxIdentities(c.Admission.MaxIdentities))
	}
	return opts
}
