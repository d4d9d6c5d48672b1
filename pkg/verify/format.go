package verify

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/reinholt/loom/internal/observability"
	"github.com/reinholt/loom/pkg/contextmgr"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RuleKind selects how a format rule is evaluated.
type RuleKind string

const (
	// RuleRegex requires the candidate to match Pattern.
	RuleRegex RuleKind = "regex"
	// RuleSections requires every listed section header to appear.
	RuleSections RuleKind = "sections"
	// RuleMaxLength bounds the candidate's length in bytes.
	RuleMaxLength RuleKind = "max-length"
)

// Rule is one ordered format check. The first failing rule short-circuits
// with its own message.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     RuleKind `yaml:"kind" json:"kind"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Sections []string `yaml:"sections,omitempty" json:"sections,omitempty"`
	Max      int      `yaml:"max,omitempty" json:"max,omitempty"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// FormatVerifier is a synchronous, rule-based verifier. Its rule set can
// be swapped at runtime (see Watcher).
type FormatVerifier struct {
	mu     sync.RWMutex
	rules  []compiledRule
	logger zerolog.Logger
}

// NewFormatVerifier compiles the given rules.
func NewFormatVerifier(rules []Rule, logger zerolog.Logger) (*FormatVerifier, error) {
	v := &FormatVerifier{logger: logger}
	if err := v.SetRules(rules); err != nil {
		return nil, err
	}
	return v, nil
}

// Name implements Verifier.
func (v *FormatVerifier) Name() string { return "format" }

// SetRules atomically replaces the rule set.
func (v *FormatVerifier) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		cr := compiledRule{Rule: r}
		switch r.Kind {
		case RuleRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("rule %s: invalid pattern: %w", r.Name, err)
			}
			cr.re = re
		case RuleSections:
			if len(r.Sections) == 0 {
				return fmt.Errorf("rule %s: sections rule needs at least one section", r.Name)
			}
		case RuleMaxLength:
			if r.Max <= 0 {
				return fmt.Errorf("rule %s: max-length rule needs a positive max", r.Name)
			}
		default:
			return fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind)
		}
		compiled = append(compiled, cr)
	}

	v.mu.Lock()
	v.rules = compiled
	v.mu.Unlock()
	return nil
}

// Verify runs the rules in order; the first failure wins.
func (v *FormatVerifier) Verify(_ context.Context, candidate string, _ contextmgr.Window) (Result, error) {
	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	for _, r := range rules {
		if reason, ok := r.check(candidate); !ok {
			observability.RecordVerification(v.Name(), false)
			return Result{Passed: false, Reason: reason}, nil
		}
	}
	observability.RecordVerification(v.Name(), true)
	return Result{Passed: true}, nil
}

func (r compiledRule) check(candidate string) (string, bool) {
	fail := func(def string) (string, bool) {
		if r.Message != "" {
			return r.Message, false
		}
		return def, false
	}

	switch r.Kind {
	case RuleRegex:
		if !r.re.MatchString(candidate) {
			return fail(fmt.Sprintf("output does not match pattern %q (rule %s)", r.Pattern, r.Name))
		}
	case RuleSections:
		for _, section := range r.Sections {
			if !strings.Contains(candidate, section) {
				return fail(fmt.Sprintf("output is missing required section %q (rule %s)", section, r.Name))
			}
		}
	case RuleMaxLength:
		if len(candidate) > r.Max {
			return fail(fmt.Sprintf("output exceeds %d bytes (rule %s)", r.Max, r.Name))
		}
	}
	return "", true
}

// ruleFile is the on-disk YAML shape for format rules.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads format rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rf.Rules, nil
}
