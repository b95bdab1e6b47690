// Package ruleengine evaluates configured conditions against a build's
// analysis context to decide what, if anything, to do about a failure.
//
// The shape (Condition/ConditionSet/Rule/RuleSet, match types, actions) is
// grounded on drone-ci-butler's rule_engine/models.py, with three deliberate
// departures: match results and failures are explicit return values (no
// exceptions), attribute traversal dispatches per context-element type
// (domain.AnalysisContext.Lookup) instead of reflective getattr chasing, and
// RuleAction uses this project's own five-value vocabulary.
package ruleengine

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/r3e-network/drone-analyzer/internal/domain"
)

// MatchType identifies how a condition's operand is compared against the
// resolved attribute value.
type MatchType string

const (
	ContainsString MatchType = "contains_string"
	MatchesRegex   MatchType = "matches_regex"
	MatchesValue   MatchType = "matches_value"
	IsNot          MatchType = "is_not"
	ValueExact     MatchType = "value_exact"
)

// regexFlags mirrors the original's DEFAULT_REGEX_OPTIONS: case-insensitive,
// multiline, dot-matches-newline. Go's regexp uses inline flags for this.
const regexFlags = "(?ims)"

// Condition evaluates a single attribute against one or more match types.
type Condition struct {
	Name            string
	ContextElement  string   // "build", "stage", or "step"
	TargetAttribute string   // dot path appended to ContextElement, e.g. "output.message"
	Required        bool

	ContainsString string
	MatchesRegex   string
	MatchesValue   string
	IsNot          string
	ValueExact     string
}

// path returns the full attribute path (context element + target attribute)
// used for domain.AnalysisContext.Lookup.
func (c *Condition) path() []string {
	full := append([]string{c.ContextElement}, strings.Split(c.TargetAttribute, ".")...)
	return full
}

// Validate checks that the condition is well-formed: it must name a context
// element, and its attribute path must resolve against the fixed attribute
// tables. Prepare and Apply do not call it; at Apply time an unknown path
// makes the condition fail to evaluate instead.
func (c *Condition) Validate() error {
	if strings.TrimSpace(c.ContextElement) == "" {
		return fmt.Errorf("condition %q: context_element is required", c.Name)
	}
	if !domain.ValidatePath(c.path()) {
		return fmt.Errorf("condition %q: unknown attribute path %q", c.Name, strings.Join(c.path(), "."))
	}
	return nil
}

// MatchedCondition records a condition that fired, along with which match
// type fired and the resolved value it fired against.
type MatchedCondition struct {
	Condition *Condition
	MatchType MatchType
	Value     any
}

// Apply evaluates the condition against ctx. It returns one MatchedCondition
// per configured match type that fires — a condition with both
// ContainsString and MatchesValue set yields two MatchedConditions, not one —
// or an error describing why evaluation failed (attribute missing,
// required-but-unmatched, invalid regex).
//
// Every matcher is checked, in a fixed order: ContainsString, MatchesRegex,
// MatchesValue, IsNot, ValueExact. None of them short-circuits the others.
func (c *Condition) Apply(ctx *domain.AnalysisContext) ([]*MatchedCondition, error) {
	raw, ok := ctx.Lookup(c.path())
	if !ok {
		return nil, fmt.Errorf("condition %q: attribute %q not present on context", c.Name, strings.Join(c.path(), "."))
	}
	value := fmt.Sprintf("%v", raw)

	var matched []*MatchedCondition

	if c.ContainsString != "" && valueListContains(c.ContainsString, value) {
		matched = append(matched, &MatchedCondition{Condition: c, MatchType: ContainsString, Value: raw})
	}
	if c.MatchesRegex != "" {
		re, err := regexp.Compile(regexFlags + c.MatchesRegex)
		if err != nil {
			return nil, fmt.Errorf("condition %q: invalid regex %q: %w", c.Name, c.MatchesRegex, err)
		}
		if re.MatchString(value) {
			matched = append(matched, &MatchedCondition{Condition: c, MatchType: MatchesRegex, Value: raw})
		}
	}
	if c.MatchesValue != "" && valueListContains(c.MatchesValue, value) {
		matched = append(matched, &MatchedCondition{Condition: c, MatchType: MatchesValue, Value: raw})
	}
	if c.IsNot != "" && value != c.IsNot {
		matched = append(matched, &MatchedCondition{Condition: c, MatchType: IsNot, Value: raw})
	}
	if c.ValueExact != "" && value == c.ValueExact {
		matched = append(matched, &MatchedCondition{Condition: c, MatchType: ValueExact, Value: raw})
	}

	if len(matched) == 0 && c.Required {
		return nil, fmt.Errorf("condition %q: required condition did not match value %q", c.Name, value)
	}
	return matched, nil
}

// valueListContains mirrors ValueList.contains from the original: operand may
// be a single pattern or a comma-separated list of patterns, and a match is
// either a plain substring match (either direction) or a shell-glob match.
func valueListContains(operand, value string) bool {
	for _, candidate := range strings.Split(operand, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if strings.Contains(value, candidate) || strings.Contains(candidate, value) {
			return true
		}
		if ok, _ := path.Match(candidate, value); ok {
			return true
		}
	}
	return false
}
