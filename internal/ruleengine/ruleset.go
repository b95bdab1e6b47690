package ruleengine

import (
	"fmt"
	"strings"

	"github.com/r3e-network/drone-analyzer/internal/domain"
)

// RuleAction names what a firing rule asks the build processor to do next.
// This vocabulary is this project's own redesign of the original's
// NEXT_STEP/NEXT_STAGE/SKIP_BUILD/REQUEST_CANCELATION set.
type RuleAction string

const (
	// NextRule continues evaluating the remaining rules in the set.
	NextRule RuleAction = "next_rule"
	// OmitFailed leaves the fired rule out of the result, so it is neither
	// notified nor stored among the matches; evaluation continues with the
	// next rule.
	OmitFailed RuleAction = "omit_failed"
	// SkipAnalysis stops evaluating the rest of the set for this build.
	SkipAnalysis RuleAction = "skip_analysis"
	// RequestCancelation stops the set and sets CancelationRequested on the
	// result; the build processor logs the request and makes no Drone API
	// call.
	RequestCancelation RuleAction = "request_cancelation"
	// AbruptInterruption stops the entire RuleSet immediately and clears the
	// result's Notify sink list; the fired rule stays in Fired (used for
	// rules whose match indicates the build's failure is uninteresting
	// noise, e.g. an upstream outage).
	AbruptInterruption RuleAction = "abrupt_interruption"
)

// ConditionSetResult is the outcome of evaluating a ConditionSet: the
// matches that fired, and any conditions that could not be evaluated.
type ConditionSetResult struct {
	Matched []*MatchedCondition
	Invalid []error
}

// ConditionSet is an ordered group of conditions evaluated together.
type ConditionSet struct {
	Name       string
	Conditions []*Condition
}

// Validate checks every condition in the set.
func (cs *ConditionSet) Validate() error {
	for _, c := range cs.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition set %q: %w", cs.Name, err)
		}
	}
	return nil
}

// Apply evaluates every condition in the set against ctx. Conditions that
// fail to evaluate are collected into Invalid rather than aborting the set,
// mirroring the original's continue-on-InvalidCondition behavior. A single
// condition can contribute more than one MatchedCondition.
func (cs *ConditionSet) Apply(ctx *domain.AnalysisContext) *ConditionSetResult {
	result := &ConditionSetResult{}
	for _, c := range cs.Conditions {
		matched, err := c.Apply(ctx)
		if err != nil {
			result.Invalid = append(result.Invalid, err)
			continue
		}
		result.Matched = append(result.Matched, matched...)
	}
	return result
}

// Rule couples a condition set with the action to take when it is satisfied.
type Rule struct {
	Name          string
	Preconditions []*Condition // required conditions spliced in ahead of Conditions
	ConditionSet  *ConditionSet
	Action        RuleAction
	Notify        []string // notifier sink names, e.g. "slack"
}

// RuleResult is the outcome of applying a single rule.
type RuleResult struct {
	Rule    *Rule
	Matched []*MatchedCondition
	Invalid []error
	Fired   bool
}

// Apply evaluates the rule's preconditions and condition set against ctx. If
// any precondition fails to match, the rule does not fire: it returns a
// result with Fired=false and no matches, mirroring the original's "required
// condition failed -> ([], [])" short-circuit. Preconditions that do match
// contribute their MatchedConditions to the result alongside the rule's own.
func (r *Rule) Apply(ctx *domain.AnalysisContext) *RuleResult {
	var preMatched []*MatchedCondition
	for _, pre := range r.Preconditions {
		matched, err := pre.Apply(ctx)
		if err != nil {
			return &RuleResult{Rule: r, Fired: false}
		}
		preMatched = append(preMatched, matched...)
	}

	setResult := r.ConditionSet.Apply(ctx)
	// A rule fires when at least one of its own conditions matched and every
	// *required* condition in the set matched (non-required invalid
	// conditions are tolerated and reported, not fatal).
	fired := len(setResult.Matched) > 0
	for _, c := range r.ConditionSet.Conditions {
		if c.Required {
			found := false
			for _, m := range setResult.Matched {
				if m.Condition == c {
					found = true
					break
				}
			}
			if !found {
				fired = false
				break
			}
		}
	}

	return &RuleResult{
		Rule:    r,
		Matched: append(preMatched, setResult.Matched...),
		Invalid: setResult.Invalid,
		Fired:   fired,
	}
}

// RuleSet is an ordered collection of rules evaluated against a single
// AnalysisContext. RequiredConditions gate the whole set (see Apply) and are
// also spliced into every rule's preconditions alongside DefaultConditions,
// which are preconditions only — not an independent gate.
type RuleSet struct {
	Name               string
	Rules              []*Rule
	RequiredConditions []*Condition
	DefaultConditions  []*Condition
	DefaultAction      RuleAction
	DefaultNotify      []string
}

// Prepare splices the set's required and default conditions into every
// rule's preconditions, ahead of any the rule already specifies, and fills in
// the rule's action/notify from the set's defaults where unset. Call once
// after construction, before Apply.
func (rs *RuleSet) Prepare() {
	combined := append(append([]*Condition{}, rs.RequiredConditions...), rs.DefaultConditions...)
	for _, r := range rs.Rules {
		if len(r.Preconditions) == 0 {
			r.Preconditions = combined
		} else {
			r.Preconditions = append(append([]*Condition{}, combined...), r.Preconditions...)
		}
		if r.Action == "" {
			r.Action = rs.DefaultAction
		}
		if len(r.Notify) == 0 {
			r.Notify = rs.DefaultNotify
		}
	}
}

// RuleSetResult is the final outcome of evaluating a RuleSet.
type RuleSetResult struct {
	Fired                []*RuleResult
	Action               RuleAction
	CancelationRequested bool
	Notify               []string
}

// Describe renders the rule result as a short human-readable line, used by
// the notifier and by the persistence layer's matches_json projection.
func (r *RuleResult) Describe() string {
	if len(r.Matched) == 0 {
		return fmt.Sprintf("%s: matched (action=%s)", r.Rule.Name, r.Rule.Action)
	}
	m := r.Matched[0]
	return fmt.Sprintf("%s: %s matched %s=%v (action=%s)",
		r.Rule.Name, m.MatchType, strings.Join(m.Condition.path(), "."), m.Value, r.Rule.Action)
}

// Apply first evaluates RequiredConditions once, as a gate ahead of the rule
// loop. If the set has required conditions and every one of them fails to
// match, evaluation branches on DefaultAction instead of looping the rules:
// SkipAnalysis returns an empty result, and AbruptInterruption or
// RequestCancelation return exactly one synthetic RuleResult describing the
// gate failure. Any other action (NextRule, OmitFailed, or unset) falls
// through to the normal per-rule loop below, which re-checks the same
// required conditions — spliced in by Prepare — on every individual rule.
//
// The loop itself: NextRule continues to the next rule. An OmitFailed rule
// that fires is left out of the result and the loop continues.
// AbruptInterruption stops the set and clears the result's Notify list;
// RequestCancelation stops the set and flags cancelation; SkipAnalysis stops
// the set but preserves whatever fired so far for notification.
func (rs *RuleSet) Apply(ctx *domain.AnalysisContext) *RuleSetResult {
	if len(rs.RequiredConditions) > 0 {
		allInvalid := true
		for _, c := range rs.RequiredConditions {
			if _, err := c.Apply(ctx); err == nil {
				allInvalid = false
				break
			}
		}
		if allInvalid {
			switch rs.DefaultAction {
			case SkipAnalysis:
				return &RuleSetResult{Action: SkipAnalysis}
			case AbruptInterruption, RequestCancelation:
				synthetic := &RuleResult{
					Rule:  &Rule{Name: rs.Name + "-required-conditions-failed", Action: rs.DefaultAction},
					Fired: true,
				}
				out := &RuleSetResult{Fired: []*RuleResult{synthetic}, Action: rs.DefaultAction}
				if rs.DefaultAction == RequestCancelation {
					out.CancelationRequested = true
				}
				return out
			}
		}
	}

	result := &RuleSetResult{Action: NextRule}

	for _, r := range rs.Rules {
		res := r.Apply(ctx)
		if !res.Fired || r.Action == OmitFailed {
			continue
		}
		result.Fired = append(result.Fired, res)
		result.Notify = append(result.Notify, r.Notify...)
		result.Action = r.Action

		switch r.Action {
		case NextRule:
			continue
		case AbruptInterruption:
			result.Notify = nil
			return result
		case RequestCancelation:
			result.CancelationRequested = true
			return result
		case SkipAnalysis:
			return result
		default:
			return result
		}
	}

	return result
}

// Descriptions renders every fired rule in the result via RuleResult.Describe,
// in firing order.
func (r *RuleSetResult) Descriptions() []string {
	out := make([]string, 0, len(r.Fired))
	for _, fired := range r.Fired {
		out = append(out, fired.Describe())
	}
	return out
}
