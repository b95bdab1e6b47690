package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/drone-analyzer/internal/domain"
)

func ctxWithStepOutput(stepName, status, message string) *domain.AnalysisContext {
	return &domain.AnalysisContext{
		Build: &domain.Build{Status: "failure", Ref: "refs/heads/feature/broken"},
		Stage: &domain.Stage{Name: "test"},
		Step: &domain.Step{
			Name:   stepName,
			Status: status,
			Output: &domain.Output{Message: message},
		},
	}
}

// prContext mirrors ctxWithStepOutput but also sets Build.Link to a pull
// request of acme/repo and the step's exit code, for exercising
// DefaultRuleSet's RequiredConditions/DefaultConditions gate.
func prContext(stepName, status, message string, exitCode int) *domain.AnalysisContext {
	return &domain.AnalysisContext{
		Build: &domain.Build{Status: "failure", Link: "https://drone.example.com/acme/repo/pull/138785"},
		Stage: &domain.Stage{Name: "build"},
		Step: &domain.Step{
			Name:     stepName,
			Status:   status,
			ExitCode: exitCode,
			Output:   &domain.Output{Message: message},
		},
	}
}

func TestConditionValidateRejectsUnknownAttribute(t *testing.T) {
	c := &Condition{ContextElement: "step", TargetAttribute: "bogus"}
	err := c.Validate()
	assert.Error(t, err)
}

func TestConditionValidateAcceptsKnownAttribute(t *testing.T) {
	c := &Condition{ContextElement: "step", TargetAttribute: "output.message"}
	assert.NoError(t, c.Validate())
}

func TestConditionApplyContainsString(t *testing.T) {
	c := &Condition{ContextElement: "step", TargetAttribute: "output.message", ContainsString: "ECONNREFUSED"}
	ctx := ctxWithStepOutput("deploy", "failure", "connect ECONNREFUSED 10.0.0.1:443")

	matched, err := c.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, ContainsString, matched[0].MatchType)
}

func TestConditionApplyFiresOnceForEachMatchingType(t *testing.T) {
	c := &Condition{
		ContextElement:  "step",
		TargetAttribute: "output.message",
		ContainsString:  "ECONNREFUSED",
		MatchesValue:    "connect ECONNREFUSED 10.0.0.1:443",
	}
	ctx := ctxWithStepOutput("deploy", "failure", "connect ECONNREFUSED 10.0.0.1:443")

	matched, err := c.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, ContainsString, matched[0].MatchType)
	assert.Equal(t, MatchesValue, matched[1].MatchType)
}

func TestConditionApplyRequiredMismatchReturnsError(t *testing.T) {
	c := &Condition{ContextElement: "step", TargetAttribute: "name", ValueExact: "node_modules", Required: true}
	ctx := ctxWithStepOutput("lint", "failure", "")

	_, err := c.Apply(ctx)
	assert.Error(t, err)
}

func TestConditionApplyOptionalMismatchReturnsNilNoError(t *testing.T) {
	c := &Condition{ContextElement: "step", TargetAttribute: "name", ValueExact: "node_modules"}
	ctx := ctxWithStepOutput("lint", "failure", "")

	matched, err := c.Apply(ctx)
	assert.NoError(t, err)
	assert.Nil(t, matched)
}

func TestValueListContainsGlobAndSubstring(t *testing.T) {
	assert.True(t, valueListContains("failure,running", "running"))
	assert.True(t, valueListContains("node_modules*", "node_modules-install"))
	assert.False(t, valueListContains("success", "failure"))
}

func TestConditionSetCollectsInvalidWithoutAborting(t *testing.T) {
	cs := &ConditionSet{
		Name: "mixed",
		Conditions: []*Condition{
			{ContextElement: "step", TargetAttribute: "name", ContainsString: "deploy"},
			{ContextElement: "step", TargetAttribute: "name", ValueExact: "node_modules", Required: true},
		},
	}
	ctx := ctxWithStepOutput("deploy-prod", "failure", "")

	result := cs.Apply(ctx)
	assert.Len(t, result.Matched, 1)
	assert.Len(t, result.Invalid, 1)
}

func TestRuleDoesNotFireWhenPreconditionFails(t *testing.T) {
	r := &Rule{
		Name: "only-node-modules",
		Preconditions: []*Condition{
			{ContextElement: "step", TargetAttribute: "name", ValueExact: "node_modules", Required: true},
		},
		ConditionSet: &ConditionSet{
			Conditions: []*Condition{
				{ContextElement: "step", TargetAttribute: "output.message", ContainsString: "Couldn't find any versions for"},
			},
		},
		Action: AbruptInterruption,
	}
	ctx := ctxWithStepOutput("lint", "failure", "Couldn't find any versions for left-pad")

	res := r.Apply(ctx)
	assert.False(t, res.Fired)
}

func TestRuleFiresWhenPreconditionAndConditionMatch(t *testing.T) {
	r := &Rule{
		Name: "only-node-modules",
		Preconditions: []*Condition{
			{ContextElement: "step", TargetAttribute: "name", ValueExact: "node_modules", Required: true},
		},
		ConditionSet: &ConditionSet{
			Conditions: []*Condition{
				{ContextElement: "step", TargetAttribute: "output.message", ContainsString: "Couldn't find any versions for"},
			},
		},
		Action: AbruptInterruption,
	}
	ctx := ctxWithStepOutput("node_modules", "failure", "Couldn't find any versions for left-pad")

	res := r.Apply(ctx)
	assert.True(t, res.Fired)
	assert.Len(t, res.Matched, 2)
}

func TestDefaultRuleSetYarnDependencyScenario(t *testing.T) {
	rs := DefaultRuleSet("acme", "repo")
	ctx := prContext("node_modules", "failure", "Couldn't find any versions for left-pad that matches ^1.3.0", 1)

	result := rs.Apply(ctx)
	require.Len(t, result.Fired, 1)
	assert.Equal(t, "YarnDependencyNotResolved", result.Fired[0].Rule.Name)
	assert.Equal(t, AbruptInterruption, result.Action)
	// RequiredConditions (2: link-is-pr, step-is-failing) + DefaultConditions
	// (1: exit-code-nonzero) + the rule's own conditions (2: step name,
	// unresolved-dependency message) = five matched conditions total.
	assert.Len(t, result.Fired[0].Matched, 5)
	assert.Empty(t, result.Notify)
}

func TestDefaultRuleSetPreconditionBlocksNonFailingStep(t *testing.T) {
	rs := DefaultRuleSet("acme", "repo")
	ctx := prContext("node_modules", "success", "Couldn't find any versions for left-pad", 0)

	result := rs.Apply(ctx)
	assert.Empty(t, result.Fired)
	assert.Equal(t, NextRule, result.Action)
}

func TestDefaultRuleSetNoRuleMatchesLeavesNotifyEmpty(t *testing.T) {
	rs := DefaultRuleSet("acme", "repo")
	ctx := ctxWithStepOutput("build", "failure", "an unrelated generic failure message")

	result := rs.Apply(ctx)
	assert.Empty(t, result.Fired)
	assert.Equal(t, NextRule, result.Action)
	assert.Empty(t, result.Notify)
}

func TestRuleSetSkipAnalysisWhenRequiredConditionsAllInvalid(t *testing.T) {
	rs := &RuleSet{
		Name: "skip-test",
		RequiredConditions: []*Condition{
			{ContextElement: "step", TargetAttribute: "name", ValueExact: "deploy", Required: true},
		},
		DefaultAction: SkipAnalysis,
		Rules: []*Rule{
			{
				Name: "unreachable",
				ConditionSet: &ConditionSet{
					Conditions: []*Condition{{ContextElement: "step", TargetAttribute: "status", ContainsString: "failure"}},
				},
				Action: NextRule,
			},
		},
	}
	rs.Prepare()

	ctx := ctxWithStepOutput("lint", "failure", "")
	result := rs.Apply(ctx)

	assert.Empty(t, result.Fired)
	assert.Equal(t, SkipAnalysis, result.Action)
}

func TestRuleSetAbruptInterruptionYieldsSingleSyntheticMatchedRule(t *testing.T) {
	rs := &RuleSet{
		Name: "interrupt-test",
		RequiredConditions: []*Condition{
			{ContextElement: "step", TargetAttribute: "name", ValueExact: "deploy", Required: true},
		},
		DefaultAction: AbruptInterruption,
		Rules: []*Rule{
			{
				Name: "unreachable",
				ConditionSet: &ConditionSet{
					Conditions: []*Condition{{ContextElement: "step", TargetAttribute: "status", ContainsString: "failure"}},
				},
				Action: NextRule,
			},
		},
	}
	rs.Prepare()

	ctx := ctxWithStepOutput("lint", "failure", "")
	result := rs.Apply(ctx)

	require.Len(t, result.Fired, 1)
	assert.Equal(t, AbruptInterruption, result.Action)
	assert.False(t, result.CancelationRequested)
}

func TestRuleSetRequestCancelationGateMarksCancelationRequested(t *testing.T) {
	rs := &RuleSet{
		Name: "cancel-gate-test",
		RequiredConditions: []*Condition{
			{ContextElement: "step", TargetAttribute: "name", ValueExact: "deploy", Required: true},
		},
		DefaultAction: RequestCancelation,
	}
	rs.Prepare()

	ctx := ctxWithStepOutput("lint", "failure", "")
	result := rs.Apply(ctx)

	require.Len(t, result.Fired, 1)
	assert.True(t, result.CancelationRequested)
}

func TestRuleSetApplyRequestCancelationStopsEvaluation(t *testing.T) {
	cancelRule := &Rule{
		Name: "cancel-on-dns-error",
		ConditionSet: &ConditionSet{
			Conditions: []*Condition{
				{ContextElement: "step", TargetAttribute: "output.message", MatchesRegex: "DNS-1123"},
			},
		},
		Action: RequestCancelation,
	}
	neverReached := &Rule{
		Name: "never-reached",
		ConditionSet: &ConditionSet{
			Conditions: []*Condition{
				{ContextElement: "step", TargetAttribute: "name", ContainsString: "deploy"},
			},
		},
		Action: NextRule,
	}
	rs := &RuleSet{
		Name:          "cancel-test",
		Rules:         []*Rule{cancelRule, neverReached},
		DefaultAction: NextRule,
	}
	rs.Prepare()

	ctx := ctxWithStepOutput("deploy", "failure", "a DNS-1123 label must consist of lower case")
	result := rs.Apply(ctx)

	require.Len(t, result.Fired, 1)
	assert.True(t, result.CancelationRequested)
	assert.Equal(t, "cancel-on-dns-error", result.Fired[0].Rule.Name)
}
