package ruleengine

import (
	"fmt"
	"regexp"
)

// DefaultRuleSet builds the example rule set shipped with the service for
// the given owner/repo, grounded on drone-ci-butler's
// rule_engine/default_rules.py. Operators are expected to replace this with
// their own configuration; it serves as the fixture for the worked
// build-failure scenario and uses only the NextRule and AbruptInterruption
// actions.
func DefaultRuleSet(owner, repo string) *RuleSet {
	validateDocsPrettified := &Rule{
		Name: "ValidateDocsPrettified",
		ConditionSet: &ConditionSet{
			Name: "ValidateDocsPrettified",
			Conditions: []*Condition{
				{
					Name:            "docs-not-prettified",
					ContextElement:  "step",
					TargetAttribute: "output.message",
					MatchesRegex:    "prettier:docs",
					Required:        true,
				},
			},
		},
		Action: NextRule,
	}

	slackServerError := &Rule{
		Name: "SlackServerError",
		ConditionSet: &ConditionSet{
			Name: "SlackServerError",
			Conditions: []*Condition{
				{
					Name:            "step-is-slack",
					ContextElement:  "step",
					TargetAttribute: "name",
					ContainsString:  "slack",
					Required:        true,
				},
				{
					Name:            "slack-server-error",
					ContextElement:  "step",
					TargetAttribute: "output.message",
					ContainsString:  "server error",
					Required:        true,
				},
			},
		},
		Action: NextRule,
	}

	gkeBranchNameInvalid := &Rule{
		Name: "GitBranchNameInvalidForGKEDeploy",
		ConditionSet: &ConditionSet{
			Name: "GitBranchNameInvalidForGKEDeploy",
			Conditions: []*Condition{
				{
					Name:            "dns-1123-label-error",
					ContextElement:  "step",
					TargetAttribute: "output.message",
					MatchesRegex:    "a DNS-1123 label must consist of lower case",
					Required:        true,
				},
			},
		},
		Action: AbruptInterruption,
	}

	upstreamConnectionError := &Rule{
		Name: "UpstreamConnectionError",
		ConditionSet: &ConditionSet{
			Name: "UpstreamConnectionError",
			Conditions: []*Condition{
				{
					Name:            "econnrefused",
					ContextElement:  "step",
					TargetAttribute: "output.message",
					ContainsString:  "ECONNREFUSED",
					Required:        true,
				},
			},
		},
		Action: AbruptInterruption,
	}

	gitMergeConflict := &Rule{
		Name: "GitMergeConflict",
		ConditionSet: &ConditionSet{
			Name: "GitMergeConflict",
			Conditions: []*Condition{
				{
					Name:            "merge-conflict",
					ContextElement:  "step",
					TargetAttribute: "output.message",
					MatchesRegex:    "(not something we can merge|Automatic merge failed; fix conflicts)",
					Required:        true,
				},
			},
		},
		Action: AbruptInterruption,
	}

	// YarnDependencyNotResolved is the end-to-end worked scenario: a
	// node_modules install step fails with an unresolved dependency, the
	// rule fires and stops the rest of the set; the build processor still
	// notifies on the fired rule.
	yarnDependencyNotResolved := &Rule{
		Name: "YarnDependencyNotResolved",
		ConditionSet: &ConditionSet{
			Name: "YarnDependencyNotResolved",
			Conditions: []*Condition{
				{
					Name:            "step-is-node-modules",
					ContextElement:  "step",
					TargetAttribute: "name",
					ValueExact:      "node_modules",
					Required:        true,
				},
				{
					Name:            "unresolved-dependency",
					ContextElement:  "step",
					TargetAttribute: "output.message",
					ContainsString:  "Couldn't find any versions for",
					Required:        true,
				},
			},
		},
		Action: AbruptInterruption,
	}

	rs := &RuleSet{
		Name: "default",
		Rules: []*Rule{
			validateDocsPrettified,
			slackServerError,
			gkeBranchNameInvalid,
			upstreamConnectionError,
			gitMergeConflict,
			yarnDependencyNotResolved,
		},
		// RequiredConditions gate the whole set: a build whose link isn't one
		// of this repo's pull requests, or whose triggering step isn't
		// failing/running, never reaches the rule loop at all.
		RequiredConditions: []*Condition{
			{
				Name:            "build-is-repo-pull-request",
				ContextElement:  "build",
				TargetAttribute: "link",
				MatchesRegex:    fmt.Sprintf(`%s/%s/pull/\d+`, regexp.QuoteMeta(owner), regexp.QuoteMeta(repo)),
				Required:        true,
			},
			{
				Name:            "step-is-failed",
				ContextElement:  "step",
				TargetAttribute: "status",
				MatchesValue:    "failure,running",
				Required:        true,
			},
		},
		// DefaultConditions are spliced into every rule's preconditions too,
		// but (unlike RequiredConditions) aren't an independent gate.
		DefaultConditions: []*Condition{
			{
				Name:            "step-exit-code-nonzero",
				ContextElement:  "step",
				TargetAttribute: "exit_code",
				IsNot:           "0",
				Required:        true,
			},
		},
		DefaultAction: NextRule,
		DefaultNotify: []string{"slack"},
	}
	rs.Prepare()
	return rs
}
