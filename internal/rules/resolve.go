package rules

import (
	"fmt"
	"strings"
)

// Resolve compiles brief against rs into a Contract. It has no side effects
// and is safe for concurrent use. Only a missing age rule stops resolution
// early; an unsafe ending and a rejected override are reported as errors on
// an otherwise complete contract, everything else is a warning.
func Resolve(brief Brief, rs RuleSet, override *Override) Contract {
	contract := Contract{
		RuleSetVersion:       rs.Version,
		AgeGroup:             brief.AgeGroup,
		RequiredElements:     []string{},
		AllowedCopingTools:   []string{},
		CopingToolRepetition: map[string]int{},
		MustAvoid:            []string{},
		Errors:               []Diagnostic{},
		Warnings:             []Diagnostic{},
	}
	required := newTagSet()
	avoid := newTagSet()

	ageRule, ok := rs.AgeRules[brief.AgeGroup]
	if !ok {
		contract.addError(CodeMissingAgeRule, fmt.Sprintf("rule set %s has no age rule for %q", rs.Version, brief.AgeGroup), string(brief.AgeGroup))
		// The exclusion floor holds even on the early return.
		applyExclusions(rs, avoid)
		contract.MustAvoid = avoid.sorted()
		return contract
	}
	contract.LengthBudget = LengthBudget{
		MinScenes: ageRule.MinScenes,
		MaxScenes: ageRule.MaxScenes,
		MaxWords:  ageRule.MaxWords,
	}
	contract.Style = StyleLimits{
		MaxSentenceWords:        ageRule.MaxSentenceWords,
		DialoguePolicy:          ageRule.DialoguePolicy,
		AbstractConceptsAllowed: ageRule.AbstractConceptsAllowed,
	}

	var goalTools tagSet
	resolvedGoals := 0
	closureRequired := false
	for _, goalID := range brief.EmotionalGoals {
		mapping, ok := rs.GoalMappings[goalID]
		if !ok {
			contract.addWarning(CodeGoalIgnored, fmt.Sprintf("goal %q has no mapping in rule set %s and was ignored", goalID, rs.Version), goalID)
			continue
		}
		resolvedGoals++
		required.add(mapping.RequiredElements...)
		avoid.add(mapping.AvoidPatterns...)
		if mapping.RequiresClosure {
			closureRequired = true
		}
		tools := newTagSet(mapping.AllowedCopingTools...)
		if goalTools == nil {
			goalTools = tools
		} else {
			goalTools = goalTools.intersect(tools)
		}
	}
	if goalTools == nil {
		goalTools = newTagSet()
	}
	if resolvedGoals >= 2 && len(goalTools) == 0 {
		contract.addWarning(CodeNoCommonCopingTool, "selected goals share no coping tool", "")
	}

	eligible := make([]string, 0, len(goalTools))
	for _, toolID := range goalTools.sorted() {
		if rs.AgeEligible(toolID, brief.AgeGroup) {
			eligible = append(eligible, toolID)
		}
	}
	if len(goalTools) > 0 && len(eligible) == 0 {
		contract.addWarning(CodeNoAgeEligibleTool, fmt.Sprintf("no age-eligible coping tool for %q", brief.AgeGroup), string(brief.AgeGroup))
	}

	ending, hasEnding := rs.EndingRules[brief.EndingStyle]
	if hasEnding {
		required.add(ending.MustInclude...)
		avoid.add(ending.MustAvoid...)
		contract.RequiresEmotionalStability = ending.RequiresEmotionalStability
		contract.RequiresSuccessMoment = ending.RequiresSuccessMoment
	} else {
		contract.addWarning(CodeMissingEndingRule, fmt.Sprintf("ending style %q has no rule; treated as not emotionally stable", brief.EndingStyle), brief.EndingStyle)
	}
	stableEnding := hasEnding && ending.RequiresEmotionalStability

	sensitivity, hasSensitivity := rs.SensitivityRules[brief.Sensitivity]
	if hasSensitivity {
		avoid.add(sensitivity.AddMustAvoid...)
	} else {
		contract.addWarning(CodeMissingSensitivity, fmt.Sprintf("sensitivity %q has no rule", brief.Sensitivity), string(brief.Sensitivity))
	}

	switch {
	case hasSensitivity && sensitivity.ForceSafeClosure && !stableEnding:
		contract.addError(CodeUnsafeEnding, fmt.Sprintf("%s sensitivity requires an emotionally stable ending; %q is not", brief.Sensitivity, brief.EndingStyle), brief.EndingStyle)
	case closureRequired && !stableEnding:
		contract.addWarning(CodeClosureMismatch, fmt.Sprintf("a selected goal requires closure but ending %q does not guarantee emotional stability", brief.EndingStyle), brief.EndingStyle)
	}

	applyExclusions(rs, avoid)

	if override != nil {
		toolID := strings.TrimSpace(override.CopingToolID)
		tool, exists := rs.CopingTools[toolID]
		switch {
		case toolID == "" || !exists:
			contract.addError(CodeOverrideRejected, fmt.Sprintf("coping tool %q does not exist in rule set %s", toolID, rs.Version), toolID)
		case !tool.AllowsAge(brief.AgeGroup):
			contract.addError(CodeOverrideRejected, fmt.Sprintf("coping tool %q is not eligible for age group %q", toolID, brief.AgeGroup), toolID)
		default:
			if !goalTools.has(toolID) {
				contract.addWarning(CodeOverrideOutsideGoal, fmt.Sprintf("coping tool %q is not suggested by the selected goals", toolID), toolID)
			}
			eligible = []string{toolID}
			contract.OverrideUsed = true
			contract.OverrideDetails = &Override{
				CopingToolID: toolID,
				Reason:       strings.TrimSpace(override.Reason),
				AppliedAt:    override.AppliedAt.UTC(),
			}
		}
	}

	for _, toolID := range eligible {
		contract.CopingToolRepetition[toolID] = rs.CopingTools[toolID].RepetitionRequired
	}
	contract.AllowedCopingTools = eligible
	contract.RequiredElements = required.sorted()
	contract.MustAvoid = avoid.sorted()
	return contract
}

func applyExclusions(rs RuleSet, avoid tagSet) {
	for _, category := range sortedKeys(rs.Exclusions) {
		avoid.add(rs.Exclusions[category].Banned...)
	}
}
