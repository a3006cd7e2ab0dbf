// Package rules holds the clinical rule tables, the story brief, and the
// resolver that compiles a brief against a rule set into a generation contract.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type AgeGroup string

const (
	AgeToddler    AgeGroup = "0_3"
	AgePreschool  AgeGroup = "3_6"
	AgeEarlyYears AgeGroup = "6_9"
	AgePreteen    AgeGroup = "9_12"
)

var AgeGroups = []AgeGroup{AgeToddler, AgePreschool, AgeEarlyYears, AgePreteen}

func (a AgeGroup) Valid() bool {
	for _, known := range AgeGroups {
		if a == known {
			return true
		}
	}
	return false
}

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

func (s Sensitivity) Valid() bool {
	return s == SensitivityLow || s == SensitivityMedium || s == SensitivityHigh
}

type RuleSetStatus string

const (
	RuleSetActive  RuleSetStatus = "active"
	RuleSetRetired RuleSetStatus = "retired"
)

type AgeRule struct {
	MaxWords                int    `json:"maxWords" yaml:"maxWords"`
	MinScenes               int    `json:"minScenes" yaml:"minScenes"`
	MaxScenes               int    `json:"maxScenes" yaml:"maxScenes"`
	MaxSentenceWords        int    `json:"maxSentenceWords" yaml:"maxSentenceWords"`
	DialoguePolicy          string `json:"dialoguePolicy" yaml:"dialoguePolicy"`
	AbstractConceptsAllowed bool   `json:"abstractConceptsAllowed" yaml:"abstractConceptsAllowed"`
}

type GoalMapping struct {
	RequiredElements   []string `json:"requiredElements" yaml:"requiredElements"`
	AllowedCopingTools []string `json:"allowedCopingTools" yaml:"allowedCopingTools"`
	AvoidPatterns      []string `json:"avoidPatterns" yaml:"avoidPatterns"`
	RequiresClosure    bool     `json:"requiresClosure" yaml:"requiresClosure"`
}

type CopingTool struct {
	AllowedAges        []AgeGroup `json:"allowedAges" yaml:"allowedAges"`
	RepetitionRequired int        `json:"repetitionRequired" yaml:"repetitionRequired"`
}

func (t CopingTool) AllowsAge(age AgeGroup) bool {
	for _, allowed := range t.AllowedAges {
		if allowed == age {
			return true
		}
	}
	return false
}

type EndingRule struct {
	MustInclude                []string `json:"mustInclude" yaml:"mustInclude"`
	MustAvoid                  []string `json:"mustAvoid" yaml:"mustAvoid"`
	RequiresEmotionalStability bool     `json:"requiresEmotionalStability" yaml:"requiresEmotionalStability"`
	RequiresSuccessMoment      bool     `json:"requiresSuccessMoment" yaml:"requiresSuccessMoment"`
}

type SensitivityRule struct {
	AddMustAvoid     []string `json:"addMustAvoid" yaml:"addMustAvoid"`
	ForceSafeClosure bool     `json:"forceSafeClosure" yaml:"forceSafeClosure"`
}

type Exclusion struct {
	Banned []string `json:"banned" yaml:"banned"`
}

// RuleSet is one immutable, versioned bundle of rule tables. Published
// versions are never edited; a change is a new version.
type RuleSet struct {
	Version          string                          `json:"version" yaml:"version"`
	Status           RuleSetStatus                   `json:"status" yaml:"status"`
	CreatedAt        time.Time                       `json:"createdAt" yaml:"-"`
	AgeRules         map[AgeGroup]AgeRule            `json:"ageRules" yaml:"ageRules"`
	GoalMappings     map[string]GoalMapping          `json:"goalMappings" yaml:"goalMappings"`
	CopingTools      map[string]CopingTool           `json:"copingTools" yaml:"copingTools"`
	EndingRules      map[string]EndingRule           `json:"endingRules" yaml:"endingRules"`
	SensitivityRules map[Sensitivity]SensitivityRule `json:"sensitivityRules" yaml:"sensitivityRules"`
	Exclusions       map[string]Exclusion            `json:"exclusions" yaml:"exclusions"`
}

func (rs RuleSet) Validate() error {
	if strings.TrimSpace(rs.Version) == "" {
		return &ValidationError{Field: "version", Message: "version is required"}
	}
	switch rs.Status {
	case "", RuleSetActive, RuleSetRetired:
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", rs.Status)}
	}
	if len(rs.AgeRules) == 0 {
		return &ValidationError{Field: "ageRules", Message: "at least one age rule is required"}
	}
	for _, age := range sortedKeys(rs.AgeRules) {
		rule := rs.AgeRules[age]
		if !age.Valid() {
			return &ValidationError{Field: "ageRules", Message: fmt.Sprintf("unknown age group %q", age)}
		}
		if rule.MinScenes < 1 || rule.MaxScenes < rule.MinScenes || rule.MaxWords < 1 {
			return &ValidationError{Field: "ageRules." + string(age), Message: "scene range and word budget must be positive and ordered"}
		}
	}
	for _, id := range sortedKeys(rs.CopingTools) {
		tool := rs.CopingTools[id]
		if tool.RepetitionRequired < 1 {
			return &ValidationError{Field: "copingTools." + id, Message: "repetitionRequired must be at least 1"}
		}
		for _, age := range tool.AllowedAges {
			if !age.Valid() {
				return &ValidationError{Field: "copingTools." + id, Message: fmt.Sprintf("unknown age group %q", age)}
			}
		}
	}
	for _, level := range sortedKeys(rs.SensitivityRules) {
		if !level.Valid() {
			return &ValidationError{Field: "sensitivityRules", Message: fmt.Sprintf("unknown sensitivity %q", level)}
		}
	}
	return nil
}

// AgeEligible reports whether toolID exists in the rule set and lists age.
func (rs RuleSet) AgeEligible(toolID string, age AgeGroup) bool {
	tool, ok := rs.CopingTools[toolID]
	return ok && tool.AllowsAge(age)
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
