package rules

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	CodeMissingAgeRule      = "MISSING_AGE_RULE"
	CodeUnsafeEnding        = "UNSAFE_ENDING"
	CodeOverrideRejected    = "OVERRIDE_REJECTED"
	CodeGoalIgnored         = "GOAL_IGNORED"
	CodeNoCommonCopingTool  = "NO_COMMON_COPING_TOOL"
	CodeNoAgeEligibleTool   = "NO_AGE_ELIGIBLE_COPING_TOOL"
	CodeClosureMismatch     = "CLOSURE_MISMATCH"
	CodeMissingEndingRule   = "MISSING_ENDING_RULE"
	CodeMissingSensitivity  = "MISSING_SENSITIVITY_RULE"
	CodeOverrideOutsideGoal = "OVERRIDE_OUTSIDE_GOALS"
)

type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

type LengthBudget struct {
	MinScenes int `json:"minScenes"`
	MaxScenes int `json:"maxScenes"`
	MaxWords  int `json:"maxWords"`
}

type StyleLimits struct {
	MaxSentenceWords        int    `json:"maxSentenceWords"`
	DialoguePolicy          string `json:"dialoguePolicy"`
	AbstractConceptsAllowed bool   `json:"abstractConceptsAllowed"`
}

// Override is a specialist's forced substitution of the coping tool.
type Override struct {
	CopingToolID string    `json:"copingToolId"`
	Reason       string    `json:"reason,omitempty"`
	AppliedAt    time.Time `json:"appliedAt"`
}

// Contract is the compiled set of constraints a generated draft must obey.
// It is derived and reproducible; identical inputs produce identical JSON.
type Contract struct {
	RuleSetVersion             string         `json:"ruleSetVersion"`
	AgeGroup                   AgeGroup       `json:"ageGroup"`
	LengthBudget               LengthBudget   `json:"lengthBudget"`
	Style                      StyleLimits    `json:"style"`
	RequiredElements           []string       `json:"requiredElements"`
	AllowedCopingTools         []string       `json:"allowedCopingTools"`
	CopingToolRepetition       map[string]int `json:"copingToolRepetition"`
	MustAvoid                  []string       `json:"mustAvoid"`
	RequiresEmotionalStability bool           `json:"requiresEmotionalStability"`
	RequiresSuccessMoment      bool           `json:"requiresSuccessMoment"`
	OverrideUsed               bool           `json:"overrideUsed"`
	OverrideDetails            *Override      `json:"overrideDetails,omitempty"`
	Errors                     []Diagnostic   `json:"errors"`
	Warnings                   []Diagnostic   `json:"warnings"`
}

// Valid reports whether the contract may be used to start generation.
func (c Contract) Valid() bool {
	return len(c.Errors) == 0
}

func (c Contract) HasError(code string) bool {
	for _, diag := range c.Errors {
		if diag.Code == code {
			return true
		}
	}
	return false
}

func (c Contract) HasWarning(code string) bool {
	for _, diag := range c.Warnings {
		if diag.Code == code {
			return true
		}
	}
	return false
}

// Fingerprint is a BLAKE2b-256 digest of the canonical JSON encoding.
func (c Contract) Fingerprint() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// OverrideHash identifies an override for cache keys; "none" when absent.
func OverrideHash(o *Override) string {
	if o == nil {
		return "none"
	}
	normalized := Override{CopingToolID: o.CopingToolID, Reason: o.Reason, AppliedAt: o.AppliedAt.UTC()}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "none"
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

func (c *Contract) addError(code, message, subject string) {
	c.Errors = append(c.Errors, Diagnostic{Code: code, Message: message, Subject: subject})
}

func (c *Contract) addWarning(code, message, subject string) {
	c.Warnings = append(c.Warnings, Diagnostic{Code: code, Message: message, Subject: subject})
}

type tagSet map[string]struct{}

func newTagSet(tags ...string) tagSet {
	set := make(tagSet, len(tags))
	set.add(tags...)
	return set
}

func (s tagSet) add(tags ...string) {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		s[tag] = struct{}{}
	}
}

func (s tagSet) has(tag string) bool {
	_, ok := s[tag]
	return ok
}

func (s tagSet) intersect(other tagSet) tagSet {
	out := make(tagSet)
	for tag := range s {
		if other.has(tag) {
			out[tag] = struct{}{}
		}
	}
	return out
}

func (s tagSet) sorted() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
