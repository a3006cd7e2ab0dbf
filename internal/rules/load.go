package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed seed/v1.yaml
var seedV1 []byte

// LoadRuleSet decodes and validates a YAML (or JSON) rule set document.
// Unknown keys are rejected so typos in rule tables fail loudly.
func LoadRuleSet(r io.Reader) (RuleSet, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var rs RuleSet
	if err := decoder.Decode(&rs); err != nil {
		return RuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	if rs.Status == "" {
		rs.Status = RuleSetActive
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// DefaultRuleSet returns the embedded seed rule set published on first boot.
func DefaultRuleSet() (RuleSet, error) {
	return LoadRuleSet(bytes.NewReader(seedV1))
}
