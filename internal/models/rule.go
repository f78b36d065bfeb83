package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RuleType selects the static check a Rule performs.
type RuleType string

const (
	RuleHTML         RuleType = "html"
	RuleStructure    RuleType = "structure"
	RuleRequirements RuleType = "requirements"
	RuleDatabase     RuleType = "database"
	RuleSecurity     RuleType = "security"
	RuleRuntime      RuleType = "runtime"
	RuleBoilerplate  RuleType = "boilerplate"
)

// RuleTypes lists every supported rule type. The rule interpreter refuses to
// start unless each entry has a handler.
var RuleTypes = []RuleType{
	RuleHTML,
	RuleStructure,
	RuleRequirements,
	RuleDatabase,
	RuleSecurity,
	RuleRuntime,
	RuleBoilerplate,
}

// Valid reports whether t is one of RuleTypes.
func (t RuleType) Valid() bool {
	for _, known := range RuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Rule is one declarative static check. Only the fields relevant to Type are
// consulted.
type Rule struct {
	Type   RuleType `json:"type" yaml:"type"`
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
	File   string   `json:"file,omitempty" yaml:"file,omitempty"`
	Points int      `json:"points" yaml:"points"`

	// html
	MustHaveElements []string `json:"mustHaveElements,omitempty" yaml:"mustHaveElements,omitempty"`
	MustHaveClasses  []string `json:"mustHaveClasses,omitempty" yaml:"mustHaveClasses,omitempty"`
	MustHaveContent  []string `json:"mustHaveContent,omitempty" yaml:"mustHaveContent,omitempty"`
	MustHaveInputs   []string `json:"mustHaveInputs,omitempty" yaml:"mustHaveInputs,omitempty"`
	SyntaxPoints     int      `json:"syntaxPoints,omitempty" yaml:"syntaxPoints,omitempty"`

	// structure
	Paths  []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Checks []string `json:"checks,omitempty" yaml:"checks,omitempty"`

	// requirements
	MustHavePackages []string `json:"mustHavePackages,omitempty" yaml:"mustHavePackages,omitempty"`

	// database
	MustExist *bool `json:"mustExist,omitempty" yaml:"mustExist,omitempty"`

	// security
	MustHaveSecurity []string `json:"mustHaveSecurity,omitempty" yaml:"mustHaveSecurity,omitempty"`

	// runtime
	MustHaveRoutes []string `json:"mustHaveRoutes,omitempty" yaml:"mustHaveRoutes,omitempty"`

	// boilerplate
	ExpectedStructure json.RawMessage `json:"expected_structure,omitempty" yaml:"-"`
	RequiredClasses   []string        `json:"required_classes,omitempty" yaml:"required_classes,omitempty"`
	RequiredFunctions []string        `json:"required_functions,omitempty" yaml:"required_functions,omitempty"`

	// DecodeError is set when the rule object could not be decoded. Such a
	// rule evaluates to a failed "rule execution error" check.
	DecodeError string `json:"-" yaml:"-"`
}

// Label returns a display name for the rule.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	if r.File != "" {
		return fmt.Sprintf("%s: %s", r.Type, r.File)
	}
	if r.Type == "" {
		return "rule"
	}
	return string(r.Type)
}

// RequiresExistence reports the database rule's mustExist flag, which
// defaults to true when omitted.
func (r Rule) RequiresExistence() bool {
	return r.MustExist == nil || *r.MustExist
}

// RuleSet holds a task's static rules. In JSON it may be a single rule object
// or a list of them. Entries that fail to decode are kept with DecodeError set
// so one malformed rule cannot discard its siblings.
type RuleSet []Rule

// UnmarshalJSON implements json.Unmarshaler.
func (rs *RuleSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*rs = nil
		return nil
	}

	var raws []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raws); err != nil {
			return fmt.Errorf("decoding rule list: %w", err)
		}
	case '{':
		raws = []json.RawMessage{data}
	default:
		*rs = RuleSet{{DecodeError: fmt.Sprintf("validation_rules must be an object or a list, got %s", data)}}
		return nil
	}

	out := make(RuleSet, 0, len(raws))
	for i, raw := range raws {
		var r Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			r = Rule{DecodeError: fmt.Sprintf("rule %d: %s", i, err)}
		}
		out = append(out, r)
	}
	*rs = out
	return nil
}

// MaxPoints sums the points every rule in the set can award.
func (rs RuleSet) MaxPoints() int {
	total := 0
	for _, r := range rs {
		if r.Points > 0 {
			total += r.Points
		}
		if r.Type == RuleHTML && r.SyntaxPoints > 0 {
			total += r.SyntaxPoints
		}
	}
	return total
}

// RulesFile is the standalone rules document consumed by the inspect path.
type RulesFile struct {
	Rules   RuleSet  `json:"rules"`
	UITests []UITest `json:"ui_tests,omitempty"`
}
