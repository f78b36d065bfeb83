package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

// ProjectConfig is the task configuration document for one project.
type ProjectConfig struct {
	ID          string `json:"id,omitempty"`
	Project     string `json:"project"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// ProjectID returns the identifier used to key progress files. An explicit id
// wins; otherwise the project name is slugified.
func (p *ProjectConfig) ProjectID() string {
	if p.ID != "" {
		return p.ID
	}
	return Slug(p.Project)
}

// Task returns the task with the given id.
func (p *ProjectConfig) Task(id int) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Task is one gradeable unit of student work.
type Task struct {
	ID              int             `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	RequiredFiles   []string        `json:"required_files,omitempty"`
	ValidationRules RuleSet         `json:"validation_rules,omitempty"`
	PlaywrightTest  *BrowserTest    `json:"playwright_test,omitempty"`
	UnlockCondition UnlockCondition `json:"unlock_condition"`
}

// Rules returns the task's static rules. A task without rules falls back to a
// structure check over its required files.
func (t *Task) Rules() RuleSet {
	if len(t.ValidationRules) > 0 {
		return t.ValidationRules
	}
	return RuleSet{{
		Type:  RuleStructure,
		Name:  "Required files present",
		Paths: append([]string(nil), t.RequiredFiles...),
	}}
}

// HasBrowserTest reports whether the task defines a browser script.
func (t *Task) HasBrowserTest() bool {
	return t.PlaywrightTest != nil
}

// MaxAchievable is the best score a perfect submission can earn.
func (t *Task) MaxAchievable() int {
	total := t.Rules().MaxPoints()
	if t.PlaywrightTest != nil && t.PlaywrightTest.Points > 0 {
		total += t.PlaywrightTest.Points
	}
	return total
}

// UnlockCondition gates task availability.
type UnlockCondition struct {
	MinScore      int   `json:"min_score"`
	RequiredTasks []int `json:"required_tasks,omitempty"`
}

// BrowserTest is the browser script attached to a task.
type BrowserTest struct {
	Route       string      `json:"route,omitempty"`
	Actions     []Action    `json:"actions,omitempty"`
	Validate    []Assertion `json:"validate,omitempty"`
	Validations []Assertion `json:"validations,omitempty"`
	Points      int         `json:"points"`
}

// Assertions merges both accepted spellings of the validation list.
func (b *BrowserTest) Assertions() []Assertion {
	out := make([]Assertion, 0, len(b.Validate)+len(b.Validations))
	out = append(out, b.Validate...)
	return append(out, b.Validations...)
}

// Operation is what an Action does to the element it selects.
type Operation string

const (
	OpFill  Operation = "fill"
	OpClick Operation = "click"
	OpCheck Operation = "check"
	OpNone  Operation = ""
)

// Action is a step in a browser script.
type Action struct {
	SelectorType  string    `json:"selector_type,omitempty"`
	SelectorValue string    `json:"selector_value"`
	Operation     Operation `json:"operation,omitempty"`
	Click         bool      `json:"click,omitempty"`
	Input         string    `json:"input,omitempty"`
	InputVariants []string  `json:"input_variants,omitempty"`
	CheckType     string    `json:"check_type,omitempty"`
	Description   string    `json:"description,omitempty"`
}

// Op resolves the operation, honouring the legacy click/input/check_type keys
// when no explicit operation is given.
func (a Action) Op() Operation {
	switch {
	case a.Operation != OpNone:
		return a.Operation
	case a.Input != "" || len(a.InputVariants) > 0:
		return OpFill
	case a.Click:
		return OpClick
	case a.CheckType == "exists":
		return OpCheck
	}
	return OpNone
}

// FillValue returns the literal input, or else the first non-empty variant.
func (a Action) FillValue() string {
	if a.Input != "" {
		return a.Input
	}
	for _, v := range a.InputVariants {
		if v != "" {
			return v
		}
	}
	return ""
}

// AssertionType names a post-script page check.
type AssertionType string

const (
	AssertTextPresent    AssertionType = "text_present"
	AssertStatusCode     AssertionType = "status_code"
	AssertURLContains    AssertionType = "url_contains"
	AssertURLRedirect    AssertionType = "url_redirect"
	AssertTitleContains  AssertionType = "title_contains"
	AssertElementPresent AssertionType = "element_present"
)

// Assertion is evaluated against the final page state.
type Assertion struct {
	Type  AssertionType `json:"type"`
	Value FlexString    `json:"value"`
	Tag   string        `json:"tag,omitempty"`
}

// FlexString accepts either a JSON string or a JSON number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	*s = FlexString(data)
	return nil
}

// UITest is a route-scoped browser suite from a rules file.
type UITest struct {
	Route     string       `json:"route"`
	PageTitle string       `json:"page_title,omitempty"`
	TestCases []UITestCase `json:"test_cases"`
}

// UITestCase is one scenario within a UITest.
type UITestCase struct {
	Name           string         `json:"name"`
	Identifiers    []Identifier   `json:"identifiers,omitempty"`
	Actions        []UIAction     `json:"actions,omitempty"`
	ExpectedResult ExpectedResult `json:"expected_result"`
	TimeoutSec     int            `json:"timeout,omitempty"`
	Points         *int           `json:"points,omitempty"`
}

// CasePoints defaults to 5 when a test case does not set points.
func (c UITestCase) CasePoints() int {
	if c.Points == nil {
		return 5
	}
	return *c.Points
}

// Identifier is a form field or button driven by a UITestCase.
type Identifier struct {
	IdentifierType string `json:"identifier_type,omitempty"`
	IdentifierName string `json:"identifier_name"`
	Type           string `json:"type,omitempty"`
	InputValue     string `json:"input_value,omitempty"`
	Action         string `json:"action,omitempty"`
	Required       bool   `json:"required,omitempty"`
}

// UIAction is an element check or click within a UITestCase.
type UIAction struct {
	IdentifierType string `json:"identifier_type,omitempty"`
	IdentifierName string `json:"identifier_name"`
	CheckType      string `json:"check_type,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ExpectedResult describes the page state a UITestCase must reach.
type ExpectedResult struct {
	Type           string `json:"type,omitempty"`
	URLContains    string `json:"url_contains,omitempty"`
	ErrorContains  string `json:"error_contains,omitempty"`
	SuccessMessage string `json:"success_message,omitempty"`
}

// Slug lowercases s and replaces every run of non-alphanumerics with "_".
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
