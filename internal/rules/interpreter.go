// Package rules evaluates declarative static rules against a project tree.
package rules

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/spachava753/flaskgrader/internal/models"
)

type handler func(in *Interpreter, r models.Rule, root fs.FS) models.ValidationResult

var handlers = map[models.RuleType]handler{
	models.RuleHTML:         (*Interpreter).checkHTML,
	models.RuleStructure:    (*Interpreter).checkStructure,
	models.RuleRequirements: (*Interpreter).checkRequirements,
	models.RuleDatabase:     (*Interpreter).checkDatabase,
	models.RuleSecurity:     (*Interpreter).checkSecurity,
	models.RuleRuntime:      (*Interpreter).checkRuntime,
	models.RuleBoilerplate:  (*Interpreter).checkBoilerplate,
}

func init() {
	for _, t := range models.RuleTypes {
		if handlers[t] == nil {
			panic(fmt.Sprintf("rules: no handler registered for rule type %q", t))
		}
	}
}

// Interpreter evaluates rules. It holds no per-run state, so one value can
// be shared between goroutines.
type Interpreter struct {
	matcher ElementMatcher
}

// New returns an Interpreter using m for HTML inspection. A nil matcher
// selects RegexMatcher.
func New(m ElementMatcher) *Interpreter {
	if m == nil {
		m = RegexMatcher{}
	}
	return &Interpreter{matcher: m}
}

// Evaluate runs a single rule. It never panics and never returns an error:
// every failure becomes a failed ValidationResult.
func (in *Interpreter) Evaluate(r models.Rule, root fs.FS) (res models.ValidationResult) {
	if r.DecodeError != "" {
		return executionError(r, r.DecodeError)
	}
	h, ok := handlers[r.Type]
	if !ok {
		return executionError(r, fmt.Sprintf("unknown rule type %q", r.Type))
	}
	defer func() {
		if p := recover(); p != nil {
			res = executionError(r, fmt.Sprint(p))
		}
	}()
	return h(in, r, root)
}

func executionError(r models.Rule, msg string) models.ValidationResult {
	return models.ValidationResult{
		Name:           "Rule execution error: " + r.Label(),
		MaxPoints:      rulePoints(r),
		Message:        msg,
		HardError:      true,
		ExecutionError: true,
	}
}

func rulePoints(r models.Rule) int {
	if r.Points < 0 {
		return 0
	}
	return r.Points
}

func pass(r models.Rule, msg string) models.ValidationResult {
	p := rulePoints(r)
	return models.ValidationResult{Name: r.Label(), Passed: true, Points: p, MaxPoints: p, Message: msg}
}

func fail(r models.Rule, msg string) models.ValidationResult {
	return models.ValidationResult{Name: r.Label(), MaxPoints: rulePoints(r), Message: msg}
}

func hardFail(r models.Rule, msg string) models.ValidationResult {
	res := fail(r, msg)
	res.HardError = true
	return res
}

// Report is the outcome of evaluating a rule set.
type Report struct {
	Results  []models.ValidationResult
	Errors   []string
	Warnings []string
	Score    int
	MaxScore int
	Message  string
}

func (rep *Report) add(r models.ValidationResult) {
	rep.Results = append(rep.Results, r)
	rep.Score += r.Points
	rep.MaxScore += r.MaxPoints
	if r.Passed {
		return
	}
	line := fmt.Sprintf("%s: %s", r.Name, r.Message)
	if r.HardError {
		rep.Errors = append(rep.Errors, line)
	} else {
		rep.Warnings = append(rep.Warnings, line)
	}
}

func (rep *Report) finish() {
	switch {
	case len(rep.Errors) > 0:
		rep.Message = "Validation failed: " + strings.Join(rep.Errors, "; ")
	case len(rep.Warnings) > 0:
		rep.Message = "Validation completed with warnings: " + strings.Join(rep.Warnings, "; ")
	default:
		rep.Message = "Validation completed successfully"
	}
}

// Success reports whether no rule hard-errored.
func (rep Report) Success() bool {
	return len(rep.Errors) == 0
}

// Static converts the report into its TaskResult form.
func (rep Report) Static() models.StaticValidation {
	return models.StaticValidation{
		Success:  rep.Success(),
		Score:    rep.Score,
		MaxScore: rep.MaxScore,
		Errors:   nonNil(rep.Errors),
		Warnings: nonNil(rep.Warnings),
		Message:  rep.Message,
		Results:  rep.Results,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// EvaluateAll evaluates every rule in order. Each html rule with a readable
// file is followed by a separately scored syntax check.
func (in *Interpreter) EvaluateAll(rs models.RuleSet, root fs.FS) Report {
	var rep Report
	for _, r := range rs {
		rep.add(in.Evaluate(r, root))
		if r.DecodeError == "" && r.Type == models.RuleHTML && r.File != "" {
			if doc, err := readFile(root, r.File); err == nil {
				rep.add(syntaxResult(r, doc))
			}
		}
	}
	rep.finish()
	return rep
}

func syntaxResult(r models.Rule, doc string) models.ValidationResult {
	pts := r.SyntaxPoints
	if pts < 0 {
		pts = 0
	}
	res := models.ValidationResult{Name: "HTML syntax: " + r.File, MaxPoints: pts}
	if issues := SyntaxCheck(doc); len(issues) > 0 {
		res.Message = strings.Join(issues, "; ")
		return res
	}
	res.Passed = true
	res.Points = pts
	res.Message = "markup is well formed"
	return res
}
