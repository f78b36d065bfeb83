package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spachava753/flaskgrader/internal/models"
)

// DefaultPoints is the points value Template assigns per rule type.
var DefaultPoints = map[models.RuleType]int{
	models.RuleHTML:         10,
	models.RuleBoilerplate:  30,
	models.RuleRequirements: 5,
	models.RuleDatabase:     10,
	models.RuleSecurity:     15,
	models.RuleRuntime:      20,
	models.RuleStructure:    10,
}

// Template returns a skeleton rule of the given type with default points.
func Template(t models.RuleType) (models.Rule, error) {
	if !t.Valid() {
		return models.Rule{}, fmt.Errorf("unknown rule type %q", t)
	}
	r := models.Rule{Type: t, Points: DefaultPoints[t]}
	switch t {
	case models.RuleHTML:
		r.File = "templates/index.html"
		r.MustHaveElements = []string{"form", "input[type=submit]"}
	case models.RuleStructure:
		r.Paths = []string{"app.py", "templates/"}
	case models.RuleRequirements:
		r.File = "requirements.txt"
		r.MustHavePackages = []string{"flask"}
	case models.RuleDatabase:
		r.File = "instance/app.db"
		mustExist := true
		r.MustExist = &mustExist
	case models.RuleSecurity:
		r.File = "app.py"
		r.MustHaveSecurity = []string{"password hashing", "secret key"}
	case models.RuleRuntime:
		r.File = "app.py"
		r.MustHaveRoutes = []string{"/"}
	case models.RuleBoilerplate:
		r.File = "templates/base.html"
		r.ExpectedStructure = json.RawMessage(`{"div": {"class": "container"}}`)
	}
	return r, nil
}

// Lint reports problems with a rule definition. An empty result means the
// rule is complete.
func Lint(r models.Rule) []string {
	if r.DecodeError != "" {
		return []string{r.DecodeError}
	}
	var problems []string
	if r.Type == "" {
		return []string{"missing required field: type"}
	}
	if !r.Type.Valid() {
		return []string{fmt.Sprintf("unknown rule type %q", r.Type)}
	}
	if r.Type != models.RuleStructure && r.File == "" {
		problems = append(problems, "missing required field: file")
	}
	if r.Points <= 0 {
		problems = append(problems, "points must be a positive integer")
	}

	switch r.Type {
	case models.RuleHTML:
		if len(r.MustHaveElements)+len(r.MustHaveClasses)+len(r.MustHaveContent)+len(r.MustHaveInputs) == 0 {
			problems = append(problems, "html rule needs at least one of mustHaveElements, mustHaveClasses, mustHaveContent, mustHaveInputs")
		}
	case models.RuleRequirements:
		if len(r.MustHavePackages) == 0 {
			problems = append(problems, "missing required field: mustHavePackages")
		}
	case models.RuleDatabase:
		if r.MustExist == nil {
			problems = append(problems, "missing required field: mustExist")
		}
	case models.RuleSecurity:
		if len(r.MustHaveSecurity) == 0 {
			problems = append(problems, "missing required field: mustHaveSecurity")
		}
		for _, f := range r.MustHaveSecurity {
			if _, ok := securitySignatures[strings.ToLower(strings.TrimSpace(f))]; !ok {
				problems = append(problems, fmt.Sprintf("unknown security feature %q (known: %s)", f, strings.Join(SecurityFeatures, ", ")))
			}
		}
	case models.RuleRuntime:
		if len(r.MustHaveRoutes) == 0 {
			problems = append(problems, "missing required field: mustHaveRoutes")
		}
	case models.RuleBoilerplate:
		if len(r.ExpectedStructure) == 0 {
			problems = append(problems, "missing required field: expected_structure")
		} else if _, err := ParseStructure(r.ExpectedStructure); err != nil {
			problems = append(problems, fmt.Sprintf("invalid expected_structure: %v", err))
		}
	case models.RuleStructure:
		if len(StructurePaths(r)) == 0 && len(r.Checks) > 0 {
			problems = append(problems, "structure checks contain no recognisable paths")
		}
	}
	return problems
}
