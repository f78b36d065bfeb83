package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spachava753/flaskgrader/internal/models"
)

// CaseResult is the outcome of one ui_tests case.
type CaseResult struct {
	Route       string  `json:"route"`
	Test        string  `json:"test"`
	Status      Status  `json:"status"`
	DurationSec float64 `json:"duration"`
	Error       string  `json:"error,omitempty"`
	Screenshot  string  `json:"screenshot,omitempty"`
	Points      int     `json:"points"`
	MaxPoints   int     `json:"max_points"`
}

const (
	defaultCaseTimeout = 10 * time.Second
	elementWait        = 5 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// RunSuite executes route-scoped ui_tests. Each route gets one page shared by
// its cases, which run in declaration order.
func (r *Runner) RunSuite(ctx context.Context, baseURL string, tests []models.UITest, dir string) []CaseResult {
	var out []CaseResult
	for _, t := range tests {
		out = append(out, r.runRoute(ctx, baseURL, t, dir)...)
	}
	return out
}

func (r *Runner) runRoute(ctx context.Context, baseURL string, t models.UITest, dir string) []CaseResult {
	r.Log.Info("Testing route: %s", t.Route)
	maxPoints := 0
	for _, c := range t.TestCases {
		maxPoints += c.CasePoints()
	}

	page, err := r.Driver.NewPage(ctx)
	if err != nil {
		return []CaseResult{{Route: t.Route, Test: "Route Navigation", Status: StatusFail, Error: err.Error(), MaxPoints: maxPoints}}
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.Log.Warn("closing page: %v", err)
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, defaultCaseTimeout)
	_, err = page.Navigate(navCtx, strings.TrimRight(baseURL, "/")+t.Route)
	cancel()
	if err != nil {
		r.Log.Error("Error testing route %s: %v", t.Route, err)
		return []CaseResult{{Route: t.Route, Test: "Route Navigation", Status: StatusFail, Error: err.Error(), MaxPoints: maxPoints}}
	}

	if t.PageTitle != "" {
		if title, err := page.Title(ctx); err != nil || title != t.PageTitle {
			r.Log.Warn("Page title mismatch: expected %q, got %q", t.PageTitle, title)
		} else {
			r.Log.Info("Page title verified: %s", title)
		}
	}

	results := make([]CaseResult, 0, len(t.TestCases))
	for _, c := range t.TestCases {
		results = append(results, r.runCase(ctx, page, t.Route, c, dir))
	}
	return results
}

func (r *Runner) runCase(ctx context.Context, page Page, route string, c models.UITestCase, dir string) CaseResult {
	name := c.Name
	if name == "" {
		name = "Unknown Test"
	}
	timeout := defaultCaseTimeout
	if c.TimeoutSec > 0 {
		timeout = time.Duration(c.TimeoutSec) * time.Second
	}
	res := CaseResult{Route: route, Test: name, MaxPoints: c.CasePoints()}
	r.Log.Info("Running test case: %s", name)

	start := time.Now()
	err := r.caseSteps(ctx, page, c, timeout)
	res.DurationSec = time.Since(start).Seconds()

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", safeName(route), safeName(name)))
	if serr := page.Screenshot(ctx, path); serr != nil {
		r.Log.Warn("Failed to capture screenshot: %v", serr)
	} else {
		res.Screenshot = path
	}

	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
		r.Log.Error("Test case '%s' FAILED: %v", name, err)
		return res
	}
	res.Status = StatusPass
	res.Points = res.MaxPoints
	r.Log.Check("Test case '%s' PASSED in %.2fs", name, res.DurationSec)
	return res
}

func (r *Runner) caseSteps(ctx context.Context, page Page, c models.UITestCase, timeout time.Duration) error {
	if len(c.Identifiers) > 0 {
		if err := r.formSteps(ctx, page, c.Identifiers); err != nil {
			return err
		}
		if err := r.expect(ctx, page, c.ExpectedResult, timeout); err != nil {
			return err
		}
	}
	if len(c.Actions) > 0 {
		if err := r.actionSteps(ctx, page, c.Actions); err != nil {
			return err
		}
		if err := r.expect(ctx, page, c.ExpectedResult, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) formSteps(ctx context.Context, page Page, ids []models.Identifier) error {
	for _, id := range ids {
		idType := id.IdentifierType
		if idType == "" {
			idType = "class"
		}
		sel := Selector(idType, id.IdentifierName)

		err := waitFor(ctx, elementWait, func() (bool, error) {
			n, err := page.Count(ctx, sel)
			return n > 0, err
		})
		if err == nil {
			switch id.Type {
			case "", "short_text", "text", "email", "password":
				if id.InputValue != "" {
					err = page.Fill(ctx, sel, id.InputValue)
					if err == nil {
						r.Log.Info("Filled field '%s' with: %s", id.IdentifierName, id.InputValue)
					}
				} else if id.Required {
					return fmt.Errorf("required field '%s' missing input value", id.IdentifierName)
				}
			case "button":
				if id.Action == "" || id.Action == "click" {
					err = page.Click(ctx, sel)
					if err == nil {
						r.Log.Info("Clicked button '%s'", id.IdentifierName)
					}
				} else {
					r.Log.Info("Verified button '%s' exists", id.IdentifierName)
				}
			}
		}
		if err != nil {
			if id.Required {
				return fmt.Errorf("required element '%s' not found or not interactable: %w", id.IdentifierName, err)
			}
			r.Log.Warn("Optional element '%s' not found: %v", id.IdentifierName, err)
		}
		r.settle(ctx)
	}
	return nil
}

func (r *Runner) actionSteps(ctx context.Context, page Page, actions []models.UIAction) error {
	for _, a := range actions {
		idType := a.IdentifierType
		if idType == "" {
			idType = "class"
		}
		sel := Selector(idType, a.IdentifierName)

		var err error
		switch a.CheckType {
		case "", "exists":
			err = requirePresent(ctx, page, sel)
		case "click":
			if err = requirePresent(ctx, page, sel); err == nil {
				err = page.Click(ctx, sel)
			}
		case "text_contains":
			var texts []string
			texts, err = page.Texts(ctx, sel)
			if err == nil && !anyContains(texts, a.IdentifierName) {
				err = fmt.Errorf("text '%s' not found in element", a.IdentifierName)
			}
		default:
			err = fmt.Errorf("unknown check type %q", a.CheckType)
		}
		if err != nil {
			return fmt.Errorf("action failed - %s: %w", a.Description, err)
		}
		r.Log.Info("Verified: %s", a.Description)
		r.settle(ctx)
	}
	return nil
}

// expect waits up to timeout for the page to reach the expected result.
func (r *Runner) expect(ctx context.Context, page Page, want models.ExpectedResult, timeout time.Duration) error {
	var cond func() (bool, error)
	switch want.Type {
	case "redirect":
		cond = func() (bool, error) {
			u, err := page.URL(ctx)
			return strings.Contains(u, want.URLContains), err
		}
	case "error":
		if want.ErrorContains != "" {
			cond = textVisible(ctx, page, want.ErrorContains)
		}
	case "", "success":
		if want.SuccessMessage != "" {
			cond = textVisible(ctx, page, want.SuccessMessage)
		}
	default:
		return fmt.Errorf("unknown expected result type %q", want.Type)
	}
	if cond == nil {
		return nil
	}
	if err := waitFor(ctx, timeout, cond); err != nil {
		return fmt.Errorf("expected result not achieved: %w", err)
	}
	return nil
}

func textVisible(ctx context.Context, page Page, text string) func() (bool, error) {
	return func() (bool, error) {
		n, err := page.Count(ctx, "text="+text)
		return n > 0, err
	}
}

var errWaitTimeout = errors.New("timed out")

// waitFor polls cond until it reports true, the timeout elapses or ctx ends.
// Errors from cond are retried; the last one is returned on timeout.
func waitFor(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var last error
	for {
		ok, err := cond()
		if ok && err == nil {
			return nil
		}
		last = err
		if time.Now().After(deadline) {
			if last != nil {
				return fmt.Errorf("%w: %v", errWaitTimeout, last)
			}
			return errWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// SuiteChecks converts case results into scored checks.
func SuiteChecks(results []CaseResult) []models.ValidationResult {
	out := make([]models.ValidationResult, 0, len(results))
	for _, c := range results {
		msg := string(c.Status)
		if c.Error != "" {
			msg = c.Error
		}
		out = append(out, models.ValidationResult{
			Name:      fmt.Sprintf("UI %s: %s", c.Route, c.Test),
			Passed:    c.Status == StatusPass,
			Points:    c.Points,
			MaxPoints: c.MaxPoints,
			Message:   msg,
		})
	}
	return out
}

func anyContains(texts []string, sub string) bool {
	for _, t := range texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

func safeName(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
