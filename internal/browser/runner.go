package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/runlog"
)

// Status is the overall outcome of a script.
type Status string

const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusError Status = "ERROR"
)

// ScriptResult is the outcome of one browser script.
type ScriptResult struct {
	Status      Status                    `json:"status"`
	Results     []models.ValidationResult `json:"validation_results"`
	ActionLogs  []string                  `json:"action_logs"`
	Screenshots []string                  `json:"screenshots"`
	Errors      []string                  `json:"errors,omitempty"`
	Message     string                    `json:"message"`
}

// Validation converts the result into the task result's browser section,
// awarding points only on PASS.
func (r ScriptResult) Validation(points int) models.BrowserValidation {
	v := models.BrowserValidation{
		Success:     r.Status == StatusPass,
		Status:      string(r.Status),
		MaxScore:    points,
		Screenshots: r.Screenshots,
		Message:     r.Message,
		Errors:      r.Errors,
		Results:     r.Results,
	}
	if v.Screenshots == nil {
		v.Screenshots = []string{}
	}
	if v.Success {
		v.Score = points
	}
	return v
}

// Runner executes browser scripts. Each script gets its own page, closed
// when the script returns.
type Runner struct {
	Driver Driver
	// Settle is the pause after each action.
	Settle time.Duration
	Log    *runlog.Logger
}

// NewRunner creates a Runner over d.
func NewRunner(d Driver, settle time.Duration, log *runlog.Logger) *Runner {
	return &Runner{Driver: d, Settle: settle, Log: log}
}

// RunScript navigates to route, performs the actions in order, then
// evaluates every assertion against the final page. Screenshots are written
// to dir. Failures never escape as errors: they are reported as FAIL or ERROR.
func (r *Runner) RunScript(ctx context.Context, baseURL string, test *models.BrowserTest, dir string, timeout time.Duration) (res ScriptResult) {
	res = ScriptResult{Results: []models.ValidationResult{}, ActionLogs: []string{}, Screenshots: []string{}}
	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusError
			res.Errors = append(res.Errors, fmt.Sprintf("browser script panicked: %v", p))
			res.Message = "UI test errored: " + strings.Join(res.Errors, "; ")
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.Log.Warn("creating screenshot dir: %v", err)
	}

	page, err := r.Driver.NewPage(ctx)
	if err != nil {
		res.Status = StatusError
		res.Errors = []string{fmt.Sprintf("opening page: %v", err)}
		res.Message = "UI test errored: " + res.Errors[0]
		return res
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.Log.Warn("closing page: %v", err)
		}
	}()

	url := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(test.Route, "/")
	r.Log.Info("Navigating to %s", url)
	status, err := page.Navigate(ctx, url)
	if err != nil {
		res.Status = StatusError
		res.Errors = []string{fmt.Sprintf("navigating to %s: %v", url, err)}
		r.shot(ctx, page, dir, "failure", &res)
		res.Message = "UI test errored: " + res.Errors[0]
		return res
	}
	r.Log.Info("Navigation response: %d", status)
	r.shot(ctx, page, dir, "initial", &res)

	for i, a := range test.Actions {
		logLine, err := r.perform(ctx, page, a)
		if logLine != "" {
			res.ActionLogs = append(res.ActionLogs, logLine)
			r.Log.Check("Action %d: %s", i+1, logLine)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Action %d failed: %v", i+1, err))
			r.Log.Warn("Action %d failed: %v", i+1, err)
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnsupportedOperation) {
				res.Status = StatusError
			}
		}
		r.settle(ctx)
		r.shot(ctx, page, dir, fmt.Sprintf("step_%d", i+1), &res)
	}

	for _, as := range test.Assertions() {
		vr := r.assert(ctx, page, as, status)
		res.Results = append(res.Results, vr)
		if !vr.Passed {
			res.Errors = append(res.Errors, vr.Message)
		}
		r.Log.Check("%s: %s", vr.Name, vr.Message)
	}

	r.shot(ctx, page, dir, "final", &res)

	switch {
	case res.Status == StatusError:
	case len(res.Errors) == 0:
		res.Status = StatusPass
	default:
		res.Status = StatusFail
	}
	switch res.Status {
	case StatusPass:
		res.Message = "UI test completed successfully"
	case StatusError:
		r.shot(ctx, page, dir, "failure", &res)
		res.Message = "UI test errored: " + strings.Join(res.Errors, "; ")
	default:
		r.shot(ctx, page, dir, "failure", &res)
		res.Message = "UI test failed: " + strings.Join(res.Errors, "; ")
	}
	r.Log.Result("Browser script %s", res.Status)
	return res
}

func (r *Runner) perform(ctx context.Context, page Page, a models.Action) (string, error) {
	sel := Selector(a.SelectorType, a.SelectorValue)
	switch a.Op() {
	case models.OpFill:
		value := a.FillValue()
		if err := requirePresent(ctx, page, sel); err != nil {
			return "", fmt.Errorf("element %s: %w", a.SelectorValue, err)
		}
		if err := page.Fill(ctx, sel, value); err != nil {
			return "", fmt.Errorf("filling %s: %w", sel, err)
		}
		return fmt.Sprintf("filled %s with %q", sel, value), nil
	case models.OpClick:
		if err := requirePresent(ctx, page, sel); err != nil {
			return "", fmt.Errorf("click element %s: %w", a.SelectorValue, err)
		}
		if err := page.Click(ctx, sel); err != nil {
			return "", fmt.Errorf("clicking %s: %w", sel, err)
		}
		return "clicked " + sel, nil
	case models.OpCheck:
		if err := requirePresent(ctx, page, sel); err != nil {
			return "", fmt.Errorf("element %s: %w", a.SelectorValue, err)
		}
		return "found " + sel, nil
	case models.OpNone:
		r.Log.Warn("Action on %s has no operation, skipped", sel)
		return "", nil
	}
	return "", fmt.Errorf("%w %q on %s", ErrUnsupportedOperation, a.Operation, sel)
}

func requirePresent(ctx context.Context, page Page, sel string) error {
	n, err := page.Count(ctx, sel)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Runner) settle(ctx context.Context) {
	if r.Settle <= 0 {
		return
	}
	t := time.NewTimer(r.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// shot captures a checkpoint screenshot. Failures are logged and never
// affect the script outcome.
func (r *Runner) shot(ctx context.Context, page Page, dir, name string, res *ScriptResult) {
	path := filepath.Join(dir, name+".png")
	if err := page.Screenshot(ctx, path); err != nil {
		r.Log.Warn("screenshot %s failed: %v", name, err)
		return
	}
	res.Screenshots = append(res.Screenshots, path)
}

func (r *Runner) assert(ctx context.Context, page Page, as models.Assertion, status int) models.ValidationResult {
	value := string(as.Value)
	vr := models.ValidationResult{Name: fmt.Sprintf("%s %s", as.Type, value)}
	pass := func(msg string) models.ValidationResult {
		vr.Passed = true
		vr.Message = msg
		return vr
	}
	fail := func(msg string) models.ValidationResult {
		vr.Message = msg
		return vr
	}

	switch as.Type {
	case models.AssertTextPresent:
		if as.Tag != "" {
			texts, err := page.Texts(ctx, as.Tag)
			if err != nil {
				return fail(fmt.Sprintf("Error checking text in <%s>: %v", as.Tag, err))
			}
			for _, t := range texts {
				if strings.Contains(t, value) {
					return pass(fmt.Sprintf("Found '%s' in <%s>", value, as.Tag))
				}
			}
			return fail(fmt.Sprintf("Expected text '%s' not found in <%s> elements", value, as.Tag))
		}
		content, err := page.Content(ctx)
		if err != nil {
			return fail(fmt.Sprintf("Error reading page content: %v", err))
		}
		if !strings.Contains(content, value) {
			return fail(fmt.Sprintf("Expected text '%s' not found", value))
		}
		return pass(fmt.Sprintf("Found '%s'", value))

	case models.AssertStatusCode:
		expected, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			expected = http.StatusOK
		}
		if status != expected {
			return fail(fmt.Sprintf("Unexpected status code: %d (expected %d)", status, expected))
		}
		return pass(fmt.Sprintf("Status code %d", status))

	case models.AssertURLContains, models.AssertURLRedirect:
		u, err := page.URL(ctx)
		if err != nil {
			return fail(fmt.Sprintf("Error reading URL: %v", err))
		}
		if !containsFold(u, value) {
			return fail(fmt.Sprintf("Expected URL '%s' not found in %s", value, u))
		}
		return pass(fmt.Sprintf("URL %s contains '%s'", u, value))

	case models.AssertTitleContains:
		title, err := page.Title(ctx)
		if err != nil {
			return fail(fmt.Sprintf("Error reading title: %v", err))
		}
		if !containsFold(title, value) {
			return fail(fmt.Sprintf("Expected title containing '%s', got '%s'", value, title))
		}
		return pass(fmt.Sprintf("Title '%s' contains '%s'", title, value))

	case models.AssertElementPresent:
		sel := value
		if as.Tag != "" {
			sel = as.Tag
		}
		n, err := page.Count(ctx, sel)
		if err != nil {
			return fail(fmt.Sprintf("Error checking element %s: %v", sel, err))
		}
		if n == 0 {
			return fail(fmt.Sprintf("Element %s not found", sel))
		}
		return pass(fmt.Sprintf("Found %d element(s) matching %s", n, sel))
	}
	return fail(fmt.Sprintf("Unknown assertion type '%s'", as.Type))
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
