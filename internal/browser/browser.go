// Package browser drives a headless browser through scripted user actions and
// evaluates assertions against the resulting page.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Page operations when a selector matches nothing.
var ErrNotFound = errors.New("element not found")

// ErrUnsupportedOperation is returned for actions whose operation the runner
// does not know. The action fails its script instead of being skipped.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Page is a single browser tab. Selectors are CSS selectors, or "text=<value>"
// to match elements whose own text contains value.
type Page interface {
	// Navigate loads url and returns the HTTP status of the main document.
	Navigate(ctx context.Context, url string) (int, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Count(ctx context.Context, selector string) (int, error)
	// Texts returns the text content of every element matching selector.
	Texts(ctx context.Context, selector string) ([]string, error)
	Content(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Driver opens pages on a shared browser instance.
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Selector maps a selector type and value to a page selector. Unknown types
// pass the value through unchanged; an empty type means class.
func Selector(selectorType, value string) string {
	switch strings.ToLower(strings.TrimSpace(selectorType)) {
	case "", "class":
		return "." + value
	case "id":
		return "#" + value
	case "name":
		return fmt.Sprintf("[name=%q]", value)
	case "type":
		return fmt.Sprintf("[type=%q]", value)
	case "text":
		return "text=" + value
	case "css", "tag":
		return value
	}
	return value
}

// TextSelector reports whether selector is a text match and returns the text.
func TextSelector(selector string) (string, bool) {
	return strings.CutPrefix(selector, "text=")
}
