package rules

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// Elements whose end tag HTML allows to be omitted.
var optionalClose = map[string]bool{
	"p": true, "li": true, "option": true, "td": true, "th": true,
	"tr": true, "dt": true, "dd": true, "thead": true, "tbody": true,
}

// SyntaxCheck streams doc through a tokenizer and reports unclosed and
// mismatched tags. An empty result means the markup is balanced.
func SyntaxCheck(doc string) []string {
	var (
		stack  []string
		issues []string
	)
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				issues = append(issues, fmt.Sprintf("tokenizer error: %v", err))
			}
			for i := len(stack) - 1; i >= 0; i-- {
				if !optionalClose[stack[i]] {
					issues = append(issues, fmt.Sprintf("unclosed <%s>", stack[i]))
				}
			}
			return issues
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				continue
			}
			stack = append(stack, tag)
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				continue
			}
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == tag {
					idx = i
					break
				}
			}
			if idx < 0 {
				issues = append(issues, fmt.Sprintf("unexpected closing tag </%s>", tag))
				continue
			}
			for i := len(stack) - 1; i > idx; i-- {
				if !optionalClose[stack[i]] {
					issues = append(issues, fmt.Sprintf("<%s> closed by </%s>", stack[i], tag))
				}
			}
			stack = stack[:idx]
		}
	}
}
