package rules

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ElementMatcher answers presence questions about an HTML document. Patterns
// passed to HasElement take one of three forms: "tag", "tag.class" or
// "tag[attr=value]".
type ElementMatcher interface {
	HasElement(doc, pattern string) bool
	HasClass(doc, class string) bool
	HasInput(doc, name string) bool
}

type elementPattern struct {
	Tag   string
	Class string
	Attr  string
	Value string
}

var attrPatternRe = regexp.MustCompile(`^([\w\-]*)\[\s*([\w\-:]+)\s*(?:=\s*["']?([^"'\]]*)["']?)?\s*\]$`)

func parseElementPattern(p string) elementPattern {
	p = strings.TrimSpace(p)
	if m := attrPatternRe.FindStringSubmatch(p); m != nil {
		return elementPattern{Tag: strings.ToLower(m[1]), Attr: strings.ToLower(m[2]), Value: m[3]}
	}
	if tag, class, ok := strings.Cut(p, "."); ok {
		return elementPattern{Tag: strings.ToLower(tag), Class: class}
	}
	return elementPattern{Tag: strings.ToLower(strings.Trim(p, "<>/ "))}
}

// RegexMatcher inspects the raw document text with regular expressions. It
// tolerates template syntax a parser would trip over.
type RegexMatcher struct{}

func (RegexMatcher) HasElement(doc, pattern string) bool {
	ep := parseElementPattern(pattern)
	tag := `[\w\-]+`
	if ep.Tag != "" {
		tag = regexp.QuoteMeta(ep.Tag)
	}
	var expr string
	switch {
	case ep.Attr != "" && ep.Value != "":
		expr = `(?is)<` + tag + `\b[^>]*\b` + regexp.QuoteMeta(ep.Attr) + `\s*=\s*["']?` + regexp.QuoteMeta(ep.Value) + `["'\s>/]`
	case ep.Attr != "":
		expr = `(?is)<` + tag + `\b[^>]*\b` + regexp.QuoteMeta(ep.Attr) + `\b`
	case ep.Class != "":
		expr = `(?is)<` + tag + `\b[^>]*\bclass\s*=\s*["'][^"']*\b` + regexp.QuoteMeta(ep.Class) + `\b[^"']*["']`
	default:
		expr = `(?i)<` + tag + `[\s>/]`
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(doc)
}

var classAttrRe = regexp.MustCompile(`(?is)\bclass\s*=\s*["']([^"']*)["']`)

func (RegexMatcher) HasClass(doc, class string) bool {
	for _, m := range classAttrRe.FindAllStringSubmatch(doc, -1) {
		if classMatches(m[1], class) {
			return true
		}
	}
	return false
}

// classMatches reports whether class occurs in a class attribute value on
// word boundaries, so "btn" matches "btn-primary".
func classMatches(value, class string) bool {
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(class) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func (RegexMatcher) HasInput(doc, name string) bool {
	re := regexp.MustCompile(`(?is)<(?:input|textarea|select)\b[^>]*\bname\s*=\s*["']` + regexp.QuoteMeta(name) + `["']`)
	return re.MatchString(doc)
}

// DOMMatcher parses the document with golang.org/x/net/html and walks the
// resulting tree.
type DOMMatcher struct{}

func (DOMMatcher) HasElement(doc, pattern string) bool {
	ep := parseElementPattern(pattern)
	return findNode(doc, func(n *html.Node) bool {
		if ep.Tag != "" && n.Data != ep.Tag {
			return false
		}
		switch {
		case ep.Attr != "":
			v, ok := attr(n, ep.Attr)
			return ok && (ep.Value == "" || v == ep.Value)
		case ep.Class != "":
			return hasClassField(n, ep.Class)
		}
		return true
	})
}

func (DOMMatcher) HasClass(doc, class string) bool {
	return findNode(doc, func(n *html.Node) bool { return hasClassField(n, class) })
}

func (DOMMatcher) HasInput(doc, name string) bool {
	return findNode(doc, func(n *html.Node) bool {
		switch n.Data {
		case "input", "textarea", "select":
			v, ok := attr(n, "name")
			return ok && v == name
		}
		return false
	})
}

func findNode(doc string, match func(*html.Node) bool) bool {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return false
	}
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) {
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(root)
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClassField(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	return ok && classMatches(v, class)
}
