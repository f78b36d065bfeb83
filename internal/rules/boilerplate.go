package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// StructNode is one element of an expected_structure tree. In JSON, an
// object key names a tag; inside it, string values are attributes (or the
// element text under "text") and object values are child elements.
type StructNode struct {
	Tag      string
	Attrs    []StructAttr
	Text     string
	Children []*StructNode
}

// StructAttr is a required attribute. An empty Value only requires presence.
type StructAttr struct {
	Key   string
	Value string
}

// ParseStructure decodes an expected_structure document, keeping key order.
func ParseStructure(raw json.RawMessage) ([]*StructNode, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	root := &StructNode{}
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch tok {
	case json.Delim('{'):
		if err := parseBody(dec, root, true); err != nil {
			return nil, err
		}
	case json.Delim('['):
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return nil, err
			}
			if t != json.Delim('{') {
				return nil, fmt.Errorf("expected object in structure list, got %v", t)
			}
			if err := parseBody(dec, root, true); err != nil {
				return nil, err
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	return root.Children, nil
}

// parseBody reads the members of an object whose opening brace has been
// consumed, through the closing brace.
func parseBody(dec *json.Decoder, node *StructNode, top bool) error {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		switch v := tok.(type) {
		case json.Delim:
			child := &StructNode{Tag: strings.ToLower(key)}
			if v == '{' {
				if err := parseBody(dec, child, false); err != nil {
					return err
				}
			} else {
				if err := parseList(dec, child); err != nil {
					return err
				}
			}
			node.Children = append(node.Children, child)
		case string:
			switch {
			case top:
				node.Children = append(node.Children, &StructNode{Tag: strings.ToLower(key), Text: v})
			case key == "text":
				node.Text = v
			default:
				node.Attrs = append(node.Attrs, StructAttr{Key: strings.ToLower(key), Value: v})
			}
		case json.Number:
			if top {
				node.Children = append(node.Children, &StructNode{Tag: strings.ToLower(key)})
			} else {
				node.Attrs = append(node.Attrs, StructAttr{Key: strings.ToLower(key), Value: v.String()})
			}
		default:
			if top {
				node.Children = append(node.Children, &StructNode{Tag: strings.ToLower(key)})
			} else {
				node.Attrs = append(node.Attrs, StructAttr{Key: strings.ToLower(key)})
			}
		}
	}
	_, err := dec.Token()
	return err
}

// parseList reads an array of child-spec objects into node.
func parseList(dec *json.Decoder, node *StructNode) error {
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		switch t {
		case json.Delim('{'):
			if err := parseBody(dec, node, false); err != nil {
				return err
			}
		case json.Delim('['):
			return fmt.Errorf("nested lists are not supported in expected_structure")
		}
	}
	_, err := dec.Token()
	return err
}

// MatchStructure checks doc against the expected tree and returns the
// deepest mismatch found, or "" when every top-level node is satisfied.
func MatchStructure(doc string, nodes []*StructNode) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return fmt.Sprintf("cannot parse HTML: %v", err)
	}
	for _, n := range nodes {
		if ok, msg, _ := matchNode(root, n, 0); !ok {
			return msg
		}
	}
	return ""
}

func matchNode(ctx *html.Node, spec *StructNode, depth int) (bool, string, int) {
	var tagged, cands []*html.Node
	descendants(ctx, func(n *html.Node) {
		if n.Data != spec.Tag {
			return
		}
		tagged = append(tagged, n)
		if attrsMatch(n, spec.Attrs) {
			cands = append(cands, n)
		}
	})
	where := nodeLabel(ctx)
	if len(tagged) == 0 {
		return false, fmt.Sprintf("<%s> not found inside %s", spec.Tag, where), depth
	}
	if len(cands) == 0 {
		return false, fmt.Sprintf("<%s%s> not found inside %s", spec.Tag, attrsLabel(spec.Attrs), where), depth
	}

	best, bestDepth := "", -1
	for _, c := range cands {
		if spec.Text != "" && !strings.Contains(textContent(c), spec.Text) {
			if depth > bestDepth {
				best, bestDepth = fmt.Sprintf("<%s> does not contain text %q", spec.Tag, spec.Text), depth
			}
			continue
		}
		ok := true
		for _, child := range spec.Children {
			childOK, msg, d := matchNode(c, child, depth+1)
			if !childOK {
				ok = false
				if d > bestDepth {
					best, bestDepth = msg, d
				}
				break
			}
		}
		if ok {
			return true, "", depth
		}
	}
	return false, best, bestDepth
}

func descendants(n *html.Node, visit func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			visit(c)
		}
		descendants(c, visit)
	}
}

func attrsMatch(n *html.Node, want []StructAttr) bool {
	for _, a := range want {
		got, ok := attr(n, a.Key)
		if !ok {
			return false
		}
		if a.Value == "" {
			continue
		}
		if a.Key == "class" {
			for _, cls := range strings.Fields(a.Value) {
				if !hasClassField(n, cls) {
					return false
				}
			}
			continue
		}
		if got != a.Value {
			return false
		}
	}
	return true
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func nodeLabel(n *html.Node) string {
	if n.Type != html.ElementNode {
		return "document"
	}
	return "<" + n.Data + attrsLabel(nodeAttrs(n)) + ">"
}

func nodeAttrs(n *html.Node) []StructAttr {
	var out []StructAttr
	for _, a := range n.Attr {
		if a.Key == "class" || a.Key == "id" {
			out = append(out, StructAttr{Key: a.Key, Value: a.Val})
		}
	}
	return out
}

func attrsLabel(attrs []StructAttr) string {
	var b strings.Builder
	for _, a := range attrs {
		if a.Value == "" {
			fmt.Fprintf(&b, " %s", a.Key)
			continue
		}
		fmt.Fprintf(&b, " %s=%q", a.Key, a.Value)
	}
	return b.String()
}
