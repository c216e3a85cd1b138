package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selector lookup failures.
var (
	ErrNoMatch         = errors.New("no element matches selector")
	ErrMultipleMatches = errors.New("multiple elements match selector")
)

// QueryOption adjusts a single-value lookup.
type QueryOption func(*query)

type query struct {
	fallback      *string
	allowMultiple bool
}

// WithDefault returns v instead of ErrNoMatch when nothing matches.
func WithDefault(v string) QueryOption {
	return func(q *query) {
		q.fallback = &v
	}
}

// AllowMultiple takes the first match instead of failing with ErrMultipleMatches.
func AllowMultiple() QueryOption {
	return func(q *query) {
		q.allowMultiple = true
	}
}

// Node is a parsed HTML fragment with selector helpers.
type Node struct {
	sel  *goquery.Selection
	base *url.URL
}

// NewNode parses an HTML fragment. base resolves relative src and href values; it may be nil.
func NewNode(html string, base *url.URL) (Node, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Node{}, fmt.Errorf("parse html: %w", err)
	}
	return Node{sel: doc.Selection, base: base}, nil
}

// Selection exposes the underlying goquery selection.
func (n Node) Selection() *goquery.Selection {
	return n.sel
}

// Value returns attr (or the text when attr is empty) of the single node matching selector.
func (n Node) Value(selector, attr string, opts ...QueryOption) (string, error) {
	q := query{}
	for _, opt := range opts {
		opt(&q)
	}
	matches := n.sel.Find(selector)
	switch {
	case matches.Length() == 0:
		if q.fallback != nil {
			return *q.fallback, nil
		}
		return "", fmt.Errorf("%q: %w", selector, ErrNoMatch)
	case matches.Length() > 1 && !q.allowMultiple:
		return "", fmt.Errorf("%q matched %d elements: %w", selector, matches.Length(), ErrMultipleMatches)
	}
	value, ok := n.extract(matches.First(), attr)
	if !ok {
		if q.fallback != nil {
			return *q.fallback, nil
		}
		return "", fmt.Errorf("%q has no attribute %q: %w", selector, attr, ErrNoMatch)
	}
	return value, nil
}

// Values returns attr (or text) of every node matching selector, in document order.
func (n Node) Values(selector, attr string) []string {
	var out []string
	n.sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if value, ok := n.extract(s, attr); ok {
			out = append(out, value)
		}
	})
	return out
}

// Src returns the resolved src attribute of the single match.
func (n Node) Src(selector string, opts ...QueryOption) (string, error) {
	return n.Value(selector, "src", opts...)
}

// Href returns the resolved href attribute of the single match.
func (n Node) Href(selector string, opts ...QueryOption) (string, error) {
	return n.Value(selector, "href", opts...)
}

// Alt returns the alt attribute of the single match.
func (n Node) Alt(selector string, opts ...QueryOption) (string, error) {
	return n.Value(selector, "alt", opts...)
}

// Title returns the title attribute of the single match.
func (n Node) Title(selector string, opts ...QueryOption) (string, error) {
	return n.Value(selector, "title", opts...)
}

// Text returns the trimmed text content of the single match.
func (n Node) Text(selector string, opts ...QueryOption) (string, error) {
	return n.Value(selector, "", opts...)
}

// All returns every node matching selector, in document order.
func (n Node) All(selector string) []Node {
	var out []Node
	n.sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, Node{sel: s, base: n.base})
	})
	return out
}

// Attr returns attr (or the text when attr is empty) of the node itself.
func (n Node) Attr(attr string) (string, bool) {
	return n.extract(n.sel, attr)
}

func (n Node) extract(s *goquery.Selection, attr string) (string, bool) {
	if attr == "" {
		return strings.TrimSpace(s.Text()), true
	}
	value, ok := s.Attr(attr)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if attr == "src" || attr == "href" {
		value = n.resolve(value)
	}
	return value, true
}

func (n Node) resolve(ref string) string {
	if n.base == nil || ref == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return n.base.ResolveReference(u).String()
}
