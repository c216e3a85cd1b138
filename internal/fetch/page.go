package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Page is a lazily fetched HTML document.
type Page struct {
	session *Session
	url     string

	mu   sync.Mutex
	node *Node
}

// URL returns the page address.
func (p *Page) URL() string {
	return p.url
}

// Root fetches and parses the page on first use and returns its root node.
// A failed load is not cached, so a later call retries.
func (p *Page) Root(ctx context.Context) (Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.node != nil {
		return *p.node, nil
	}
	resp, err := p.session.Get(ctx, p.url)
	if err != nil {
		return Node{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Node{}, fmt.Errorf("parse page %s: %w", p.url, err)
	}
	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		base, _ = url.Parse(p.url)
	}
	p.node = &Node{sel: doc.Selection, base: base}
	return *p.node, nil
}

// Value is Node.Value on the page root.
func (p *Page) Value(ctx context.Context, selector, attr string, opts ...QueryOption) (string, error) {
	root, err := p.Root(ctx)
	if err != nil {
		return "", err
	}
	return root.Value(selector, attr, opts...)
}

// Values is Node.Values on the page root.
func (p *Page) Values(ctx context.Context, selector, attr string) ([]string, error) {
	root, err := p.Root(ctx)
	if err != nil {
		return nil, err
	}
	return root.Values(selector, attr), nil
}

// Src is Node.Src on the page root.
func (p *Page) Src(ctx context.Context, selector string, opts ...QueryOption) (string, error) {
	return p.Value(ctx, selector, "src", opts...)
}

// Href is Node.Href on the page root.
func (p *Page) Href(ctx context.Context, selector string, opts ...QueryOption) (string, error) {
	return p.Value(ctx, selector, "href", opts...)
}

// Text is Node.Text on the page root.
func (p *Page) Text(ctx context.Context, selector string, opts ...QueryOption) (string, error) {
	return p.Value(ctx, selector, "", opts...)
}

// Alt is Node.Alt on the page root.
func (p *Page) Alt(ctx context.Context, selector string, opts ...QueryOption) (string, error) {
	return p.Value(ctx, selector, "alt", opts...)
}

// Title is Node.Title on the page root.
func (p *Page) Title(ctx context.Context, selector string, opts ...QueryOption) (string, error) {
	return p.Value(ctx, selector, "title", opts...)
}

// Texts returns the text of every node matching selector.
func (p *Page) Texts(ctx context.Context, selector string) ([]string, error) {
	return p.Values(ctx, selector, "")
}
