// Package recipes provides configurable crawl recipes for the common ways a
// source publishes: an RSS/Atom feed, a dated HTML page, or an xkcd-style JSON
// document. A catalogue entry picks one by Kind and fills in its selectors.
package recipes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/JakeFAU/comics-crawler/internal/crawler"
)

// Recipe kinds.
const (
	KindFeed = "feed"
	KindPage = "page"
	KindJSON = "json"
)

// ErrUnknownKind is returned for a Definition whose Kind is not supported.
var ErrUnknownKind = errors.New("unknown recipe kind")

// Definition configures one generic recipe.
type Definition struct {
	Kind string `mapstructure:"kind"`
	// URL of the feed, page or JSON document. Page and JSON URLs may hold
	// Go time layouts in braces, e.g. "https://example.com/{2006/01/02}/".
	URL string `mapstructure:"url"`
	// Tag keeps only feed entries carrying this category.
	Tag string `mapstructure:"tag"`
	// Selector finds the image nodes; Attr is read from them (default "src").
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
	// Multiple allows more than one image per release.
	Multiple bool `mapstructure:"multiple"`
	// TitleSelector and TextSelector read text from the page or entry.
	TitleSelector string `mapstructure:"title_selector"`
	TextSelector  string `mapstructure:"text_selector"`
	// TextAttr reads the image text from an attribute of the image node,
	// e.g. "title" for hover text.
	TextAttr string `mapstructure:"text_attr"`
	// EntryTitle uses the feed entry title as image title.
	EntryTitle bool `mapstructure:"entry_title"`
	// JSON field names. Defaults follow the xkcd API.
	ImageField string `mapstructure:"image_field"`
	TitleField string `mapstructure:"title_field"`
	TextField  string `mapstructure:"text_field"`
}

// New builds the recipe described by def. loc is the source's zone, used to
// match feed entries and render URL templates.
func New(def Definition, loc *time.Location) (crawler.Recipe, error) {
	if loc == nil {
		loc = time.UTC
	}
	if strings.TrimSpace(def.URL) == "" {
		return nil, errors.New("recipe url is required")
	}
	if def.Attr == "" {
		def.Attr = "src"
	}
	switch strings.ToLower(def.Kind) {
	case KindFeed:
		if def.Selector == "" {
			def.Selector = "img"
		}
		return &feedRecipe{def: def, loc: loc}, nil
	case KindPage:
		if def.Selector == "" {
			return nil, errors.New("page recipe needs a selector")
		}
		return &pageRecipe{def: def, loc: loc}, nil
	case KindJSON:
		if def.ImageField == "" {
			def.ImageField = "img"
		}
		if def.TitleField == "" {
			def.TitleField = "safe_title"
		}
		if def.TextField == "" {
			def.TextField = "alt"
		}
		return &jsonRecipe{def: def, loc: loc}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, def.Kind)
	}
}

// RenderURL replaces every {layout} in template with date formatted by that
// Go time layout.
func RenderURL(template string, date civil.Date, loc *time.Location) (string, error) {
	at := date.In(loc)
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated layout in url template %q", template)
		}
		b.WriteString(rest[:open])
		b.WriteString(at.Format(rest[open+1 : open+end]))
		rest = rest[open+end+1:]
	}
}
