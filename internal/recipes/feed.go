package recipes

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/fetch"
)

type feedRecipe struct {
	def Definition
	loc *time.Location
}

// Crawl returns the images of the feed entries published on pubDate.
// Entries without a matching image are skipped.
func (r *feedRecipe) Crawl(ctx context.Context, session *fetch.Session, pubDate civil.Date) ([]comics.CrawlerImage, error) {
	entries, err := session.Feed(r.def.URL).ForDate(ctx, pubDate, r.loc)
	if err != nil {
		return nil, err
	}
	var images []comics.CrawlerImage
	for _, entry := range entries {
		if r.def.Tag != "" && !entry.HasTag(r.def.Tag) {
			continue
		}
		node, err := entry.HTML()
		if err != nil {
			return nil, err
		}
		found, err := extractImages(node, r.def)
		if errors.Is(err, fetch.ErrNoMatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.def.EntryTitle {
			for i := range found {
				found[i].Title = entry.Title
			}
		}
		images = append(images, found...)
		if !r.def.Multiple && len(images) > 0 {
			break
		}
	}
	return images, nil
}

// extractImages reads the image nodes of root plus optional title and text.
func extractImages(root fetch.Node, def Definition) ([]comics.CrawlerImage, error) {
	nodes := root.All(def.Selector)
	switch {
	case len(nodes) == 0:
		return nil, fetch.ErrNoMatch
	case len(nodes) > 1 && !def.Multiple:
		return nil, fetch.ErrMultipleMatches
	}

	var title, text string
	var err error
	if def.TitleSelector != "" {
		if title, err = root.Text(def.TitleSelector, fetch.WithDefault(""), fetch.AllowMultiple()); err != nil {
			return nil, err
		}
	}
	if def.TextSelector != "" {
		if text, err = root.Text(def.TextSelector, fetch.WithDefault(""), fetch.AllowMultiple()); err != nil {
			return nil, err
		}
	}

	images := make([]comics.CrawlerImage, 0, len(nodes))
	for _, n := range nodes {
		url, ok := n.Attr(def.Attr)
		if !ok || url == "" {
			continue
		}
		img := comics.CrawlerImage{URL: url, Title: title, Text: text}
		if def.TextAttr != "" {
			if v, ok := n.Attr(def.TextAttr); ok {
				img.Text = v
			}
		}
		images = append(images, img)
	}
	if len(images) == 0 {
		return nil, fetch.ErrNoMatch
	}
	return images, nil
}
