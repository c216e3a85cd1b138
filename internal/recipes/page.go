package recipes

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/fetch"
)

type pageRecipe struct {
	def Definition
	loc *time.Location
}

// Crawl reads the images of the page rendered for pubDate.
func (r *pageRecipe) Crawl(ctx context.Context, session *fetch.Session, pubDate civil.Date) ([]comics.CrawlerImage, error) {
	url, err := RenderURL(r.def.URL, pubDate, r.loc)
	if err != nil {
		return nil, err
	}
	root, err := session.Page(url).Root(ctx)
	if err != nil {
		return nil, err
	}
	return extractImages(root, r.def)
}
