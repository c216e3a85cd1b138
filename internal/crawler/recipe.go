package crawler

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/fetch"
)

// Recipe knows how to find one source's images for a date. It returns nothing
// when the source published nothing that day.
type Recipe interface {
	Crawl(ctx context.Context, session *fetch.Session, pubDate civil.Date) ([]comics.CrawlerImage, error)
}

// RecipeFunc adapts a function to Recipe.
type RecipeFunc func(ctx context.Context, session *fetch.Session, pubDate civil.Date) ([]comics.CrawlerImage, error)

// Crawl calls f.
func (f RecipeFunc) Crawl(ctx context.Context, session *fetch.Session, pubDate civil.Date) ([]comics.CrawlerImage, error) {
	return f(ctx, session, pubDate)
}
