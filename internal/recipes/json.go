package recipes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/fetch"
)

type jsonRecipe struct {
	def Definition
	loc *time.Location
}

// Crawl reads an xkcd-style document. When it carries year, month and day
// fields that do not match pubDate, nothing was published that day.
func (r *jsonRecipe) Crawl(ctx context.Context, session *fetch.Session, pubDate civil.Date) ([]comics.CrawlerImage, error) {
	url, err := RenderURL(r.def.URL, pubDate, r.loc)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := session.JSON(ctx, url, &doc); err != nil {
		return nil, err
	}

	if published, ok := documentDate(doc); ok && published != pubDate {
		return nil, nil
	}
	image := field(doc, r.def.ImageField)
	if image == "" {
		return nil, fmt.Errorf("document %s has no %q field", url, r.def.ImageField)
	}
	return []comics.CrawlerImage{{
		URL:   image,
		Title: field(doc, r.def.TitleField),
		Text:  field(doc, r.def.TextField),
	}}, nil
}

func documentDate(doc map[string]any) (civil.Date, bool) {
	var parts [3]int
	for i, key := range []string{"year", "month", "day"} {
		n, err := strconv.Atoi(field(doc, key))
		if err != nil {
			return civil.Date{}, false
		}
		parts[i] = n
	}
	d := civil.Date{Year: parts[0], Month: time.Month(parts[1]), Day: parts[2]}
	return d, d.IsValid()
}

func field(doc map[string]any, key string) string {
	switch v := doc[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
