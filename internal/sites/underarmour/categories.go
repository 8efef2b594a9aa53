package underarmour

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/request"
)

const (
	kindKey      = "kind"
	kindMain     = "main"
	kindCategory = "category"
)

var categoryMarkers = []string{"cmens-", "cwomens-", "cyouth_"}

// Categories discovers the men, women and youth categories. The main page
// yields continuation targets; each category page yields one Category.
type Categories struct {
	base string
}

// NewCategories returns the category discovery site.
func NewCategories(base string) *Categories {
	if base == "" {
		base = MainPageURL
	}
	return &Categories{base: strings.TrimRight(base, "/")}
}

// Name implements crawler.Site.
func (c *Categories) Name() string { return "underarmour-categories" }

// MainPageURL implements crawler.Site.
func (c *Categories) MainPageURL() string { return c.base }

// IsSuccess implements crawler.Site.
func (c *Categories) IsSuccess(res *crawler.FetchResult) bool { return request.DefaultPredicate(res) }

// DefaultOutput places the discovered categories where the listing crawl
// reads them.
func (c *Categories) DefaultOutput() (dir, name string) { return ".", CategoriesOutput }

// Seeds returns the main page.
func (c *Categories) Seeds(context.Context) ([]crawler.WorkItem, error) {
	return []crawler.WorkItem{crawler.NewWorkItem(c.base, kindKey, kindMain)}, nil
}

// Extract implements crawler.Site.
func (c *Categories) Extract(res *crawler.FetchResult) ([]crawler.Item, []crawler.FailureSignal) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
	}
	if res.Item.Value(kindKey) == kindMain {
		return nil, c.discover(doc)
	}
	category, err := categoryInfo(res.Item.URL, doc)
	if err != nil {
		return nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
	}
	return []crawler.Item{{"url": category.URL, "total": category.Total, "nav": category.Nav}}, nil
}

func (c *Categories) discover(doc *goquery.Document) []crawler.FailureSignal {
	var signals []crawler.FailureSignal
	doc.Find(".nav-li-men, .nav-li-women, .nav-li-junior").
		Find(".menu-li-common > a:first-of-type").
		Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok || !isCategory(href) {
				return
			}
			signals = append(signals, crawler.Continue(
				crawler.NewWorkItem(c.base+href, kindKey, kindCategory),
			))
		})
	return signals
}

func isCategory(href string) bool {
	for _, marker := range categoryMarkers {
		if strings.Contains(href, marker) {
			return true
		}
	}
	return false
}

func categoryInfo(pageURL string, doc *goquery.Document) (Category, error) {
	totalText := strings.TrimSpace(doc.Find(".list-header-num span").First().Text())
	total, err := strconv.Atoi(totalText)
	if err != nil {
		return Category{}, fmt.Errorf("parse total %q: %w", totalText, err)
	}
	nav, ok := doc.Find("#nav").First().Attr("value")
	if !ok {
		return Category{}, fmt.Errorf("nav value missing")
	}
	return Category{URL: pageURL, Total: total, Nav: nav}, nil
}
