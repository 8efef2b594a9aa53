// Package underarmour crawls the underarmour.tw catalogue: category
// discovery from the main page, then paged product listings per category.
package underarmour

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/request"
)

const (
	// MainPageURL is the storefront root.
	MainPageURL = "https://www.underarmour.tw"
	// PageSize is the number of products per listing page.
	PageSize = 40
	// CategoriesOutput is the base name the categories crawl writes to in
	// the working directory unless sink.file_name says otherwise.
	CategoriesOutput = "categories"
	// DefaultCategoriesFile is the listing crawl's input: the JSON output of
	// the categories crawl.
	DefaultCategoriesFile = CategoriesOutput + ".json"
)

// Category is one entry of the categories file.
type Category struct {
	URL   string `json:"url"`
	Total int    `json:"total"`
	Nav   string `json:"nav"`
}

// Listing extracts products from the paged listing endpoint.
type Listing struct {
	base       string
	categories string
}

// NewListing returns the listing site. base overrides MainPageURL and
// categories is the path of the categories file.
func NewListing(base, categories string) *Listing {
	if base == "" {
		base = MainPageURL
	}
	if categories == "" {
		categories = DefaultCategoriesFile
	}
	return &Listing{base: strings.TrimRight(base, "/"), categories: categories}
}

// Name implements crawler.Site.
func (l *Listing) Name() string { return "underarmour" }

// MainPageURL implements crawler.Site.
func (l *Listing) MainPageURL() string { return l.base }

// IsSuccess implements crawler.Site.
func (l *Listing) IsSuccess(res *crawler.FetchResult) bool { return request.DefaultPredicate(res) }

// Seeds expands every category into one work item per listing page.
func (l *Listing) Seeds(context.Context) ([]crawler.WorkItem, error) {
	data, err := os.ReadFile(l.categories)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	var categories []Category
	if err := json.Unmarshal(data, &categories); err != nil {
		return nil, fmt.Errorf("decode categories %s: %w", l.categories, err)
	}
	return PageItems(l.base, categories), nil
}

// PageItems builds the listing page URLs for categories.
func PageItems(base string, categories []Category) []crawler.WorkItem {
	var items []crawler.WorkItem
	for _, c := range categories {
		pages := (c.Total + PageSize - 1) / PageSize
		for page := 1; page <= pages; page++ {
			q := url.Values{}
			q.Set("nav", c.Nav)
			q.Set("pageNumber", strconv.Itoa(page))
			items = append(items, crawler.NewWorkItem(
				base+"/sys/navigation/loading?"+q.Encode(),
				"category_url", c.URL,
			))
		}
	}
	return items
}

// Extract reads every product block. A block that does not parse fails the
// whole page so it is retried as a unit.
func (l *Listing) Extract(res *crawler.FetchResult) ([]crawler.Item, []crawler.FailureSignal) {
	if len(res.Body) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
	}
	var items []crawler.Item
	var parseErr error
	doc.Find(".list-item").EachWithBreak(func(_ int, block *goquery.Selection) bool {
		item, err := l.product(block)
		if err != nil {
			parseErr = err
			return false
		}
		items = append(items, item)
		return true
	})
	if parseErr != nil {
		return nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
	}
	return items, nil
}

func (l *Listing) product(block *goquery.Selection) (crawler.Item, error) {
	priceText := strings.TrimSpace(block.Find(".good-price span").First().Text())
	priceText = strings.ReplaceAll(strings.TrimPrefix(priceText, "NT$"), ",", "")
	price, err := strconv.Atoi(priceText)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", priceText, err)
	}
	link := block.Find(".good-txt").First()
	href, ok := link.Attr("href")
	if !ok {
		return nil, fmt.Errorf("product link missing")
	}
	productURL := l.base + href
	prodID, _, _ := strings.Cut(strings.TrimPrefix(productURL, l.base+"/p"), "-")
	return crawler.Item{
		"price":   price,
		"url":     productURL,
		"title":   strings.TrimSpace(link.Text()),
		"prod_id": prodID,
	}, nil
}
