// Package yahoomovie crawls movie records from movies.yahoo.com.tw by
// walking the numeric movie id range.
package yahoomovie

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/request"
)

const (
	// Origin is the site's scheme and host.
	Origin = "https://movies.yahoo.com.tw"
	// DefaultUpperLimit bounds the id walk; ids run from 1 to limit-1.
	DefaultUpperLimit = 12900
)

var digits = regexp.MustCompile(`\d+`)

// Site extracts one movie per info page.
type Site struct {
	origin string
	limit  int
}

// New returns the site. origin overrides Origin; limit <= 0 uses DefaultUpperLimit.
func New(origin string, limit int) *Site {
	if origin == "" {
		origin = Origin
	}
	if limit <= 0 {
		limit = DefaultUpperLimit
	}
	return &Site{origin: strings.TrimRight(origin, "/"), limit: limit}
}

// Name implements crawler.Site.
func (s *Site) Name() string { return "yahoomovie" }

// MainPageURL implements crawler.Site.
func (s *Site) MainPageURL() string { return s.origin + "/index.html" }

// Seeds lists the info page of every id below the upper limit.
func (s *Site) Seeds(context.Context) ([]crawler.WorkItem, error) {
	items := make([]crawler.WorkItem, 0, s.limit-1)
	for id := 1; id < s.limit; id++ {
		items = append(items, crawler.WorkItem{URL: fmt.Sprintf("%s/movieinfo_main.html/id=%d", s.origin, id)})
	}
	return items, nil
}

// RequestSpec disables redirects: a missing id redirects to the index.
func (s *Site) RequestSpec(item crawler.WorkItem) crawler.RequestSpec {
	return crawler.RequestSpec{Method: http.MethodGet, URL: item.URL, DisallowRedirects: true}
}

// IsSuccess accepts the redirect of a missing id as a final answer.
func (s *Site) IsSuccess(res *crawler.FetchResult) bool {
	if res != nil && res.StatusCode == http.StatusFound {
		return true
	}
	return request.DefaultPredicate(res)
}

// Extract implements crawler.Site. Pages that are not movie pages yield
// nothing; a movie page that fails to parse is retried.
func (s *Site) Extract(res *crawler.FetchResult) ([]crawler.Item, []crawler.FailureSignal) {
	if res.StatusCode != http.StatusOK || len(res.Body) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
	}
	pageURL, _ := doc.Find(`meta[property="og:url"]`).First().Attr("content")
	if !strings.Contains(pageURL, "/id=") {
		return nil, nil
	}
	movie, err := parseMovie(pageURL, doc)
	if err != nil {
		return nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
	}
	return []crawler.Item{movie}, nil
}

func parseMovie(pageURL string, doc *goquery.Document) (crawler.Item, error) {
	idText := pageURL[strings.LastIndex(pageURL, "=")+1:]
	movieID, err := strconv.Atoi(idText)
	if err != nil {
		return nil, fmt.Errorf("parse movie id %q: %w", idText, err)
	}
	info := doc.Find(".movie_intro_info_r").First()
	if info.Length() == 0 {
		return nil, fmt.Errorf("movie info block missing")
	}

	var genres []string
	info.Find(".level_name").Each(func(_ int, g *goquery.Selection) {
		genres = append(genres, strings.TrimSpace(g.Text()))
	})

	var (
		releaseDate       any
		company, imdbText string
		directors, actors string
	)
	info.Find("span").Each(func(_ int, span *goquery.Selection) {
		text := span.Text()
		switch {
		case strings.Contains(text, "上映日期"):
			if d := afterColon(text); d != "" && !strings.Contains(d, "未定") {
				releaseDate = d
			}
		case strings.Contains(text, "發行公司"):
			company = afterColon(text)
		case strings.Contains(text, "IMDb分數"):
			imdbText = afterColon(text)
		case strings.Contains(text, "導演"):
			directors = people(span)
		case strings.Contains(text, "演員"):
			actors = people(span)
		}
	})
	if d, ok := releaseDate.(string); ok {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("parse release date %q: %w", d, err)
		}
	}
	imdb := 0.0
	if imdbText != "" {
		if imdb, err = strconv.ParseFloat(imdbText, 64); err != nil {
			return nil, fmt.Errorf("parse imdb score %q: %w", imdbText, err)
		}
	}

	img, ok := doc.Find(".movie_intro_info_l .btn_zoomin").First().Attr("href")
	if !ok {
		img, _ = doc.Find(`meta[property="og:image"]`).First().Attr("content")
	}

	yahoo := 0.0
	if score := doc.Find(".score_num.count").First(); score.Length() > 0 {
		if yahoo, err = strconv.ParseFloat(strings.TrimSpace(score.Text()), 64); err != nil {
			return nil, fmt.Errorf("parse yahoo score: %w", err)
		}
	}
	votes := 0
	if m := digits.FindString(doc.Find(".starbox2 span").First().Text()); m != "" {
		votes, _ = strconv.Atoi(m)
	}

	content := strings.TrimSpace(doc.Find("#story").First().Text())
	content = strings.NewReplacer("\r", "", "\n", "").Replace(content)

	return crawler.Item{
		"url":          pageURL,
		"movie_id":     movieID,
		"name_ch":      info.Find("h1").First().Text(),
		"name_en":      info.Find("h3").First().Text(),
		"genres":       strings.Join(genres, "|"),
		"release_date": releaseDate,
		"company":      company,
		"imdb_score":   imdb,
		"directors":    directors,
		"actors":       actors,
		"img_url":      img,
		"content":      content,
		"yahoo_score":  yahoo,
		"vote_count":   votes,
	}, nil
}

func afterColon(text string) string {
	if i := strings.LastIndex(text, "："); i >= 0 {
		text = text[i+len("："):]
	}
	return strings.TrimSpace(text)
}

// people reads the name list in the first div after the label.
func people(label *goquery.Selection) string {
	list := label.NextAllFiltered("div").First()
	if list.Length() == 0 {
		list = label.Parent().NextAllFiltered("div").First()
	}
	return strings.NewReplacer(" ", "", "\n", "", "、", "|").Replace(strings.TrimSpace(list.Text()))
}
