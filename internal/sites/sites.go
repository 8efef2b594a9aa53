// Package sites is the registry of crawlable targets.
package sites

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/sites/underarmour"
	"github.com/JakeFAU/listing-harvester/internal/sites/yahoomovie"
)

// ErrUnknownSite is returned by Get for names that are not registered.
var ErrUnknownSite = errors.New("unknown site")

// Target is a site that can also produce its own seed work items.
type Target interface {
	crawler.Site
	Seeds(ctx context.Context) ([]crawler.WorkItem, error)
}

// OutputNamer is implemented by sites whose file output is the input of
// another site. DefaultOutput returns the directory and the base name,
// without extension, used when no file name is configured.
type OutputNamer interface {
	DefaultOutput() (dir, name string)
}

// Options carries the site-specific settings from configuration.
type Options struct {
	// BaseURL replaces the site's origin, for mirrors and tests.
	BaseURL    string
	InputFile  string
	UpperLimit int
}

type factory func(Options) Target

var registry = map[string]factory{
	"underarmour": func(o Options) Target {
		return underarmour.NewListing(o.BaseURL, o.InputFile)
	},
	"underarmour-categories": func(o Options) Target {
		return underarmour.NewCategories(o.BaseURL)
	},
	"yahoomovie": func(o Options) Target {
		return yahoomovie.New(o.BaseURL, o.UpperLimit)
	},
}

// Get builds the named site.
func Get(name string, opts Options) (Target, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownSite, name, Names())
	}
	return f(opts), nil
}

// Names lists the registered sites in lexical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
