package request

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

type call struct {
	spec      crawler.RequestSpec
	predicate crawler.SuccessPredicate
	err       error
}

// Option adjusts a single Get/Post/Do call.
type Option func(*call)

// WithQuery merges query parameters into the request URL.
func WithQuery(q url.Values) Option {
	return func(c *call) {
		if c.spec.Query == nil {
			c.spec.Query = url.Values{}
		}
		for k, vs := range q {
			for _, v := range vs {
				c.spec.Query.Add(k, v)
			}
		}
	}
}

// WithHeaders merges headers into the engine defaults. They persist for
// later calls on the same engine.
func WithHeaders(h map[string]string) Option {
	return func(c *call) {
		if c.spec.Headers == nil {
			c.spec.Headers = map[string]string{}
		}
		mergeInto(c.spec.Headers, canonicalHeaders(h))
	}
}

// WithHeaderString is WithHeaders for a raw "Key: value" block.
func WithHeaderString(raw string) Option {
	return WithHeaders(ParseHeaders(raw))
}

// WithCookies merges cookies into the engine defaults.
func WithCookies(cookies map[string]string) Option {
	return func(c *call) {
		if c.spec.Cookies == nil {
			c.spec.Cookies = map[string]string{}
		}
		mergeInto(c.spec.Cookies, cookies)
	}
}

// WithCookieString is WithCookies for a raw "k=v; k=v" string.
func WithCookieString(raw string) Option {
	return WithCookies(ParseCookies(raw))
}

// WithReferer sets the Referer header.
func WithReferer(referer string) Option {
	return func(c *call) { c.spec.Referer = referer }
}

// WithoutRedirects returns 3xx responses as-is instead of following them.
func WithoutRedirects() Option {
	return func(c *call) { c.spec.DisallowRedirects = true }
}

// DecodeJSON decodes the body into FetchResult.JSON. A body that is not
// valid JSON counts as a failed attempt.
func DecodeJSON() Option {
	return func(c *call) { c.spec.DecodeJSON = true }
}

// WithPredicate replaces DefaultPredicate for this call.
func WithPredicate(p crawler.SuccessPredicate) Option {
	return func(c *call) { c.predicate = p }
}

// WithJSONBody marshals v as the request body.
func WithJSONBody(v any) Option {
	return func(c *call) {
		data, err := json.Marshal(v)
		if err != nil {
			c.err = fmt.Errorf("marshal json body: %w", err)
			return
		}
		c.spec.Body = data
		c.spec.ContentType = "application/json"
	}
}

// WithForm encodes values as an urlencoded body.
func WithForm(values url.Values) Option {
	return func(c *call) {
		c.spec.Body = []byte(values.Encode())
		c.spec.ContentType = "application/x-www-form-urlencoded"
	}
}
