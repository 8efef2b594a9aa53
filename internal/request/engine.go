// Package request implements the retrying HTTP engine each worker uses to
// talk to a target site. An Engine owns one rotating identity (user agent,
// proxy, headers, cookies) and regenerates it between failed attempts.
package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/rotation"
	"github.com/JakeFAU/listing-harvester/internal/telemetry"
)

// ErrRetriesExhausted is returned when every attempt failed or was rejected.
var ErrRetriesExhausted = errors.New("request: retries exhausted")

const (
	defaultRetryTimes = 5
	defaultTimeout    = 30 * time.Second
	maxBodyBytes      = 32 << 20
)

// Accept-Encoding is left to the transport so gzip bodies are decoded transparently.
var defaultHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language":           "zh-TW,zh;q=0.8,en-US;q=0.5,en;q=0.3",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
}

// Config configures an Engine.
type Config struct {
	// RetryTimes is the total number of attempts per call.
	RetryTimes int
	// Sleep is the pause before every attempt after the first.
	Sleep time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// BaseURL is the site main page. When set, cookies are seeded from it
	// before the first attempt and again on every reset cycle.
	BaseURL string
	// DefaultHeaders installs browser-like Accept headers.
	DefaultHeaders bool
	Headers        map[string]string
	Cookies        map[string]string
	ProxyCountries []string
}

// UserAgentSource hands out user-agent strings.
type UserAgentSource interface {
	UserAgent() string
}

// ProxySource hands out proxy URLs for a country allowlist.
type ProxySource interface {
	Proxy(countries []string) string
}

// Waiter gates attempts, typically a per-host rate limiter.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Identity is a snapshot of the engine's rotating state.
type Identity struct {
	UserAgent string
	Proxy     string
	Headers   map[string]string
	Cookies   map[string]string
}

// Engine performs GET/POST calls with bounded retries. It is safe for
// concurrent use; state changes made by one call are visible to the next.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	agents    UserAgentSource
	proxies   ProxySource
	pauser    Pauser
	limiter   Waiter
	transport http.RoundTripper
	follow    *http.Client
	noFollow  *http.Client

	mu       sync.RWMutex
	identity Identity
	// explicit cookies win over seeded ones.
	explicit map[string]string

	seedOnce sync.Mutex
	seeded   bool
	resetMu  sync.Mutex
}

// EngineOption customizes an Engine at construction.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithUserAgents sets the user-agent pool.
func WithUserAgents(src UserAgentSource) EngineOption {
	return func(e *Engine) { e.agents = src }
}

// WithProxies sets the proxy pool.
func WithProxies(src ProxySource) EngineOption {
	return func(e *Engine) { e.proxies = src }
}

// WithPauser replaces the timer-based pause between attempts.
func WithPauser(p Pauser) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.pauser = p
		}
	}
}

// WithLimiter gates every attempt on w.
func WithLimiter(w Waiter) EngineOption {
	return func(e *Engine) { e.limiter = w }
}

// WithTransport replaces the default transport. Proxy rotation only
// applies to the default transport.
func WithTransport(rt http.RoundTripper) EngineOption {
	return func(e *Engine) { e.transport = rt }
}

// New builds an Engine and draws its first identity.
func New(cfg Config, opts ...EngineOption) *Engine {
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = defaultRetryTimes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Sleep < 0 {
		cfg.Sleep = 0
	}
	e := &Engine{
		cfg:    cfg,
		logger: zap.NewNop(),
		pauser: timerPauser{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = &http.Transport{
			Proxy:                 e.proxyFor,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- crawl targets routinely present broken chains.
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		}
	}
	e.follow = &http.Client{Transport: e.transport}
	e.noFollow = &http.Client{
		Transport: e.transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	headers := map[string]string{}
	if cfg.DefaultHeaders {
		mergeInto(headers, defaultHeaders)
	}
	mergeInto(headers, canonicalHeaders(cfg.Headers))
	e.explicit = copyMap(cfg.Cookies)
	e.identity = Identity{
		UserAgent: e.nextUserAgent(),
		Proxy:     e.nextProxy(),
		Headers:   headers,
		Cookies:   copyMap(cfg.Cookies),
	}
	if ua, ok := headers["User-Agent"]; ok {
		e.identity.UserAgent = ua
		delete(e.identity.Headers, "User-Agent")
	}
	return e
}

// DefaultPredicate accepts 200 and 204 responses with a non-empty body.
func DefaultPredicate(res *crawler.FetchResult) bool {
	if res == nil {
		return false
	}
	return (res.StatusCode == http.StatusOK || res.StatusCode == http.StatusNoContent) && len(res.Body) > 0
}

// Get issues a GET request.
func (e *Engine) Get(ctx context.Context, rawURL string, opts ...Option) (*crawler.FetchResult, error) {
	return e.Do(ctx, crawler.RequestSpec{Method: http.MethodGet, URL: rawURL}, opts...)
}

// Post issues a POST request. Use WithJSONBody or WithForm for the payload.
func (e *Engine) Post(ctx context.Context, rawURL string, opts ...Option) (*crawler.FetchResult, error) {
	return e.Do(ctx, crawler.RequestSpec{Method: http.MethodPost, URL: rawURL}, opts...)
}

// Do runs spec with up to RetryTimes attempts. Between attempts the engine
// pauses and regenerates its identity. It returns ErrRetriesExhausted when
// no attempt satisfied the predicate, or the context error on cancellation.
func (e *Engine) Do(ctx context.Context, spec crawler.RequestSpec, opts ...Option) (*crawler.FetchResult, error) {
	c := call{spec: spec}
	for _, opt := range opts {
		opt(&c)
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.spec.Method == "" {
		c.spec.Method = http.MethodGet
	}
	if _, err := url.Parse(c.spec.URL); err != nil {
		return nil, fmt.Errorf("parse url %q: %w", c.spec.URL, err)
	}
	pred := c.predicate
	if pred == nil {
		pred = DefaultPredicate
	}
	ctx, span := telemetry.Tracer("request").Start(ctx, "request.do", trace.WithAttributes(
		attribute.String("http.request.method", c.spec.Method),
		attribute.String("url.full", c.spec.URL),
	))
	defer span.End()

	e.merge(c.spec)
	e.ensureSeeded(ctx)

	for attempt := 1; attempt <= e.cfg.RetryTimes; attempt++ {
		if attempt > 1 {
			if err := e.reset(ctx, c.spec.URL); err != nil {
				return nil, err
			}
		}
		start := time.Now()
		res, err := e.attempt(ctx, c.spec)
		switch {
		case err != nil:
			metrics.ObserveAttempt(c.spec.URL, "error", time.Since(start))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Debug("attempt failed",
				zap.String("url", c.spec.URL),
				zap.Int("attempt", attempt),
				zap.Error(err))
		case e.accept(pred, res):
			metrics.ObserveAttempt(c.spec.URL, "ok", time.Since(start))
			span.SetAttributes(
				attribute.Int("http.response.status_code", res.StatusCode),
				attribute.Int("request.attempts", attempt))
			return res, nil
		default:
			metrics.ObserveAttempt(c.spec.URL, "rejected", time.Since(start))
			e.logger.Debug("attempt rejected",
				zap.String("url", c.spec.URL),
				zap.Int("attempt", attempt),
				zap.Int("status", res.StatusCode))
		}
	}
	metrics.ObserveExhausted(c.spec.URL)
	span.SetStatus(codes.Error, "retries exhausted")
	e.logger.Warn("retry and fail",
		zap.String("method", c.spec.Method),
		zap.String("url", c.spec.URL),
		zap.Int("attempts", e.cfg.RetryTimes))
	return nil, fmt.Errorf("%s %s: %w", c.spec.Method, c.spec.URL, ErrRetriesExhausted)
}

// Identity returns a copy of the current rotating state.
func (e *Engine) Identity() Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Identity{
		UserAgent: e.identity.UserAgent,
		Proxy:     e.identity.Proxy,
		Headers:   copyMap(e.identity.Headers),
		Cookies:   copyMap(e.identity.Cookies),
	}
}

// Close releases idle connections.
func (e *Engine) Close() {
	if ci, ok := e.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

func (e *Engine) accept(pred crawler.SuccessPredicate, res *crawler.FetchResult) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("success predicate panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return pred(res)
}

func (e *Engine) attempt(ctx context.Context, spec crawler.RequestSpec) (*crawler.FetchResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, spec.URL); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := e.newRequest(attemptCtx, spec)
	if err != nil {
		return nil, err
	}
	client := e.follow
	if spec.DisallowRedirects {
		client = e.noFollow
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	res := &crawler.FetchResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		FinalURL:   resp.Request.URL.String(),
	}
	if spec.DecodeJSON {
		if err := json.Unmarshal(body, &res.JSON); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	return res, nil
}

func (e *Engine) newRequest(ctx context.Context, spec crawler.RequestSpec) (*http.Request, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", spec.URL, err)
	}
	if len(spec.Query) > 0 {
		q := u.Query()
		for k, vs := range spec.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	e.applyIdentity(req)
	if spec.ContentType != "" {
		req.Header.Set("Content-Type", spec.ContentType)
	}
	return req, nil
}

func (e *Engine) applyIdentity(req *http.Request) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for k, v := range e.identity.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", e.identity.UserAgent)
	if cookie := cookieHeader(e.identity.Cookies); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

// merge folds per-call headers and cookies into the persistent identity.
func (e *Engine) merge(spec crawler.RequestSpec) {
	if len(spec.Headers) == 0 && len(spec.Cookies) == 0 && spec.Referer == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range canonicalHeaders(spec.Headers) {
		if k == "User-Agent" {
			e.identity.UserAgent = v
			continue
		}
		e.identity.Headers[k] = v
	}
	if spec.Referer != "" {
		e.identity.Headers["Referer"] = spec.Referer
	}
	mergeInto(e.explicit, spec.Cookies)
	mergeInto(e.identity.Cookies, spec.Cookies)
}

func (e *Engine) ensureSeeded(ctx context.Context) {
	if e.cfg.BaseURL == "" {
		return
	}
	e.seedOnce.Lock()
	defer e.seedOnce.Unlock()
	if e.seeded {
		return
	}
	e.seeded = true
	e.seedCookies(ctx)
}

// seedCookies visits the main page and replaces the cookie set with what it
// returns, overlaid by explicitly supplied cookies.
func (e *Engine) seedCookies(ctx context.Context) {
	base, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		e.logger.Warn("invalid base url", zap.String("base_url", e.cfg.BaseURL), zap.Error(err))
		return
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(seedCtx, http.MethodGet, base.String(), nil)
	if err != nil {
		return
	}
	e.applyIdentity(req)
	req.Header.Del("Cookie")
	client := &http.Client{Transport: e.transport, Jar: jar}
	resp, err := client.Do(req)
	if err != nil {
		e.logger.Debug("cookie seeding failed", zap.String("base_url", e.cfg.BaseURL), zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()

	seeded := map[string]string{}
	for _, ck := range resp.Cookies() {
		seeded[ck.Name] = ck.Value
	}
	for _, ck := range jar.Cookies(base) {
		seeded[ck.Name] = ck.Value
	}
	e.mu.Lock()
	mergeInto(seeded, e.explicit)
	e.identity.Cookies = seeded
	e.mu.Unlock()
}

// reset runs one reset cycle: pause, fresh user agent, fresh proxy, fresh cookies.
func (e *Engine) reset(ctx context.Context, rawURL string) error {
	metrics.ObserveResetCycle(rawURL)
	if err := e.pauser.Pause(ctx, e.cfg.Sleep); err != nil {
		return err
	}
	e.resetMu.Lock()
	defer e.resetMu.Unlock()

	e.mu.Lock()
	e.identity.UserAgent = e.nextUserAgent()
	prev := e.identity.Proxy
	e.identity.Proxy = e.nextProxy()
	changed := prev != e.identity.Proxy
	e.mu.Unlock()
	if changed {
		e.Close()
	}
	if e.cfg.BaseURL != "" {
		e.seedCookies(ctx)
	}
	return nil
}

func (e *Engine) nextUserAgent() string {
	if e.agents == nil {
		return rotation.DefaultUserAgent
	}
	return e.agents.UserAgent()
}

func (e *Engine) nextProxy() string {
	if e.proxies == nil || len(e.cfg.ProxyCountries) == 0 {
		return ""
	}
	return e.proxies.Proxy(e.cfg.ProxyCountries)
}

func (e *Engine) proxyFor(*http.Request) (*url.URL, error) {
	e.mu.RLock()
	proxy := e.identity.Proxy
	e.mu.RUnlock()
	if proxy == "" {
		return nil, nil
	}
	return url.Parse(proxy)
}
