// Package rotation loads the user-agent and proxy pools used by request
// engines when they regenerate their identity.
package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
)

// DefaultUserAgent is used whenever no pool entry is available.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_5) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/83.0.4103.97 Safari/537.36"

// UserAgents hands out random user-agent strings for one OS/browser pair.
type UserAgents struct {
	mu   sync.Mutex
	pool []string
	rnd  *rand.Rand
}

// LoadUserAgents reads a file shaped like {"macos": {"chrome": ["..."]}}.
// A missing file or key yields a pool that always returns DefaultUserAgent.
func LoadUserAgents(path, osName, browser string) (*UserAgents, error) {
	ua := &UserAgents{rnd: newRand()}
	if path == "" {
		return ua, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration.
	if errors.Is(err, os.ErrNotExist) {
		return ua, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user agents %s: %w", path, err)
	}
	var byOS map[string]map[string][]string
	if err := json.Unmarshal(data, &byOS); err != nil {
		return nil, fmt.Errorf("decode user agents %s: %w", path, err)
	}
	ua.pool = nonEmpty(byOS[strings.ToLower(osName)][strings.ToLower(browser)])
	return ua, nil
}

// NewUserAgents builds a pool from an explicit list.
func NewUserAgents(pool ...string) *UserAgents {
	return &UserAgents{pool: nonEmpty(pool), rnd: newRand()}
}

// UserAgent returns a random entry of the pool.
func (u *UserAgents) UserAgent() string {
	if u == nil || len(u.pool) == 0 {
		return DefaultUserAgent
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pool[u.rnd.IntN(len(u.pool))]
}

// Proxies hands out random proxy URLs restricted to a country allowlist.
type Proxies struct {
	mu        sync.Mutex
	byCountry map[string][]string
	rnd       *rand.Rand
}

// LoadProxies reads a file shaped like {"tw": ["http://host:port", ...]}.
// A missing file yields an empty pool.
func LoadProxies(path string) (*Proxies, error) {
	p := &Proxies{byCountry: map[string][]string{}, rnd: newRand()}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration.
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxies %s: %w", path, err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode proxies %s: %w", path, err)
	}
	for country, list := range raw {
		p.byCountry[strings.ToLower(country)] = nonEmpty(list)
	}
	return p, nil
}

// NewProxies builds a pool from an explicit mapping.
func NewProxies(byCountry map[string][]string) *Proxies {
	p := &Proxies{byCountry: map[string][]string{}, rnd: newRand()}
	for country, list := range byCountry {
		p.byCountry[strings.ToLower(country)] = nonEmpty(list)
	}
	return p
}

// Proxy picks a random allowed country, then a random proxy from it.
// It returns "" when the allowlist is empty or the chosen country has no entries.
func (p *Proxies) Proxy(countries []string) string {
	if p == nil || len(countries) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	country := strings.ToLower(countries[p.rnd.IntN(len(countries))])
	list := p.byCountry[country]
	if len(list) == 0 {
		return ""
	}
	return list[p.rnd.IntN(len(list))]
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) // #nosec G404 -- identity rotation, not security.
}
