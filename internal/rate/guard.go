package rate

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// LimitError is returned instead of sending a request that would exceed the
// provider budget.
type LimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e LimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	window   Window
	capacity float64
	tokens   float64
	last     time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed.Seconds()*b.capacity/b.window.Duration().Seconds())
	b.last = now
}

func (b *bucket) nextToken() time.Duration {
	missing := 1 - b.tokens
	return time.Duration(missing * float64(b.window.Duration()) / b.capacity)
}

type cached struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// Guard holds the token buckets and response cache for one provider.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu       sync.Mutex
	buckets  []*bucket
	cooldown time.Time
	cache    map[string]cached
}

func NewGuard(decl Declaration) *Guard {
	g := &Guard{
		decl:  decl,
		now:   time.Now,
		cache: make(map[string]cached),
	}
	start := g.now()
	for window, limit := range decl.Limits() {
		if limit <= 0 {
			continue
		}
		g.buckets = append(g.buckets, &bucket{
			window:   window,
			capacity: float64(limit),
			tokens:   float64(limit),
			last:     start,
		})
	}
	return g
}

// ShouldCall takes one token from every window, or none when any window is
// empty or a throttle cooldown is active.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.cooldown) {
		return Decision{Reason: "cooldown", RetryAt: g.cooldown}
	}
	for _, b := range g.buckets {
		b.refill(now)
		if b.tokens < 1 {
			return Decision{Reason: "budget", RetryAt: now.Add(b.nextToken())}
		}
	}
	for _, b := range g.buckets {
		b.tokens--
		tokensGauge.WithLabelValues(g.decl.ProviderName(), b.window.String()).Set(b.tokens)
	}
	return Decision{Allowed: true}
}

// Observe records a response. 429 starts a cooldown from Retry-After or the
// declared default.
func (g *Guard) Observe(status int, header http.Header) {
	lastStatusGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(status))
	if status != http.StatusTooManyRequests {
		return
	}
	pause := g.decl.cooldown
	if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
		pause = time.Duration(secs) * time.Second
	}
	if pause <= 0 {
		return
	}
	g.mu.Lock()
	g.cooldown = g.now().Add(pause)
	g.mu.Unlock()
}

// WrapHTTP returns a copy of base whose transport is guarded by decl.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: NewGuard(decl)}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		if resp := rt.guard.lookup(req); resp != nil {
			return resp, nil
		}
		blockedCounter.WithLabelValues(rt.guard.decl.ProviderName(), decision.Reason).Inc()
		return nil, LimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	rt.guard.Observe(resp.StatusCode, resp.Header)
	return rt.guard.store(req, resp)
}

func cacheable(req *http.Request) bool {
	return req.Method == http.MethodGet
}

func (g *Guard) lookup(req *http.Request) *http.Response {
	if g.decl.CacheTTL() <= 0 || !cacheable(req) {
		return nil
	}
	g.mu.Lock()
	entry, ok := g.cache[req.URL.String()]
	g.mu.Unlock()
	if !ok || g.now().After(entry.expires) {
		return nil
	}
	return entry.response(req)
}

func (g *Guard) store(req *http.Request, resp *http.Response) (*http.Response, error) {
	if g.decl.CacheTTL() <= 0 || !cacheable(req) || resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	entry := cached{
		status:  resp.StatusCode,
		header:  resp.Header.Clone(),
		body:    body,
		expires: g.now().Add(g.decl.CacheTTL()),
	}
	g.mu.Lock()
	g.cache[req.URL.String()] = entry
	g.mu.Unlock()
	return entry.response(req), nil
}

func (c cached) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: c.status,
		Status:     fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		Header:     c.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(c.body)),
		Request:    req,
	}
}
