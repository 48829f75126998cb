package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ImVexed/fasturl"
	"github.com/tidwall/gjson"
)

// TrustResolver reports a 0-100 trust score for an agent, or reports that no
// score is available (spec §4.4, component E). An unknown score is treated
// identically to "no trust argument at all" by the pricing engine — the
// resolver never fabricates a default.
type TrustResolver interface {
	GetScore(ctx context.Context, agentID string) (score int, known bool)
}

// StaticResolver serves scores from a fixed, caller-supplied map. Useful for
// tests and for operators who maintain an allowlist by hand.
type StaticResolver struct {
	mu     sync.RWMutex
	scores map[string]int
}

// NewStaticResolver constructs a StaticResolver seeded with scores.
func NewStaticResolver(scores map[string]int) *StaticResolver {
	cp := make(map[string]int, len(scores))
	for k, v := range scores {
		cp[k] = v
	}
	return &StaticResolver{scores: cp}
}

func (r *StaticResolver) GetScore(ctx context.Context, agentID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	score, ok := r.scores[agentID]
	return score, ok
}

// Set updates or adds a score, for tests that need to change trust
// mid-run.
func (r *StaticResolver) Set(agentID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scores == nil {
		r.scores = make(map[string]int)
	}
	r.scores[agentID] = score
}

// restCacheEntry is a single cached lookup.
type restCacheEntry struct {
	score   int
	known   bool
	fetched time.Time
}

// RESTResolver queries an external HTTP trust service, grounded on
// relay_trust.go's fetchTrustedRelayData caching pattern. The service is
// expected to respond with a JSON body containing a numeric "score" field
// (0-100) at the configured path, e.g. GET {baseURL}?agent=<id>.
type RESTResolver struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]restCacheEntry
}

// NewRESTResolver validates baseURL and constructs a resolver against it.
// ttl controls how long a lookup is cached before being re-fetched.
func NewRESTResolver(baseURL string, ttl time.Duration) (*RESTResolver, error) {
	if _, err := fasturl.ParseURL(baseURL); err != nil {
		return nil, newAdmitError("invalid TRUST_REST_URL %q: %v", baseURL, err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RESTResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		ttl:     ttl,
		cache:   make(map[string]restCacheEntry),
	}, nil
}

func (r *RESTResolver) cached(agentID string) (restCacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[agentID]
	if !ok || time.Since(e.fetched) >= r.ttl {
		return restCacheEntry{}, false
	}
	return e, true
}

func (r *RESTResolver) store(agentID string, e restCacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[agentID] = e
}

func (r *RESTResolver) GetScore(ctx context.Context, agentID string) (int, bool) {
	if e, ok := r.cached(agentID); ok {
		return e.score, e.known
	}

	sep := "?"
	if strings.Contains(r.baseURL, "?") {
		sep = "&"
	}
	u := fmt.Sprintf("%s%sagent=%s", r.baseURL, sep, agentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false
	}

	scoreField := gjson.GetBytes(body, "score")
	if !scoreField.Exists() {
		r.store(agentID, restCacheEntry{fetched: time.Now(), known: false})
		return 0, false
	}

	score := int(scoreField.Int())
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	r.store(agentID, restCacheEntry{score: score, known: true, fetched: time.Now()})
	return score, true
}

// Sweep drops cache entries older than maxAge, satisfying spec §5's
// "caches MUST support a periodic sweep" requirement.
func (r *RESTResolver) Sweep(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for k, e := range r.cache {
		if e.fetched.Before(cutoff) {
			delete(r.cache, k)
		}
	}
}
