package main

import (
	"math"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// PricingConfig holds the progressive/trust/cooldown parameters from spec
// §4.1, with the defaults spec.md fixes.
type PricingConfig struct {
	BaseSats              int64
	ProgressiveMultiplier float64
	ProgressiveCap        int64

	TrustDiscountEnabled bool
	TrustFreeAbove       int
	TrustDiscountAbove   int
	TrustDiscountPercent int64

	CooldownEnabled      bool
	CooldownWindow       time.Duration
	CooldownBonusPercent int64
}

// DefaultPricingConfig returns spec §4.1's explicit defaults.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		BaseSats:              1,
		ProgressiveMultiplier: 1.5,
		ProgressiveCap:        50,

		TrustDiscountEnabled: true,
		TrustFreeAbove:       80,
		TrustDiscountAbove:   30,
		TrustDiscountPercent: 50,

		CooldownEnabled:      true,
		CooldownWindow:       60 * time.Second,
		CooldownBonusPercent: 25,
	}
}

// PriceBreakdown documents how a quote was derived, echoed in the 402 body's
// "pricing" field (spec §6).
type PriceBreakdown struct {
	Base                  int64 `json:"base"`
	Progressive           int64 `json:"progressive"`
	PriorActionsInContext int   `json:"priorActionsInContext"`
	Final                 int64 `json:"final"`

	TrustScore    *int   `json:"trustScore,omitempty"`
	TrustDiscount *int64 `json:"trustDiscount,omitempty"`
	CooldownBonus *int64 `json:"cooldownBonus,omitempty"`
}

// activityEntry is one committed action.
type activityEntry struct {
	agentID string
	at      time.Time
}

// contextBucket holds the append-only activity list for one contextId,
// guarded by its own mutex so commits against unrelated contexts never
// contend with each other (spec §5: "serialize commits ... single critical
// section per commit").
type contextBucket struct {
	mu   sync.Mutex
	acts []activityEntry
}

// PricingEngine is the per-process, in-memory pricing state machine (spec
// §4.1, component D). Zero value is not usable; construct with
// NewPricingEngine.
type PricingEngine struct {
	cfg PricingConfig

	// contextId -> *contextBucket. xsync.MapOf gives per-key striped
	// locking so unrelated contexts don't serialize on a shared mutex,
	// per spec §5 and §9's "sharded locks keyed by contextId" note.
	contexts *xsync.MapOf[string, *contextBucket]

	// agentId -> last committed action time, across all contexts.
	lastAction *xsync.MapOf[string, time.Time]
}

// NewPricingEngine constructs an engine with the given configuration.
func NewPricingEngine(cfg PricingConfig) *PricingEngine {
	return &PricingEngine{
		cfg:        cfg,
		contexts:   xsync.NewMapOf[string, *contextBucket](),
		lastAction: xsync.NewMapOf[string, time.Time](),
	}
}

func (e *PricingEngine) bucket(contextID string) *contextBucket {
	b, _ := e.contexts.LoadOrCompute(contextID, func() *contextBucket {
		return &contextBucket{}
	})
	return b
}

func normalizeAgent(agentID string) string {
	if agentID == "" {
		return "anonymous"
	}
	return agentID
}

func normalizeContext(contextID string) string {
	if contextID == "" {
		return "default"
	}
	return contextID
}

func (b *contextBucket) priorActions(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, a := range b.acts {
		if a.agentID == agentID {
			n++
		}
	}
	return n
}

func (b *contextBucket) append(agentID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acts = append(b.acts, activityEntry{agentID: agentID, at: at})
}

// Calculate computes the current quote for (agentId, contextId). When
// dryRun is false the action is committed: it is appended to the context's
// activity list and the agent's last-action timestamp advances. Dry runs
// never mutate state, so repeated unauth probes don't advance the
// progressive price on their own.
//
// trustScore is a pointer so "absent" (nil) is distinguishable from "score
// present and zero" — spec §4.1's edge case for the trust branch.
func (e *PricingEngine) Calculate(agentID, contextID string, trustScore *int, dryRun bool) (int64, PriceBreakdown) {
	agentID = normalizeAgent(agentID)
	contextID = normalizeContext(contextID)
	now := time.Now()

	bucket := e.bucket(contextID)
	k := bucket.priorActions(agentID)

	progressive := e.progressivePrice(k)
	price := progressive

	breakdown := PriceBreakdown{
		Base:                  e.cfg.BaseSats,
		Progressive:           progressive,
		PriorActionsInContext: k,
	}

	skipCooldown := false
	if e.cfg.TrustDiscountEnabled && trustScore != nil {
		score := *trustScore
		breakdown.TrustScore = &score
		switch {
		case score >= e.cfg.TrustFreeAbove:
			discount := price
			breakdown.TrustDiscount = &discount
			price = 0
			skipCooldown = true
		case score >= e.cfg.TrustDiscountAbove:
			discount := (price * e.cfg.TrustDiscountPercent) / 100
			price = maxInt64(1, price-discount)
			breakdown.TrustDiscount = &discount
		}
	}

	if !skipCooldown && e.cfg.CooldownEnabled && price > 0 {
		last, hasLast := e.lastAction.Load(agentID)
		stale := !hasLast || now.Sub(last) > e.cfg.CooldownWindow
		if stale {
			bonus := (price * e.cfg.CooldownBonusPercent) / 100
			price = maxInt64(1, price-bonus)
			breakdown.CooldownBonus = &bonus
		}
	}

	breakdown.Final = price

	if !dryRun {
		bucket.append(agentID, now)
		e.lastAction.Store(agentID, now)
	}

	return price, breakdown
}

// progressivePrice implements step 2 of spec §4.1: min(ceil(base*mult^k), cap),
// with k=0 the literal base case (not a ceil-of-a-power-of-one computation
// that happens to equal base).
func (e *PricingEngine) progressivePrice(k int) int64 {
	if k == 0 {
		return e.cfg.BaseSats
	}
	raw := float64(e.cfg.BaseSats) * math.Pow(e.cfg.ProgressiveMultiplier, float64(k))
	price := int64(math.Ceil(raw))
	if price > e.cfg.ProgressiveCap {
		return e.cfg.ProgressiveCap
	}
	return price
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// EngineStats mirrors spec §4.1's stats() operation.
type EngineStats struct {
	Contexts     int `json:"contexts"`
	Agents       int `json:"agents"`
	TotalActions int `json:"totalActions"`
}

// Stats reports aggregate counters across all tracked contexts and agents.
func (e *PricingEngine) Stats() EngineStats {
	stats := EngineStats{}
	agents := make(map[string]bool)
	e.contexts.Range(func(_ string, b *contextBucket) bool {
		stats.Contexts++
		b.mu.Lock()
		stats.TotalActions += len(b.acts)
		for _, a := range b.acts {
			agents[a.agentID] = true
		}
		b.mu.Unlock()
		return true
	})
	stats.Agents = len(agents)
	return stats
}

// Reset erases all activity and last-action state. Testing hook only, per
// spec §4.1.
func (e *PricingEngine) Reset() {
	e.contexts.Clear()
	e.lastAction.Clear()
}

// Cleanup drops activity entries (and empty context buckets, and stale
// last-action entries) older than now-maxAge, per spec §4.1.
func (e *PricingEngine) Cleanup(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	var emptyContexts []string
	e.contexts.Range(func(id string, b *contextBucket) bool {
		b.mu.Lock()
		kept := b.acts[:0]
		for _, a := range b.acts {
			if a.at.After(cutoff) {
				kept = append(kept, a)
			}
		}
		b.acts = kept
		empty := len(b.acts) == 0
		b.mu.Unlock()
		if empty {
			emptyContexts = append(emptyContexts, id)
		}
		return true
	})
	for _, id := range emptyContexts {
		e.contexts.Delete(id)
	}

	var staleAgents []string
	e.lastAction.Range(func(agentID string, at time.Time) bool {
		if at.Before(cutoff) {
			staleAgents = append(staleAgents, agentID)
		}
		return true
	})
	for _, id := range staleAgents {
		e.lastAction.Delete(id)
	}
}

// StartCleanupLoop runs Cleanup on a ticker until the returned stop func is
// called.
func (e *PricingEngine) StartCleanupLoop(interval, maxAge time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Cleanup(maxAge)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
