package main

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// attestationKind is the NIP-32 labeling event kind repurposed here as a
// trust attestation: one agent vouching for (or flagging) another.
const attestationKind = 1985

// attestationNamespace is the "L" tag value scoping our "l" labels so we
// only ever interpret labels we ourselves defined.
const attestationNamespace = "org.l402gate.attestation"

// attestationWeights assigns a relative weight per label value, used to
// build a weighted average of decayed attestations rather than an unbounded
// sum: a label with a higher weight counts for more of the final quality
// figure, not a bigger push in either direction.
var attestationWeights = map[string]float64{
	"service-quality":     1.5,
	"work-completed":      1.2,
	"identity-continuity": 1.0,
	"general-trust":       0.8,
}

const attestationDefaultWeight = 0.5

// attestationHalfLife controls how fast an attestation's influence fades.
// Grounded on decay.go's decayWeight half-life formulation.
const attestationHalfLife = 90 * 24 * time.Hour

// attestationNetworkSaturation is the number of distinct attesters at which
// networkFactor reaches 1.0.
const attestationNetworkSaturation = 5

// Attestation is one vouch/flag from attester about subject.
type Attestation struct {
	Attester  string
	Subject   string
	Label     string
	CreatedAt time.Time
}

// decayWeight computes an exponential decay factor in (0, 1], 1.0 at age
// zero and 0.5 at halfLife, per decay.go's decayWeight.
func decayWeight(createdAt, now time.Time, halfLife time.Duration) float64 {
	if createdAt.IsZero() || halfLife <= 0 {
		return 1.0
	}
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return math.Exp(-lambda * age.Seconds())
}

// AttestationStore holds the latest attestation per (subject, attester)
// pair, deduplicated the way consume.go's AssertionStore keeps only the
// newest assertion per provider per subject.
type AttestationStore struct {
	mu sync.RWMutex
	// subject -> attester -> attestation
	bySubject map[string]map[string]Attestation
}

// NewAttestationStore constructs an empty store.
func NewAttestationStore() *AttestationStore {
	return &AttestationStore{bySubject: make(map[string]map[string]Attestation)}
}

// Add records a, keeping only the most recent attestation per attester for
// a given subject.
func (s *AttestationStore) Add(a Attestation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAttester := s.bySubject[a.Subject]
	if byAttester == nil {
		byAttester = make(map[string]Attestation)
		s.bySubject[a.Subject] = byAttester
	}
	if existing, ok := byAttester[a.Attester]; ok && !a.CreatedAt.After(existing.CreatedAt) {
		return
	}
	byAttester[a.Attester] = a
}

// For returns every attestation currently held for subject.
func (s *AttestationStore) For(subject string) []Attestation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAttester := s.bySubject[subject]
	out := make([]Attestation, 0, len(byAttester))
	for _, a := range byAttester {
		out = append(out, a)
	}
	return out
}

// AttestationResolver computes a trust score by combining every known
// attestation for an agent: quality is the decay-weighted average of its
// attestations (each label's weight against how fresh the attestation is),
// and the result is scaled down by how many distinct attesters actually
// vouched (spec's attestation-network trust variant).
type AttestationResolver struct {
	store *AttestationStore
}

// NewAttestationResolver wraps store as a TrustResolver.
func NewAttestationResolver(store *AttestationStore) *AttestationResolver {
	return &AttestationResolver{store: store}
}

func (r *AttestationResolver) GetScore(ctx context.Context, agentID string) (int, bool) {
	attestations := r.store.For(agentID)
	if len(attestations) == 0 {
		return 0, false
	}

	now := time.Now()
	var weightedSum, weightTotal float64
	for _, a := range attestations {
		w, ok := attestationWeights[a.Label]
		if !ok {
			w = attestationDefaultWeight
		}
		weightedSum += w * decayWeight(a.CreatedAt, now, attestationHalfLife)
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0, false
	}
	quality := weightedSum / weightTotal

	networkFactor := float64(len(attestations)) / float64(attestationNetworkSaturation)
	if networkFactor > 1 {
		networkFactor = 1
	}

	score := int(math.Round(networkFactor * quality * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, true
}

// ConsumeAttestations subscribes to attestationKind events across relays
// and feeds every parsed one into store until ctx is done, grounded on
// consume.go's consumeExternalAssertions.
func ConsumeAttestations(ctx context.Context, relays []string, store *AttestationStore) {
	log.Printf("attestation: subscribing to kind %d events on %d relays", attestationKind, len(relays))

	pool := nostr.NewSimplePool(ctx)
	since := nostr.Timestamp(time.Now().Add(-30 * 24 * time.Hour).Unix())
	filter := nostr.Filter{
		Kinds: []int{attestationKind},
		Since: &since,
		Limit: 5000,
	}

	total := 0
	for ev := range pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		a, ok := parseAttestationEvent(ev.Event)
		if !ok {
			continue
		}
		store.Add(a)
		total++
	}
	log.Printf("attestation: consumed %d events", total)
}

// parseAttestationEvent extracts an Attestation from a NIP-32-shaped kind
// 1985 event: an "L" tag naming our namespace, an "l" tag with the label
// value, and a "p" tag naming the subject.
func parseAttestationEvent(ev *nostr.Event) (Attestation, bool) {
	if ev.Kind != attestationKind {
		return Attestation{}, false
	}

	var namespace, label, subject string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "L":
			namespace = tag[1]
		case "l":
			label = tag[1]
		case "p":
			subject = tag[1]
		}
	}

	if namespace != attestationNamespace || label == "" || subject == "" {
		return Attestation{}, false
	}

	return Attestation{
		Attester:  ev.PubKey,
		Subject:   subject,
		Label:     label,
		CreatedAt: time.Unix(int64(ev.CreatedAt), 0),
	}, true
}
