package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Macaroon is the self-contained authorization credential bound to a
// Lightning payment hash plus request-shape caveats (spec §3, §4.2).
type Macaroon struct {
	ID        string   `json:"id"`
	Caveats   []string `json:"caveats"`
	Signature string   `json:"signature"`
}

// caveatOrder is the fixed emission order for well-known caveat keys.
// Unrecognized keys passed to CaveatSet are appended after these, in the
// order they were set, so callers get deterministic caveat strings without
// having to think about ordering themselves.
var caveatOrder = []string{"expires_at", "endpoint", "method", "context", "agent", "max_actions"}

// CaveatSet is an ordered set of caveat (key, value) pairs to bake into a
// macaroon. Zero value is ready to use.
type CaveatSet struct {
	values map[string]string
	extra  []string // keys outside caveatOrder, in Set() order
}

func (c *CaveatSet) set(key, value string) {
	if value == "" {
		return // never emit empty values, per spec §4.2 step 1
	}
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, known := c.values[key]; !known {
		isOrdered := false
		for _, k := range caveatOrder {
			if k == key {
				isOrdered = true
				break
			}
		}
		if !isOrdered {
			c.extra = append(c.extra, key)
		}
	}
	c.values[key] = value
}

// ExpiresAt sets the expires_at caveat from a wall-clock time.
func (c *CaveatSet) ExpiresAt(t time.Time) *CaveatSet {
	c.set("expires_at", strconv.FormatInt(t.Unix(), 10))
	return c
}

// Endpoint sets the endpoint caveat.
func (c *CaveatSet) Endpoint(path string) *CaveatSet {
	c.set("endpoint", path)
	return c
}

// Method sets the method caveat.
func (c *CaveatSet) Method(verb string) *CaveatSet {
	c.set("method", verb)
	return c
}

// Context sets the context caveat.
func (c *CaveatSet) Context(contextID string) *CaveatSet {
	c.set("context", contextID)
	return c
}

// Agent sets the agent caveat.
func (c *CaveatSet) Agent(agentID string) *CaveatSet {
	c.set("agent", agentID)
	return c
}

// strings renders the caveat set to its ordered "<key> = <value>" strings.
func (c *CaveatSet) strings() []string {
	out := make([]string, 0, len(c.values))
	for _, k := range caveatOrder {
		if v, ok := c.values[k]; ok {
			out = append(out, fmt.Sprintf("%s = %s", k, v))
		}
	}
	for _, k := range c.extra {
		out = append(out, fmt.Sprintf("%s = %s", k, c.values[k]))
	}
	return out
}

// NewMacaroon builds a macaroon bound to paymentHash with the given caveats,
// signed with secret via the chained-HMAC construction (spec §4.2).
func NewMacaroon(secret, paymentHash string, caveats *CaveatSet) *Macaroon {
	cs := caveats.strings()
	return &Macaroon{
		ID:        paymentHash,
		Caveats:   cs,
		Signature: computeSignature(secret, paymentHash, cs),
	}
}

// VerifyContext carries the request-shape facts a macaroon's caveats are
// checked against.
type VerifyContext struct {
	Endpoint  string
	Method    string
	ContextID string
	AgentID   string
}

// VerifyMacaroon recomputes the chained signature and checks every caveat
// against ctx, per spec §4.2's verification steps. Returns nil on success,
// or an *admitError describing the first failure.
func VerifyMacaroon(secret string, m *Macaroon, ctx VerifyContext) error {
	expected := computeSignature(secret, m.ID, m.Caveats)
	if !constantTimeEqual(expected, m.Signature) {
		return errInvalidSignature
	}

	now := time.Now().Unix()
	for _, caveat := range m.Caveats {
		key, value, ok := splitCaveat(caveat)
		if !ok {
			continue // malformed caveat strings are ignored, not fatal
		}
		switch key {
		case "expires_at":
			exp, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			if now > exp {
				return errExpired
			}
		case "endpoint":
			if ctx.Endpoint != value {
				return fmt.Errorf("%w: expected %s", errEndpointMismatch, value)
			}
		case "method":
			if !strings.EqualFold(ctx.Method, value) {
				return fmt.Errorf("%w: expected %s", errMethodMismatch, value)
			}
		case "context":
			if ctx.ContextID != value {
				return fmt.Errorf("%w: expected %s", errContextMismatch, value)
			}
		case "agent":
			if ctx.AgentID != value {
				return fmt.Errorf("%w: expected %s", errAgentMismatch, value)
			}
		default:
			// unknown keys are ignored, per spec §3 "forward-compatible"
		}
	}
	return nil
}

// splitCaveat parses "<key> = <value>" on the first " = " separator.
func splitCaveat(caveat string) (key, value string, ok bool) {
	idx := strings.Index(caveat, " = ")
	if idx < 0 {
		return "", "", false
	}
	return caveat[:idx], caveat[idx+3:], true
}

// Encode serializes the macaroon as canonical JSON, then base64 (spec §3).
func (m *Macaroon) Encode() string {
	b, _ := json.Marshal(m) // Macaroon is a flat struct of strings; never fails
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeMacaroon is the inverse of Encode. Returns an error — never a panic —
// on any malformed input, per spec §3 "decode(garbage) = unknown".
func DecodeMacaroon(encoded string) (*Macaroon, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("invalid macaroon encoding")
	}
	var m Macaroon
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.New("invalid macaroon encoding")
	}
	if m.ID == "" || m.Signature == "" {
		return nil, errors.New("invalid macaroon encoding")
	}
	return &m, nil
}
