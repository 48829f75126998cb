package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RequestExtractor pulls an identifier out of a request. Route configs use
// it to locate agentId/contextId (spec §9's "per-route configuration object
// with named extractors" in place of the original's dotted-path
// interpreter).
type RequestExtractor func(r *http.Request) string

// HeaderExtractor reads a fixed header, falling back to fallback when
// absent.
func HeaderExtractor(header, fallback string) RequestExtractor {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return fallback
	}
}

// JSONBodyExtractor reads field (a gjson path) from the JSON request body,
// restoring the body afterward so downstream handlers can still read it.
// Falls back to fallback when the field is absent or the body isn't JSON.
func JSONBodyExtractor(field, fallback string) RequestExtractor {
	return func(r *http.Request) string {
		if r.Body == nil {
			return fallback
		}
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		if err != nil {
			return fallback
		}
		v := gjson.GetBytes(body, field)
		if !v.Exists() || v.String() == "" {
			return fallback
		}
		return v.String()
	}
}

// RouteConfig is the per-route admission configuration named in spec §4.5.
type RouteConfig struct {
	// AgentFrom extracts the agent identifier. Defaults to the X-Agent-Id
	// header, falling back to "anonymous".
	AgentFrom RequestExtractor
	// ContextFrom extracts the context identifier. Defaults to the
	// X-Context-Id header, falling back to "default".
	ContextFrom RequestExtractor
	// Description is the human-readable invoice memo prefix. Rendered as
	// "<Description>: <contextId>".
	Description string
	// InvoiceTTLSecs overrides the admission-wide default macaroon
	// lifetime for this route. Zero means "use the admission default".
	InvoiceTTLSecs int
}

func (rc RouteConfig) agentFrom() RequestExtractor {
	if rc.AgentFrom != nil {
		return rc.AgentFrom
	}
	return HeaderExtractor("X-Agent-Id", "anonymous")
}

func (rc RouteConfig) contextFrom() RequestExtractor {
	if rc.ContextFrom != nil {
		return rc.ContextFrom
	}
	return HeaderExtractor("X-Context-Id", "default")
}

// AdmissionConfig configures an Admission instance (spec §6 "configuration
// surface").
type AdmissionConfig struct {
	Secret         string
	Wallet         Wallet
	Trust          TrustResolver // optional; nil means "always unknown"
	Pricing        PricingConfig
	InvoiceTTLSecs int // default 600
}

// Admission is the L402 admission middleware (spec §4.5, component F).
type Admission struct {
	secret         string
	wallet         Wallet
	trust          TrustResolver
	pricing        *PricingEngine
	invoiceTTLSecs int
}

// NewAdmission validates cfg and constructs an Admission. Missing secret or
// wallet is a fatal configuration error raised at construction (spec §7).
func NewAdmission(cfg AdmissionConfig) (*Admission, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, newAdmitError("admission: secret must not be empty")
	}
	if cfg.Wallet == nil {
		return nil, newAdmitError("admission: wallet backend is required")
	}
	ttl := cfg.InvoiceTTLSecs
	if ttl <= 0 {
		ttl = 600
	}
	pricingCfg := cfg.Pricing
	if pricingCfg == (PricingConfig{}) {
		pricingCfg = DefaultPricingConfig()
	}
	return &Admission{
		secret:         cfg.Secret,
		wallet:         cfg.Wallet,
		trust:          cfg.Trust,
		pricing:        NewPricingEngine(pricingCfg),
		invoiceTTLSecs: ttl,
	}, nil
}

// Pricing exposes the engine backing this admission instance, e.g. for a
// /pricing info endpoint or tests.
func (a *Admission) Pricing() *PricingEngine { return a.pricing }

// Close releases the wallet backend's resources, if it exposes a teardown
// (spec §5 "resource release").
func (a *Admission) Close() error {
	if closer, ok := a.wallet.(WalletCloser); ok {
		return closer.Close()
	}
	return nil
}

// tollKey is the context.Context key under which per-request toll outcome
// is stashed for downstream handlers.
type tollKey struct{}

// TollInfo records how admission resolved for the current request.
type TollInfo struct {
	Paid        bool
	Free        bool
	Err         error
	AgentID     string
	ContextID   string
	PaymentHash string
	Breakdown   PriceBreakdown
}

// TollFrom returns the TollInfo attached to r by an Admission middleware,
// or the zero value if none was attached.
func TollFrom(r *http.Request) TollInfo {
	v, _ := r.Context().Value(tollKey{}).(TollInfo)
	return v
}

// Wrap returns middleware enforcing route against next, implementing the
// state machine in spec §4.5. Only state-changing requests are tolled: GET
// and HEAD pass straight through, since browsing is free and only mutating
// a context costs sats.
func (a *Admission) Wrap(route RouteConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(auth) >= 5 && strings.EqualFold(auth[:5], "L402 ") {
			a.servePaid(w, r, route, auth, next)
			return
		}
		a.serveChallenge(w, r, route, next)
	})
}

// servePaid handles a retry carrying an Authorization: L402 header.
func (a *Admission) servePaid(w http.ResponseWriter, r *http.Request, route RouteConfig, auth string, next http.Handler) {
	macB64, preimage, err := parseL402Auth(auth)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	mac, err := DecodeMacaroon(macB64)
	if err != nil {
		writeAuthFailure(w, errBadMacaroonEncode)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	valid, err := a.wallet.VerifyPreimage(ctx, mac.ID, preimage)
	if err != nil {
		// Wallet backend error on lookup: fail-open (spec §7).
		a.serveFailOpen(w, r, next, err)
		return
	}
	if !valid {
		writeAuthFailure(w, errPreimageMismatch)
		return
	}

	verifyCtx := VerifyContext{
		Endpoint: r.URL.Path,
		Method:   r.Method,
	}
	for _, caveat := range mac.Caveats {
		key, value, ok := splitCaveat(caveat)
		if !ok {
			continue
		}
		switch key {
		case "context":
			verifyCtx.ContextID = value
		case "agent":
			verifyCtx.AgentID = value
		}
	}

	if err := VerifyMacaroon(a.secret, mac, verifyCtx); err != nil {
		writeAuthFailure(w, err)
		return
	}

	_, breakdown := a.pricing.Calculate(verifyCtx.AgentID, verifyCtx.ContextID, nil, false)

	info := TollInfo{
		Paid:        true,
		AgentID:     verifyCtx.AgentID,
		ContextID:   verifyCtx.ContextID,
		PaymentHash: mac.ID,
		Breakdown:   breakdown,
	}
	r = r.WithContext(context.WithValue(r.Context(), tollKey{}, info))
	next.ServeHTTP(w, r)
}

// serveFailOpen runs next without tolling and annotates the request with
// the error that caused the fail-open decision (spec §7).
func (a *Admission) serveFailOpen(w http.ResponseWriter, r *http.Request, next http.Handler, cause error) {
	info := TollInfo{Err: cause}
	r = r.WithContext(context.WithValue(r.Context(), tollKey{}, info))
	next.ServeHTTP(w, r)
}

// serveChallenge handles a request with no L402 Authorization header.
func (a *Admission) serveChallenge(w http.ResponseWriter, r *http.Request, route RouteConfig, next http.Handler) {
	agentID := route.agentFrom()(r)
	contextID := route.contextFrom()(r)

	score, known := a.lookupTrust(r.Context(), agentID)
	var trustScore *int
	if known {
		trustScore = &score
	}

	sats, breakdown := a.pricing.Calculate(agentID, contextID, trustScore, true)

	if sats == 0 {
		info := TollInfo{Free: true, AgentID: agentID, ContextID: contextID, Breakdown: breakdown}
		r = r.WithContext(context.WithValue(r.Context(), tollKey{}, info))
		next.ServeHTTP(w, r)
		return
	}

	desc := route.Description
	if desc == "" {
		desc = "access"
	}
	desc = fmt.Sprintf("%s: %s", desc, contextID)

	mintCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	invoice, err := a.wallet.CreateInvoice(mintCtx, sats, desc)
	if err != nil {
		// Wallet backend error on mint: fail-open (spec §7).
		a.serveFailOpen(w, r, next, err)
		return
	}

	ttl := route.InvoiceTTLSecs
	if ttl <= 0 {
		ttl = a.invoiceTTLSecs
	}
	caveats := (&CaveatSet{}).
		ExpiresAt(time.Now().Add(time.Duration(ttl) * time.Second)).
		Endpoint(r.URL.Path).
		Method(r.Method).
		Context(contextID).
		Agent(agentID)

	mac := NewMacaroon(a.secret, invoice.PaymentHash, caveats)
	macB64 := mac.Encode()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`L402 invoice="%s", macaroon="%s"`, invoice.PaymentRequest, macB64))
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      http.StatusPaymentRequired,
		"message":     "Payment Required",
		"protocol":    "L402",
		"paymentHash": invoice.PaymentHash,
		"invoice":     invoice.PaymentRequest,
		"macaroon":    macB64,
		"amountSats":  sats,
		"contextId":   contextID,
		"description": desc,
		"pricing":     breakdown,
		"instructions": map[string]string{
			"step1": fmt.Sprintf("Pay %d sats to the invoice above.", sats),
			"step2": "Obtain the payment preimage from your Lightning wallet once settled.",
			"step3": fmt.Sprintf(`Retry the request with "Authorization: L402 %s:<preimage>".`, macB64),
		},
	})
}

// lookupTrust bounds the trust resolver call to a hard 3-second deadline: a
// timer races the resolver and whichever resolves first wins (spec §5).
func (a *Admission) lookupTrust(parent context.Context, agentID string) (score int, known bool) {
	if a.trust == nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(parent, 3*time.Second)
	defer cancel()

	type result struct {
		score int
		known bool
	}
	ch := make(chan result, 1)
	go func() {
		s, k := a.trust.GetScore(ctx, agentID)
		select {
		case ch <- result{s, k}:
		default:
		}
	}()

	select {
	case r := <-ch:
		return r.score, r.known
	case <-ctx.Done():
		return 0, false
	}
}

// parseL402Auth parses "L402 <macaroon>:<preimage>" (scheme tag already
// confirmed case-insensitively by the caller).
func parseL402Auth(auth string) (macaroon, preimage string, err error) {
	rest := strings.TrimSpace(auth[5:])
	if strings.Count(rest, ":") != 1 {
		return "", "", errMalformedAuth
	}
	parts := strings.SplitN(rest, ":", 2)
	if parts[0] == "" || parts[1] == "" {
		return "", "", errMalformedAuth
	}
	return parts[0], parts[1], nil
}

// writeAuthFailure emits the 401 shape from spec §6.
func writeAuthFailure(w http.ResponseWriter, cause error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  "Invalid L402 credentials",
		"detail": cause.Error(),
	})
}

// invoiceTTLFromEnv parses an env var as seconds, returning def on any
// parse failure or absence.
func invoiceTTLFromEnv(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
