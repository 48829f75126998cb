package main

import (
	"os"
	"strings"
	"time"
)

// defaultRelays mirrors main.go's relay set; used when no relay list is
// configured for the attestation-network trust resolver.
var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.primal.net",
}

// envOr returns the value of the named env var, or def if unset/blank.
func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// NewAdmissionFromEnv builds an Admission from process environment
// variables:
//
//	L402_SECRET             HMAC secret (required)
//	WALLET_BACKEND          "lnbits" or "stub" (required)
//	LNBITS_URL              LNbits base URL (required if WALLET_BACKEND=lnbits)
//	LNBITS_KEY              LNbits invoice/read key (required if WALLET_BACKEND=lnbits)
//	LNBITS_FALLBACK_URLS    comma-separated fallback base URLs (optional)
//	TRUST_BACKEND           "static" | "rest" | "attestation" | "none" (default "attestation")
//	TRUST_REST_URL          required if TRUST_BACKEND=rest
//	INVOICE_TTL_SECS        default 600
//
// Missing secret or wallet backend is a fatal configuration error, per
// spec §7.
func NewAdmissionFromEnv() (*Admission, error) {
	secret := os.Getenv("L402_SECRET")
	if secret == "" {
		return nil, newAdmitError("L402_SECRET is required")
	}

	wallet, err := walletFromEnv()
	if err != nil {
		return nil, err
	}

	trust, err := trustFromEnv()
	if err != nil {
		return nil, err
	}

	ttl := invoiceTTLFromEnv(os.Getenv("INVOICE_TTL_SECS"), 600)

	return NewAdmission(AdmissionConfig{
		Secret:         secret,
		Wallet:         wallet,
		Trust:          trust,
		Pricing:        DefaultPricingConfig(),
		InvoiceTTLSecs: ttl,
	})
}

func walletFromEnv() (Wallet, error) {
	backend := strings.ToLower(envOr("WALLET_BACKEND", ""))
	switch backend {
	case "lnbits":
		baseURL := os.Getenv("LNBITS_URL")
		apiKey := os.Getenv("LNBITS_KEY")
		if baseURL == "" {
			return nil, newAdmitError("LNBITS_URL is required when WALLET_BACKEND=lnbits")
		}
		if apiKey == "" {
			return nil, newAdmitError("LNBITS_KEY is required when WALLET_BACKEND=lnbits")
		}
		var fallbacks []string
		if raw := os.Getenv("LNBITS_FALLBACK_URLS"); raw != "" {
			for _, u := range strings.Split(raw, ",") {
				if u = strings.TrimSpace(u); u != "" {
					fallbacks = append(fallbacks, u)
				}
			}
		}
		return NewLNbitsWallet(baseURL, apiKey, fallbacks)
	case "stub":
		return NewStubWallet(), nil
	case "":
		return nil, newAdmitError("WALLET_BACKEND is required (\"lnbits\" or \"stub\")")
	default:
		return nil, newAdmitError("unknown WALLET_BACKEND %q", backend)
	}
}

func trustFromEnv() (TrustResolver, error) {
	backend := strings.ToLower(envOr("TRUST_BACKEND", "attestation"))
	switch backend {
	case "none":
		return nil, nil
	case "static":
		return NewStaticResolver(nil), nil
	case "rest":
		restURL := os.Getenv("TRUST_REST_URL")
		if restURL == "" {
			return nil, newAdmitError("TRUST_REST_URL is required when TRUST_BACKEND=rest")
		}
		return NewRESTResolver(restURL, 5*time.Minute)
	case "attestation":
		return NewAttestationResolver(NewAttestationStore()), nil
	default:
		return nil, newAdmitError("unknown TRUST_BACKEND %q", backend)
	}
}
